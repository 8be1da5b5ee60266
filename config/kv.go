package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/pkg/retry"
)

const (
	componentPrefix  = "components."
	connectionPrefix = "connections."
)

var validKeyPart = regexp.MustCompile(`^[-_=a-zA-Z0-9]+$`)

// connectionNamespace derives stable connection keys from endpoint pairs.
var connectionNamespace = uuid.MustParse("6f1c2b8e-3a54-4d0e-9a41-1c0f8d7e2b55")

// KVStore is a Store backed by a NATS JetStream key/value bucket.
// Records are stored as JSON under components.<id> and connections.<key>.
type KVStore struct {
	kv     jetstream.KeyValue
	conn   *nats.Conn
	logger *slog.Logger
}

// NewKVStore creates or opens bucket on js
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string, logger *slog.Logger) (*KVStore, error) {
	if js == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KVStore", "New", "jetstream context validation")
	}
	if bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KVStore", "New", "bucket name validation")
	}
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Horizont component and connection configuration",
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapDatabase(err, "KVStore", "New", "create KV bucket")
	}

	return &KVStore{kv: kv, logger: logger.With("component", "config-kv", "bucket", bucket)}, nil
}

// DialKVStore connects to the NATS server at url and opens bucket.
// The connection is owned by the store and released by Close.
func DialKVStore(ctx context.Context, url, bucket string, logger *slog.Logger) (*KVStore, error) {
	nc, err := retry.DoWithResult(ctx, retry.Quick(), func() (*nats.Conn, error) {
		return nats.Connect(url,
			nats.Name("horizont-config"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
	})
	if err != nil {
		return nil, errors.WrapDatabase(err, "KVStore", "Dial", "connect to NATS")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.WrapDatabase(err, "KVStore", "Dial", "create jetstream context")
	}

	store, err := NewKVStore(ctx, js, bucket, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	store.conn = nc
	return store, nil
}

// Close drains the owned NATS connection, if any
func (s *KVStore) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		return errors.WrapTransient(err, "KVStore", "Close", "drain NATS connection")
	}
	return nil
}

func connectionKey(consumer, supplier Endpoint) string {
	name := consumer.String() + "|" + supplier.String()
	return connectionPrefix + strings.ReplaceAll(uuid.NewSHA1(connectionNamespace, []byte(name)).String(), "-", "")
}

func (s *KVStore) keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *KVStore) get(ctx context.Context, key string, v any) error {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(entry.Value(), v)
}

func (s *KVStore) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, key, data)
	return err
}

// Components returns all component records ordered by id
func (s *KVStore) Components(ctx context.Context) ([]ComponentRecord, error) {
	keys, err := s.keys(ctx, componentPrefix)
	if err != nil {
		return nil, errors.WrapDatabase(err, "KVStore", "Components", "list keys")
	}

	out := make([]ComponentRecord, 0, len(keys))
	for _, key := range keys {
		var rec ComponentRecord
		if err := s.get(ctx, key, &rec); err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // deleted concurrently
			}
			return nil, errors.WrapDatabase(err, "KVStore", "Components", fmt.Sprintf("get %s", key))
		}
		out = append(out, rec)
	}
	sortComponents(out)
	return out, nil
}

// Component returns one component record
func (s *KVStore) Component(ctx context.Context, id string) (ComponentRecord, error) {
	if !validKeyPart.MatchString(id) {
		return ComponentRecord{}, errors.WrapInvalid(
			fmt.Errorf("%w: component %s", errors.ErrConfigNotFound, id), "KVStore", "Component", "lookup")
	}

	var rec ComponentRecord
	if err := s.get(ctx, componentPrefix+id, &rec); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ComponentRecord{}, errors.WrapInvalid(
				fmt.Errorf("%w: component %s", errors.ErrConfigNotFound, id), "KVStore", "Component", "lookup")
		}
		return ComponentRecord{}, errors.WrapDatabase(err, "KVStore", "Component", "get record")
	}
	return rec, nil
}

// PutComponent creates or replaces a component record
func (s *KVStore) PutComponent(ctx context.Context, rec ComponentRecord) error {
	if !validKeyPart.MatchString(rec.ID) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: component id %q", errors.ErrInvalidData, rec.ID), "KVStore", "PutComponent", "id validation")
	}
	if err := s.put(ctx, componentPrefix+rec.ID, rec); err != nil {
		return errors.WrapDatabase(err, "KVStore", "PutComponent", "put record")
	}
	return nil
}

// DeleteComponent removes a component record and its connections
func (s *KVStore) DeleteComponent(ctx context.Context, id string) error {
	conns, err := s.Connections(ctx)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if c.Consumer.Module == id || c.Supplier.Module == id {
			if err := s.DeleteConnection(ctx, c.Consumer, c.Supplier); err != nil {
				return err
			}
		}
	}

	if !validKeyPart.MatchString(id) {
		return nil
	}
	if err := s.kv.Delete(ctx, componentPrefix+id); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapDatabase(err, "KVStore", "DeleteComponent", "delete record")
	}
	return nil
}

// Connections returns all connection records
func (s *KVStore) Connections(ctx context.Context) ([]ConnectionRecord, error) {
	keys, err := s.keys(ctx, connectionPrefix)
	if err != nil {
		return nil, errors.WrapDatabase(err, "KVStore", "Connections", "list keys")
	}

	out := make([]ConnectionRecord, 0, len(keys))
	for _, key := range keys {
		var rec ConnectionRecord
		if err := s.get(ctx, key, &rec); err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, errors.WrapDatabase(err, "KVStore", "Connections", fmt.Sprintf("get %s", key))
		}
		out = append(out, rec)
	}
	sortConnections(out)
	return out, nil
}

// PutConnection creates or replaces a connection record
func (s *KVStore) PutConnection(ctx context.Context, rec ConnectionRecord) error {
	if err := s.put(ctx, connectionKey(rec.Consumer, rec.Supplier), rec); err != nil {
		return errors.WrapDatabase(err, "KVStore", "PutConnection", "put record")
	}
	return nil
}

// DeleteConnection removes a connection record. Unknown pairs are ignored.
func (s *KVStore) DeleteConnection(ctx context.Context, consumer, supplier Endpoint) error {
	err := s.kv.Delete(ctx, connectionKey(consumer, supplier))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapDatabase(err, "KVStore", "DeleteConnection", "delete record")
	}
	return nil
}

// Export returns a snapshot of the whole bucket
func (s *KVStore) Export(ctx context.Context) (Snapshot, error) {
	components, err := s.Components(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	connections, err := s.Connections(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Version: SnapshotVersion, Components: components, Connections: connections}, nil
}

// Import replaces the bucket content with the snapshot
func (s *KVStore) Import(ctx context.Context, snap Snapshot) error {
	if err := ValidateSnapshot(snap); err != nil {
		return err
	}
	for _, rec := range snap.Components {
		if !validKeyPart.MatchString(rec.ID) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: component id %q", errors.ErrInvalidData, rec.ID), "KVStore", "Import", "id validation")
		}
	}

	keys, err := s.keys(ctx, "")
	if err != nil {
		return errors.WrapDatabase(err, "KVStore", "Import", "list keys")
	}
	for _, key := range keys {
		if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return errors.WrapDatabase(err, "KVStore", "Import", fmt.Sprintf("delete %s", key))
		}
	}

	for _, rec := range snap.Components {
		if err := s.PutComponent(ctx, rec); err != nil {
			return err
		}
	}
	for _, rec := range snap.Connections {
		if err := s.PutConnection(ctx, rec); err != nil {
			return err
		}
	}

	s.logger.Info("Configuration imported",
		"components", len(snap.Components), "connections", len(snap.Connections))
	return nil
}

// OpenStore returns the store selected by settings. Stores holding external
// resources implement io.Closer.
func OpenStore(ctx context.Context, settings StoreSettings, logger *slog.Logger) (Store, error) {
	switch settings.Kind {
	case StoreNATS:
		return DialKVStore(ctx, settings.URL, settings.Bucket, logger)
	case StoreMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown store kind %q", errors.ErrInvalidConfig, settings.Kind),
			"config", "OpenStore", "store selection")
	}
}
