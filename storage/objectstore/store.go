package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/pkg/retry"
	"github.com/xonfour/horizont-sub000/storage"
)

// BackendName selects this backend in the settings of a storage module
const BackendName = "objectstore"

// DefaultBucket is used when no bucket name is configured
const DefaultBucket = "HORIZONT_DATA"

// Store is a storage.Store backed by a NATS JetStream object store bucket
type Store struct {
	objects jetstream.ObjectStore
	conn    *nats.Conn
	bucket  string
	logger  *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates or opens bucket on js
func New(ctx context.Context, js jetstream.JetStream, bucket string, logger *slog.Logger) (*Store, error) {
	if js == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ObjectStore", "New", "jetstream context validation")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	if logger == nil {
		logger = slog.Default()
	}

	objects, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Horizont storage module data",
	})
	if err != nil {
		return nil, errors.WrapDatabase(err, "ObjectStore", "New", "create object store bucket")
	}

	return &Store{
		objects: objects,
		bucket:  bucket,
		logger:  logger.With("component", "objectstore", "bucket", bucket),
	}, nil
}

// Dial connects to the NATS server at url and opens bucket.
// The connection is owned by the store and released by Close.
func Dial(ctx context.Context, url, bucket string, logger *slog.Logger) (*Store, error) {
	nc, err := retry.DoWithResult(ctx, retry.Quick(), func() (*nats.Conn, error) {
		return nats.Connect(url,
			nats.Name("horizont-storage"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
	})
	if err != nil {
		return nil, errors.WrapDatabase(err, "ObjectStore", "Dial", "connect to NATS")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.WrapDatabase(err, "ObjectStore", "Dial", "create jetstream context")
	}

	store, err := New(ctx, js, bucket, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	store.conn = nc
	return store, nil
}

// Opener returns a storage.Opener dialing a fresh connection on every
// startup of the module
func Opener(url, bucket string, logger *slog.Logger) storage.Opener {
	return func(ctx context.Context) (storage.Store, io.Closer, error) {
		store, err := Dial(ctx, url, bucket, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
}

// Bucket returns the bucket name
func (s *Store) Bucket() string { return s.bucket }

// Put stores data as the latest version of key
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.objects.PutBytes(ctx, key, data); err != nil {
		return errors.WrapDatabase(err, "ObjectStore", "Put", "put object "+key)
	}
	return nil
}

// Get returns the latest version of key
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.objects.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, errors.WrapDatabase(err, "ObjectStore", "Get", "get object "+key)
	}
	return data, nil
}

// List filters the bucket listing client side
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := s.objects.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return []string{}, nil
		}
		return nil, errors.WrapDatabase(err, "ObjectStore", "List", "list objects")
	}

	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		keys = append(keys, info.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete marks key as deleted
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.objects.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return errors.WrapDatabase(err, "ObjectStore", "Delete", "delete object "+key)
	}
	return nil
}

// Close drains the owned NATS connection, if any
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		return errors.WrapTransient(err, "ObjectStore", "Close", "drain NATS connection")
	}
	s.logger.Debug("Object store connection drained")
	return nil
}

// Backend builds an Opener from the "url" and "bucket" settings of a
// storage module
func Backend(deps component.Dependencies) (storage.Opener, error) {
	url := deps.Settings["url"]
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ObjectStore", "Backend", "url is required")
	}
	return Opener(url, deps.Settings["bucket"], deps.Logger), nil
}
