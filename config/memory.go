package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xonfour/horizont-sub000/errors"
)

// MemoryStore is a Store held in process memory
type MemoryStore struct {
	mu          sync.RWMutex
	components  map[string]ComponentRecord
	connections map[connKey]ConnectionRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		components:  make(map[string]ComponentRecord),
		connections: make(map[connKey]ConnectionRecord),
	}
}

// Components returns all component records ordered by id
func (s *MemoryStore) Components(_ context.Context) ([]ComponentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ComponentRecord, 0, len(s.components))
	for _, rec := range s.components {
		out = append(out, cloneComponent(rec))
	}
	sortComponents(out)
	return out, nil
}

// Component returns one component record
func (s *MemoryStore) Component(_ context.Context, id string) (ComponentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.components[id]
	if !ok {
		return ComponentRecord{}, errors.WrapInvalid(
			fmt.Errorf("%w: component %s", errors.ErrConfigNotFound, id),
			"MemoryStore", "Component", "lookup")
	}
	return cloneComponent(rec), nil
}

// PutComponent creates or replaces a component record
func (s *MemoryStore) PutComponent(_ context.Context, rec ComponentRecord) error {
	if rec.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "MemoryStore", "PutComponent", "component id validation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[rec.ID] = cloneComponent(rec)
	return nil
}

// DeleteComponent removes a component record and its connections
func (s *MemoryStore) DeleteComponent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.components, id)
	for k := range s.connections {
		if k.consumer.Module == id || k.supplier.Module == id {
			delete(s.connections, k)
		}
	}
	return nil
}

// Connections returns all connection records
func (s *MemoryStore) Connections(_ context.Context) ([]ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConnectionRecord, 0, len(s.connections))
	for _, rec := range s.connections {
		out = append(out, rec)
	}
	sortConnections(out)
	return out, nil
}

// PutConnection creates or replaces a connection record
func (s *MemoryStore) PutConnection(_ context.Context, rec ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[connKey{rec.Consumer, rec.Supplier}] = rec
	return nil
}

// DeleteConnection removes a connection record. Unknown pairs are ignored.
func (s *MemoryStore) DeleteConnection(_ context.Context, consumer, supplier Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connKey{consumer, supplier})
	return nil
}

// Export returns a snapshot of the whole store
func (s *MemoryStore) Export(ctx context.Context) (Snapshot, error) {
	components, _ := s.Components(ctx)
	connections, _ := s.Connections(ctx)
	return Snapshot{
		Version:     SnapshotVersion,
		Components:  components,
		Connections: connections,
	}, nil
}

// Import replaces the store content with the snapshot
func (s *MemoryStore) Import(_ context.Context, snap Snapshot) error {
	if err := ValidateSnapshot(snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.components = make(map[string]ComponentRecord, len(snap.Components))
	for _, rec := range snap.Components {
		s.components[rec.ID] = cloneComponent(rec)
	}
	s.connections = make(map[connKey]ConnectionRecord, len(snap.Connections))
	for _, rec := range snap.Connections {
		s.connections[connKey{rec.Consumer, rec.Supplier}] = rec
	}
	return nil
}

func cloneComponent(rec ComponentRecord) ComponentRecord {
	if rec.Settings != nil {
		settings := make(map[string]string, len(rec.Settings))
		for k, v := range rec.Settings {
			settings[k] = v
		}
		rec.Settings = settings
	}
	return rec
}

func sortComponents(recs []ComponentRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

func sortConnections(recs []ConnectionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Consumer != b.Consumer {
			return a.Consumer.String() < b.Consumer.String()
		}
		return a.Supplier.String() < b.Supplier.String()
	})
}
