package storage

import (
	"context"
	"io"

	"github.com/xonfour/horizont-sub000/errors"
)

// ErrNotFound is returned by Get for unknown keys
var ErrNotFound = errors.ErrKeyNotFound

// Store is the pluggable backend of the storage module.
//
// All Store implementations must be safe for concurrent use from multiple goroutines.
type Store interface {
	// Put stores data at key, replacing an existing value.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the data at key or an error matching ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys starting with prefix in lexicographic order.
	// An empty prefix lists every key.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting an unknown key is not an error.
	Delete(ctx context.Context, key string) error
}

// Opener opens the backend of a storage module. The returned closer, if
// any, is released when the module shuts down.
type Opener func(ctx context.Context) (Store, io.Closer, error)

// MemoryOpener returns an Opener that hands out the same MemoryStore on
// every call, so content survives a stop and start of the module.
func MemoryOpener() Opener {
	store := NewMemoryStore()
	return func(context.Context) (Store, io.Closer, error) {
		return store, nil, nil
	}
}
