// Package storage provides the built-in storage module and the pluggable
// backends behind it.
//
// # Overview
//
// The storage module is a supplier: it registers one supplier port, "data",
// and serves the data plane of every consumer connected to it. Elements
// live in a Store under hierarchical keys:
//
//	/reports/2024/q1.csv  ->  key "reports/2024/q1.csv"
//
// Folders are implicit. A folder exists while any key lives below it; an
// empty folder created with CreateFolder is kept alive by a marker object
// named ".folder".
//
// # Backends
//
// Store is a simple key/value contract:
//   - Put stores binary data, replacing an existing value
//   - Get returns the data or an error matching ErrNotFound
//   - List returns the keys below a prefix in lexicographic order
//   - Delete removes a key and is idempotent
//
// MemoryStore keeps everything in process. The objectstore subpackage
// stores objects in a NATS JetStream object store bucket.
//
// # Lifecycle
//
// The module opens its backend in EnterStartup and releases it in
// ExitShutdown. It reports its readiness to connected consumers through
// provider state events and pushes element events for every change it
// makes, so subscribed consumers can follow the content.
//
// # Locks
//
// Locks are advisory and held in memory. A locked element cannot be
// written, moved or deleted until it is unlocked.
package storage
