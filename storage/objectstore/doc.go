// Package objectstore is the NATS JetStream backend of the storage module.
//
// Every file is one object in the bucket, named by its path without the
// leading slash. Folders exist implicitly through the objects below them;
// empty folders hold a ".folder" marker object. Deletes only mark the latest
// version, so the bucket keeps history until it is purged.
//
// Use Opener to plug the backend into a storage module:
//
//	open := objectstore.Opener("nats://localhost:4222", "HORIZONT_DATA", logger)
//	module, err := storage.NewModule(deps, "objectstore", open)
//
// Listing is filtered client side, so large buckets make Children and
// folder moves proportionally slower.
package objectstore
