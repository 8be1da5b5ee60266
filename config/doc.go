// Package config provides Horizont settings and the configuration store.
//
// Settings are loaded by Loader from built-in defaults, then any number of
// JSON or YAML layers, then HORIZONT_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("horizont.yaml")
//	settings, err := loader.Load()
//
// Duration fields accept Go duration strings ("5s", "250ms").
//
// The Store interface is the persistent record of which modules and control
// interfaces exist, with which rights, and which port connections were
// requested. MemoryStore keeps records in process; KVStore keeps them in a
// NATS JetStream key/value bucket so several tools can share one
// configuration. Snapshots move a whole configuration between stores and
// files (YAML) and are checked by ValidateSnapshot before use.
package config
