// Package horizont is a modular storage framework.
//
// A single process hosts modules that expose named ports and exchange data
// and element events through them, and control interfaces that manage the
// modules and observe the framework through categorized events.
//
// # Architecture
//
//	cmd/horizont        process entry point: flags, settings, signals
//	system              system state machine, config import/export
//	broker              ports, priority admission, connection sets, streams
//	dispatch            module sessions: rights, approval, guarded calls
//	control             control interface sessions and event listeners
//	event               event types, per-interface queues, coalescing fan-out
//	component           contracts and the registry of live instances
//	config              settings loader and the component configuration store
//	rights              per-component rights bit masks
//	storage             built-in storage module (memory or NATS object store)
//	output/*            built-in control interfaces: eventlog, file, httppost,
//	                    websocket
//	health              health monitor and HTTP endpoint control interface
//	logging             log handler that feeds the event fan-out
//	metric              Prometheus metrics and the metrics server
//	errors              error classification and framework sentinels
//	pkg/guard           time-bounded calls into component code
//	pkg/worker          serial work queue
//	pkg/retry           exponential backoff
//	pkg/tlsutil         TLS settings of HTTP endpoints and clients
//	pkg/acme            ACME certificate management
//
// # Running
//
//	horizont --config=/etc/horizont/settings.yaml
//	horizont --import=components.yaml --log-format=text
//
// Components are declared in the configuration store, either in memory or
// in a NATS KV bucket. An empty store is seeded with an event log.
package horizont
