// Package metric exposes Prometheus metrics for the Horizont core.
//
// MetricsRegistry wraps a private prometheus.Registry (never the global
// default) pre-loaded with the framework Metrics and the Go runtime
// collectors. Components register their own collectors through the
// MetricsRegistrar methods, keyed by owner and metric name so duplicate
// registration fails with an invalid-class error instead of panicking.
//
// Server serves the registry over HTTP on /metrics plus a /health probe.
package metric
