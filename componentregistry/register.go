// Package componentregistry registers the built-in component types.
package componentregistry

import (
	"errors"
	"log/slog"

	"github.com/xonfour/horizont-sub000/component"
	pkgerrors "github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/health"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/output/eventlog"
	"github.com/xonfour/horizont-sub000/output/file"
	"github.com/xonfour/horizont-sub000/output/httppost"
	"github.com/xonfour/horizont-sub000/output/websocket"
	"github.com/xonfour/horizont-sub000/storage"
	"github.com/xonfour/horizont-sub000/storage/objectstore"
)

// Options are shared by the built-in components
type Options struct {
	// Logger receives the output of control interfaces. It must not feed
	// the event fan-out, otherwise the event log would log its own events.
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Builtins returns the registrations of all built-in component types:
//
// Modules:
//   - storage (memory or NATS object store backend)
//
// Control interfaces:
//   - eventlog (structured log)
//   - websocket (event streaming to WebSocket clients)
//   - file (JSON lines file)
//   - httppost (webhooks)
//   - health (HTTP health endpoint)
func Builtins(opts Options) []component.Registration {
	sink := opts.Logger
	if sink == nil {
		sink = slog.Default()
	}
	return []component.Registration{
		storage.Registration(map[string]storage.OpenerFunc{
			objectstore.BackendName: objectstore.Backend,
		}),
		eventlog.Registration(sink, opts.Metrics),
		websocket.Registration(opts.Logger, opts.Metrics),
		file.Registration(opts.Logger, opts.Metrics),
		httppost.Registration(opts.Logger, opts.Metrics),
		health.Registration(opts.Logger),
	}
}

// Register registers all built-in component types with registry
func Register(registry *component.Registry, opts Options) error {
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	for _, reg := range Builtins(opts) {
		if err := registry.RegisterFactory(reg); err != nil {
			return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", reg.Type+" registration")
		}
	}
	return nil
}
