package websocket

import (
	"log/slog"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/metric"
)

// Registration describes the output for a component registry. The logger
// must not feed the event fan-out; nil uses the component's own logger.
func Registration(logger *slog.Logger, metrics *metric.Metrics) component.Registration {
	return component.Registration{
		Type:        Type,
		Kind:        component.KindControlInterface,
		Description: "Streams framework events to WebSocket clients",
		Version:     "0.1.0",
		Factory: func(deps component.Dependencies) (any, error) {
			cfg, err := ParseConfig(deps.Settings)
			if err != nil {
				return nil, err
			}
			l := deps.Logger
			if logger != nil {
				l = logger.With("component_id", deps.ID)
			}
			return New(deps.ID, cfg, l, metrics), nil
		},
	}
}
