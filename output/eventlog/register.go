package eventlog

import (
	"log/slog"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/metric"
)

// Registration describes the event log for a component registry. Events
// are written to sink, which must not feed the event fan-out.
func Registration(sink *slog.Logger, metrics *metric.Metrics) component.Registration {
	return component.Registration{
		Type:        Type,
		Kind:        component.KindControlInterface,
		Description: "Writes framework events to the structured log",
		Version:     "0.1.0",
		Factory: func(deps component.Dependencies) (any, error) {
			cfg, err := ParseConfig(deps.Settings)
			if err != nil {
				return nil, err
			}
			return New(deps.ID, cfg, sink, metrics), nil
		},
	}
}
