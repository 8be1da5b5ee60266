// Package eventlog provides a control interface that mirrors framework events
// into a structured log.
package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/metric"
)

// Type is the registered type name of the event log
const Type = "eventlog"

// Config holds the settings of an event log
type Config struct {
	Categories []component.Category
	Level      slog.Level
}

// ParseConfig reads "categories" (comma separated, default all) and
// "level" (the level non-log events are written at, default INFO)
func ParseConfig(settings component.Properties) (Config, error) {
	cats, err := component.ParseCategories(settings["categories"])
	if err != nil {
		return Config{}, errors.WrapInvalid(err, "Config", "Parse", "categories")
	}
	cfg := Config{Categories: cats, Level: slog.LevelInfo}
	if raw, ok := settings["level"]; ok {
		if err := cfg.Level.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Parse", "level")
		}
	}
	return cfg, nil
}

// Interface writes every received event to its sink logger. Log events keep
// their own level; everything else is written at the configured level.
type Interface struct {
	id      string
	config  Config
	sink    *slog.Logger
	metrics *metric.Metrics

	mu    sync.Mutex
	calls component.ControlCalls
}

var _ component.ControlInterface = (*Interface)(nil)

// New creates an event log. The sink must not feed the event fan-out.
func New(id string, cfg Config, sink *slog.Logger, metrics *metric.Metrics) *Interface {
	if sink == nil {
		sink = slog.Default()
	}
	return &Interface{
		id:      id,
		config:  cfg,
		sink:    sink.With("component", "eventlog", "interface", id),
		metrics: metrics,
	}
}

// Startup registers the event listener
func (i *Interface) Startup(_ context.Context, calls component.ControlCalls) error {
	if err := calls.AddListener(i, i.config.Categories...); err != nil {
		return err
	}
	i.mu.Lock()
	i.calls = calls
	i.mu.Unlock()
	return nil
}

// Shutdown removes the event listener
func (i *Interface) Shutdown(context.Context) error {
	i.mu.Lock()
	calls := i.calls
	i.calls = nil
	i.mu.Unlock()
	if calls != nil {
		// the session drops its listeners when it closes anyway
		_ = calls.RemoveListener(i)
	}
	return nil
}

// OnGeneralEvent writes ev to the sink
func (i *Interface) OnGeneralEvent(ev component.Event) {
	rec := event.NewRecord(ev)
	level := i.config.Level
	attrs := []any{"category", rec.Category, "type", rec.Type, "event_id", rec.ID}
	if entry, ok := ev.(*event.LogEntry); ok {
		level = entry.Level
		for k, v := range entry.Attrs {
			attrs = append(attrs, k, v)
		}
	}
	i.sink.Log(context.Background(), level, rec.Summary, attrs...)
	i.metrics.RecordOutput(Type, 1, nil)
}
