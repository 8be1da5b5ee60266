package event

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/pkg/worker"
	"github.com/xonfour/horizont-sub000/rights"
)

// Publisher accepts events for delivery
type Publisher interface {
	Publish(ev component.Event)
}

// Fanout delivers events to the queue of every control interface allowed
// to see them. Connection, module and port events pass through one
// dedicated queue per category, which coalesces them for control interfaces
// holding rights.MayMissEvents. Log, state and activity events are copied
// to the receiving queues directly.
type Fanout struct {
	rights  *rights.Registry
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.RWMutex
	queues map[string]*Queue

	kinds map[component.Category]*worker.Queue[component.Event]
}

// FanoutOption configures a Fanout
type FanoutOption func(*fanoutOptions)

type fanoutOptions struct {
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
}

// WithMetrics counts published and coalesced events and registers queue
// metrics for the per-category queues
func WithMetrics(registry *metric.MetricsRegistry) FanoutOption {
	return func(o *fanoutOptions) {
		o.registry = registry
		o.metrics = registry.CoreMetrics()
	}
}

// NewFanout creates a fan-out that filters by the rights in rightsRegistry
func NewFanout(rightsRegistry *rights.Registry, logger *slog.Logger, opts ...FanoutOption) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	var o fanoutOptions
	for _, opt := range opts {
		opt(&o)
	}

	f := &Fanout{
		rights:  rightsRegistry,
		logger:  logger.With("component", "event-fanout"),
		metrics: o.metrics,
		queues:  make(map[string]*Queue),
		kinds:   make(map[component.Category]*worker.Queue[component.Event]),
	}

	for _, c := range component.Categories() {
		if !IsCoalescing(c) {
			continue
		}
		queueOpts := []worker.Option[component.Event]{worker.WithLogger[component.Event](f.logger)}
		if o.registry != nil {
			queueOpts = append(queueOpts,
				worker.WithMetricsRegistry[component.Event](o.registry, "horizont_events_"+c.String()))
		}
		f.kinds[c] = worker.NewQueue("events."+c.String(), func(_ context.Context, ev component.Event) error {
			f.deliverCoalescing(ev)
			return nil
		}, queueOpts...)
	}

	return f
}

// Start launches the per-category queues
func (f *Fanout) Start(ctx context.Context) error {
	for c, q := range f.kinds {
		if err := q.Start(ctx); err != nil {
			return errors.WrapBroker(err, "Fanout", "Start", "start "+c.String()+" queue")
		}
	}
	return nil
}

// Stop drains the per-category queues, then closes every control interface queue
func (f *Fanout) Stop(timeout time.Duration) error {
	var firstErr error
	for c, q := range f.kinds {
		if err := q.Stop(timeout); err != nil && firstErr == nil {
			firstErr = errors.WrapTransient(err, "Fanout", "Stop", "drain "+c.String()+" queue")
		}
	}

	f.mu.Lock()
	queues := f.queues
	f.queues = make(map[string]*Queue)
	f.mu.Unlock()

	for id, q := range queues {
		if err := q.Close(timeout); err != nil && firstErr == nil {
			firstErr = errors.WrapTransient(err, "Fanout", "Stop", "drain queue of "+id)
		}
	}
	return firstErr
}

// AddQueue creates and starts the event queue of a control interface
func (f *Fanout) AddQueue(ctx context.Context, id string, sink Sink) (*Queue, error) {
	q := NewQueue(id, sink, f.logger.With("control_interface", id))

	f.mu.Lock()
	if _, exists := f.queues[id]; exists {
		f.mu.Unlock()
		return nil, errors.NewBroker("Fanout", "AddQueue", "control interface "+id+" already has a queue")
	}
	f.queues[id] = q
	f.mu.Unlock()

	if err := q.Start(ctx); err != nil {
		f.mu.Lock()
		delete(f.queues, id)
		f.mu.Unlock()
		return nil, errors.WrapBroker(err, "Fanout", "AddQueue", "start queue")
	}
	return q, nil
}

// RemoveQueue closes the queue of a control interface
func (f *Fanout) RemoveQueue(id string, timeout time.Duration) error {
	f.mu.Lock()
	q, ok := f.queues[id]
	delete(f.queues, id)
	f.mu.Unlock()

	if !ok {
		return nil
	}
	return q.Close(timeout)
}

// QueueIDs returns the owners of the current queues
func (f *Fanout) QueueIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.queues))
	for id := range f.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Publish hands ev to delivery. It never blocks on control interfaces.
func (f *Fanout) Publish(ev component.Event) {
	if ev == nil {
		return
	}
	c := ev.Category()
	f.metrics.RecordEvent(c.String())

	if kind, ok := f.kinds[c]; ok {
		if err := kind.Submit(ev); err != nil {
			f.logger.Debug("Event dropped after stop", "category", c, "error", err)
		}
		return
	}
	f.broadcast(ev)
}

type target struct {
	id string
	q  *Queue
}

// receivers returns the queues whose owners may see category c
func (f *Fanout) receivers(c component.Category) []target {
	required := RequiredRight(c)

	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]target, 0, len(f.queues))
	for id, q := range f.queues {
		if f.rights.HasAll(id, required) {
			out = append(out, target{id: id, q: q})
		}
	}
	return out
}

func (f *Fanout) broadcast(ev component.Event) {
	for _, t := range f.receivers(ev.Category()) {
		if err := t.q.Put(ev); err != nil {
			f.logger.Debug("Event not queued", "control_interface", t.id, "error", err)
		}
	}
}

func (f *Fanout) deliverCoalescing(ev component.Event) {
	keyed, ok := ev.(Coalescing)
	for _, t := range f.receivers(ev.Category()) {
		var err error
		if ok && f.rights.HasAll(t.id, rights.MayMissEvents) {
			var replaced bool
			replaced, err = t.q.PutLatest(keyed)
			if replaced {
				f.metrics.RecordCoalesced()
			}
		} else {
			err = t.q.Put(ev)
		}
		if err != nil {
			f.logger.Debug("Event not queued", "control_interface", t.id, "error", err)
		}
	}
}
