package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/config"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/pkg/worker"
)

// tuple is the mutable record behind a connection. It lives in exactly one
// of Broker.connected and Broker.disconnected.
type tuple struct {
	key          component.ConnectionKey
	priority     int
	bytes        int64
	lastActivity time.Time
	streams      map[*stream]struct{}
	// held marks a tuple disconnected by request; reevaluation skips it
	// until it is connected explicitly again
	held bool
}

func (t *tuple) view(connected bool) component.Connection {
	return component.Connection{
		ConnectionKey:    t.key,
		Priority:         t.priority,
		Connected:        connected,
		BytesTransferred: t.bytes,
		LastActivity:     t.lastActivity,
		OpenStreams:      len(t.streams),
	}
}

func (t *tuple) record() config.ConnectionRecord {
	return config.ConnectionRecord{
		Consumer: t.key.Consumer.Endpoint(),
		Supplier: t.key.Supplier.Endpoint(),
		Priority: t.priority,
	}
}

// Broker owns the port graph.
//
// Lock order: dataMu before connMu, never the reverse. dataMu guards ports
// and both tuple sets, connMu guards the consumer/supplier maps. stateMu
// serializes Initialize, Startup, Shutdown and ResetConfig.
type Broker struct {
	registry  *component.Registry
	store     config.Store
	publisher event.Publisher
	runner    PhaseRunner
	logger    *slog.Logger
	metrics   *metric.Metrics

	callTimeout      time.Duration
	lifecycleTimeout time.Duration

	dataMu       sync.RWMutex
	ports        map[component.PortID]component.Port
	connected    map[component.ConnectionKey]*tuple
	disconnected map[component.ConnectionKey]*tuple

	connMu      sync.RWMutex
	supplierOf  map[component.PortID]component.PortID
	consumersOf map[component.PortID]map[component.PortID]struct{}

	stateMu     sync.Mutex
	initialized atomic.Bool
	running     atomic.Bool

	background *worker.Func

	obsMu     sync.RWMutex
	observers []func(key component.ConnectionKey, removed bool)
}

// Option configures a Broker
type Option func(*Broker)

// WithMetrics records connection counts and admissions
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithTimeouts sets the budget of port notifications and of each lifecycle phase call
func WithTimeouts(call, lifecycle time.Duration) Option {
	return func(b *Broker) {
		if call > 0 {
			b.callTimeout = call
		}
		if lifecycle > 0 {
			b.lifecycleTimeout = lifecycle
		}
	}
}

// WithPhaseRunner replaces the default lifecycle phase runner
func WithPhaseRunner(r PhaseRunner) Option {
	return func(b *Broker) { b.runner = r }
}

// New creates a broker. registry resolves modules and their serial queues,
// store persists connections, publisher receives connection, port and
// module events.
func New(registry *component.Registry, store config.Store, publisher event.Publisher, logger *slog.Logger,
	opts ...Option,
) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		registry:         registry,
		store:            store,
		publisher:        publisher,
		logger:           logger.With("component", "broker"),
		callTimeout:      5 * time.Second,
		lifecycleTimeout: 10 * time.Second,
		ports:            make(map[component.PortID]component.Port),
		connected:        make(map[component.ConnectionKey]*tuple),
		disconnected:     make(map[component.ConnectionKey]*tuple),
		supplierOf:       make(map[component.PortID]component.PortID),
		consumersOf:      make(map[component.PortID]map[component.PortID]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.runner == nil {
		b.runner = &moduleRunner{registry: registry}
	}
	b.background = worker.NewFuncQueue("broker.reevaluate", worker.WithLogger[func()](b.logger))
	return b
}

// SetPhaseRunner replaces the lifecycle phase runner. It takes effect for
// the next Startup or Shutdown.
func (b *Broker) SetPhaseRunner(r PhaseRunner) {
	if r == nil {
		return
	}
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.runner = r
}

// Open starts the background connection-management queue
func (b *Broker) Open(ctx context.Context) error {
	if err := b.background.Start(ctx); err != nil {
		return errors.WrapBroker(err, "Broker", "Open", "start background queue")
	}
	return nil
}

// Close stops the background queue, waiting up to timeout for pending reevaluations
func (b *Broker) Close(timeout time.Duration) error {
	if err := b.background.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "Broker", "Close", "drain background queue")
	}
	return nil
}

type brokerState string

func (s brokerState) String() string { return string(s) }

func (b *Broker) state() brokerState {
	switch {
	case b.running.Load():
		return "running"
	case b.initialized.Load():
		return "initialized"
	default:
		return "uninitialized"
	}
}

// IsInitialized reports whether persisted connections were loaded
func (b *Broker) IsInitialized() bool { return b.initialized.Load() }

// IsRunning reports whether modules were started
func (b *Broker) IsRunning() bool { return b.running.Load() }

// Initialize loads the persisted connections as disconnected tuples and
// schedules their admission. Ports registered later are admitted as they
// appear.
func (b *Broker) Initialize(ctx context.Context) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.initialized.Load() {
		return errors.NewWrongState(errors.MachineBroker, b.state(), "initialize")
	}

	recs, err := b.store.Connections(ctx)
	if err != nil {
		return errors.WrapDatabase(err, "Broker", "Initialize", "load connections")
	}

	var added []*tuple
	b.dataMu.Lock()
	for _, rec := range recs {
		key := component.ConnectionKey{
			Consumer: component.ConsumerID(rec.Consumer),
			Supplier: component.SupplierID(rec.Supplier),
		}
		if t, ok := b.connected[key]; ok {
			t.priority = rec.Priority
			continue
		}
		if t, ok := b.disconnected[key]; ok {
			t.priority = rec.Priority
			continue
		}
		t := &tuple{key: key, priority: rec.Priority}
		b.disconnected[key] = t
		added = append(added, t)
	}
	b.dataMu.Unlock()

	b.initialized.Store(true)
	b.updateGauge()

	for _, t := range added {
		b.publish(event.NewConnectionUpdate(event.ConnectionAdded, t.view(false)))
		b.scheduleReevaluation(t.key.Consumer, component.ConnectionKey{})
	}
	b.logger.Info("Broker initialized", "connections", len(recs))
	return nil
}

// Startup validates the configuration and drives every module through
// EnterStartup and ExitStartup in dependency order. A module failing a
// phase is reported with FAIL_START and does not stop the others.
func (b *Broker) Startup(ctx context.Context) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if !b.initialized.Load() || b.running.Load() {
		return errors.NewWrongState(errors.MachineBroker, b.state(), "startup")
	}
	if err := b.validateConfig(ctx); err != nil {
		return err
	}

	levels := b.startLevels()
	failed := b.runPhases(ctx, levels, PhaseEnterStartup, nil)
	failed = b.runPhases(ctx, levels, PhaseExitStartup, failed)
	for _, level := range levels {
		for _, id := range level {
			if !failed[id] {
				b.publish(event.NewModuleUpdate(event.ModuleStarted, id, component.KindModule, ""))
			}
		}
	}

	b.running.Store(true)
	b.logger.Info("Modules started", "modules", countLevels(levels), "failed", len(failed))
	return nil
}

// Shutdown drives every module through EnterShutdown and ExitShutdown in
// reverse dependency order. Open streams stay open until their owners
// close them.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if !b.running.Load() {
		return errors.NewWrongState(errors.MachineBroker, b.state(), "shutdown")
	}

	levels := b.startLevels()
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}
	failed := b.runPhases(ctx, levels, PhaseEnterShutdown, nil)
	failed = b.runPhases(ctx, levels, PhaseExitShutdown, failed)
	for _, level := range levels {
		for _, id := range level {
			if !failed[id] {
				b.publish(event.NewModuleUpdate(event.ModuleStopped, id, component.KindModule, ""))
			}
		}
	}

	b.running.Store(false)
	b.logger.Info("Modules stopped", "modules", countLevels(levels), "failed", len(failed))
	return nil
}

// ResetConfig drops every connection, connected or not, and returns the
// broker to the uninitialized state. Registered ports stay.
func (b *Broker) ResetConfig(ctx context.Context) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.running.Load() {
		return errors.NewWrongState(errors.MachineBroker, b.state(), "reset config")
	}

	b.dataMu.Lock()
	var changes []change
	for _, t := range b.connected {
		changes = append(changes, b.unwireLocked(t, true))
	}
	for key, t := range b.disconnected {
		changes = append(changes, change{tuple: t, view: t.view(false), removed: true})
		delete(b.disconnected, key)
	}
	b.dataMu.Unlock()

	b.initialized.Store(false)
	b.apply(ctx, changes, false)
	return nil
}

func (b *Broker) validateConfig(ctx context.Context) error {
	snap, err := b.store.Export(ctx)
	if err != nil {
		return errors.WrapDatabase(err, "Broker", "Startup", "export configuration")
	}
	if err := config.ValidateSnapshot(snap); err != nil {
		return err
	}
	if b.registry == nil {
		return nil
	}
	for _, rec := range snap.Components {
		kind, err := component.ParseKind(rec.Kind)
		if err != nil {
			return err
		}
		if _, ok := b.registry.Registration(kind, rec.Type); !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: component %s has unknown type %q", errors.ErrInvalidConfig, rec.ID, rec.Type),
				"Broker", "Startup", "configuration check")
		}
	}
	return nil
}

// OnDisconnect registers fn to run after a connection left the connected
// set or was removed. fn runs without broker locks held.
func (b *Broker) OnDisconnect(fn func(key component.ConnectionKey, removed bool)) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.observers = append(b.observers, fn)
}

func (b *Broker) observe(key component.ConnectionKey, removed bool) {
	b.obsMu.RLock()
	observers := b.observers
	b.obsMu.RUnlock()
	for _, fn := range observers {
		fn(key, removed)
	}
}

func (b *Broker) publish(ev component.Event) {
	if b.publisher != nil {
		b.publisher.Publish(ev)
	}
}

func (b *Broker) updateGauge() {
	b.dataMu.RLock()
	connected, disconnected := len(b.connected), len(b.disconnected)
	b.dataMu.RUnlock()
	b.metrics.SetConnections(connected, disconnected)
}
