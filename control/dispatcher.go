package control

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xonfour/horizont-sub000/broker"
	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/config"
	"github.com/xonfour/horizont-sub000/dispatch"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/pkg/guard"
	"github.com/xonfour/horizont-sub000/rights"
)

// System is the lifecycle owner the control interfaces drive
type System interface {
	State() component.SystemState
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Exit(ctx context.Context) error
	ImportConfig(ctx context.Context, snap config.Snapshot) error
}

// Deps are the collaborators of a Dispatcher
type Deps struct {
	System   System
	Registry *component.Registry
	Broker   *broker.Broker
	Modules  *dispatch.Dispatcher
	Store    config.Store
	Rights   *rights.Registry
	Fanout   *event.Fanout
	Logger   *slog.Logger
}

// Dispatcher starts and stops control interfaces and serves their calls
type Dispatcher struct {
	system   System
	registry *component.Registry
	broker   *broker.Broker
	modules  *dispatch.Dispatcher
	store    config.Store
	rights   *rights.Registry
	fanout   *event.Fanout
	logger   *slog.Logger
	metrics  *metric.Metrics

	callTimeout      time.Duration
	drainTimeout     time.Duration
	lifecycleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMetrics counts control calls and timeouts
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimeouts sets the budget of calls into control interfaces and
// modules, and of draining a control interface's event queue when it stops
func WithTimeouts(call, drain time.Duration) Option {
	return func(d *Dispatcher) {
		if call > 0 {
			d.callTimeout = call
		}
		if drain > 0 {
			d.drainTimeout = drain
		}
	}
}

// WithLifecycleTimeout sets the budget of each startup and shutdown phase
// of a module activated or deactivated while the system runs
func WithLifecycleTimeout(lifecycle time.Duration) Option {
	return func(d *Dispatcher) {
		if lifecycle > 0 {
			d.lifecycleTimeout = lifecycle
		}
	}
}

// New creates a control dispatcher
func New(deps Deps, opts ...Option) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		system:           deps.System,
		registry:         deps.Registry,
		broker:           deps.Broker,
		modules:          deps.Modules,
		store:            deps.Store,
		rights:           deps.Rights,
		fanout:           deps.Fanout,
		logger:           logger.With("component", "control"),
		callTimeout:      5 * time.Second,
		drainTimeout:     5 * time.Second,
		lifecycleTimeout: 10 * time.Second,
		sessions:         make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// StartControlInterface opens the event queue of a live control interface
// and calls its Startup with a fresh session. A failing Startup is
// published as FAIL_START and the queue is closed again.
func (d *Dispatcher) StartControlInterface(ctx context.Context, id string) error {
	ci, ok := d.registry.ControlInterface(id)
	if !ok {
		return errors.NewBroker("Dispatcher", "StartControlInterface", fmt.Sprintf("unknown control interface %s", id))
	}

	s := newSession(d, id)
	d.mu.Lock()
	if _, started := d.sessions[id]; started {
		d.mu.Unlock()
		return errors.NewWrongState(errors.MachineControlInterface, ciState("started"), "startup")
	}
	d.sessions[id] = s
	d.mu.Unlock()

	if _, err := d.fanout.AddQueue(context.WithoutCancel(ctx), id, s.deliver); err != nil {
		d.forget(id)
		return err
	}

	err := guard.Run(ctx, d.callTimeout, func(ctx context.Context) error {
		return ci.Startup(ctx, s)
	})
	d.record("ci_startup", err)
	if err != nil {
		d.logger.Warn("Control interface failed to start", "control_interface", id, "error", err)
		d.closeSession(id)
		d.fanout.Publish(event.NewModuleUpdate(event.ModuleFailStart, id, component.KindControlInterface, err.Error()))
		return errors.WrapModule(err, id, "startup")
	}

	d.logger.Info("Control interface started", "control_interface", id)
	d.fanout.Publish(event.NewModuleUpdate(event.ModuleStarted, id, component.KindControlInterface, ""))
	return nil
}

// StopControlInterface calls Shutdown and closes the event queue. A failing
// Shutdown is published as FAIL_STOP; the queue is closed regardless.
func (d *Dispatcher) StopControlInterface(ctx context.Context, id string) error {
	if _, started := d.Session(id); !started {
		return nil
	}

	var err error
	if ci, ok := d.registry.ControlInterface(id); ok {
		err = guard.Run(ctx, d.callTimeout, ci.Shutdown)
		d.record("ci_shutdown", err)
	}
	d.closeSession(id)

	if err != nil {
		d.logger.Warn("Control interface failed to stop", "control_interface", id, "error", err)
		d.fanout.Publish(event.NewModuleUpdate(event.ModuleFailStop, id, component.KindControlInterface, err.Error()))
		return errors.WrapModule(err, id, "shutdown")
	}
	d.logger.Info("Control interface stopped", "control_interface", id)
	d.fanout.Publish(event.NewModuleUpdate(event.ModuleStopped, id, component.KindControlInterface, ""))
	return nil
}

// StopAll stops every started control interface
func (d *Dispatcher) StopAll(ctx context.Context) {
	for _, id := range d.Started() {
		_ = d.StopControlInterface(ctx, id)
	}
}

// Started returns the ids of the started control interfaces
func (d *Dispatcher) Started() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Session returns the session of a started control interface
func (d *Dispatcher) Session(id string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
}

func (d *Dispatcher) closeSession(id string) {
	d.forget(id)
	if err := d.fanout.RemoveQueue(id, d.drainTimeout); err != nil {
		d.logger.Debug("Event queue did not drain", "control_interface", id, "error", err)
	}
}

// ActivateModule initializes a live module. While the system runs the
// module is also taken through its startup phases.
func (d *Dispatcher) ActivateModule(ctx context.Context, id string) error {
	if err := d.modules.InitializeModule(ctx, id); err != nil {
		return err
	}
	if !d.broker.IsRunning() {
		return nil
	}
	for _, phase := range []broker.Phase{broker.PhaseEnterStartup, broker.PhaseExitStartup} {
		if err := d.modules.Phase(ctx, id, phase, d.lifecycleTimeout); err != nil {
			d.logger.Warn("Module failed to start", "module", id, "phase", phase, "error", err)
			d.fanout.Publish(event.NewModuleUpdate(event.ModuleFailStart, id, component.KindModule, err.Error()))
			return nil
		}
	}
	d.fanout.Publish(event.NewModuleUpdate(event.ModuleStarted, id, component.KindModule, ""))
	return nil
}

// DeactivateModule takes a running module through its shutdown phases,
// forgets its ports, connections and subscriptions and destroys it.
func (d *Dispatcher) DeactivateModule(ctx context.Context, id string) {
	if d.broker.IsRunning() {
		for _, phase := range []broker.Phase{broker.PhaseEnterShutdown, broker.PhaseExitShutdown} {
			if err := d.modules.Phase(ctx, id, phase, d.lifecycleTimeout); err != nil {
				d.fanout.Publish(event.NewModuleUpdate(event.ModuleFailStop, id, component.KindModule, err.Error()))
				break
			}
		}
	}
	d.broker.RemoveModule(ctx, id)
	d.modules.DropModule(id)
	if _, err := d.registry.Destroy(id); err != nil {
		d.logger.Debug("Module already destroyed", "module", id, "error", err)
	}
}

func (d *Dispatcher) record(op string, err error) {
	d.metrics.RecordModuleCall(op, err)
	if guard.IsTimeout(err) {
		d.metrics.RecordTimeout(op)
	}
}

type ciState string

func (s ciState) String() string { return string(s) }
