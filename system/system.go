package system

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xonfour/horizont-sub000/broker"
	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/config"
	"github.com/xonfour/horizont-sub000/control"
	"github.com/xonfour/horizont-sub000/dispatch"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/logging"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/rights"
)

// Options configure a System
type Options struct {
	// Settings supplies the call budgets. Defaults apply when nil.
	Settings *config.Settings
	// Store holds the component and connection configuration. A memory
	// store is used when nil.
	Store config.Store
	// Registrations are the component types the system can construct.
	Registrations []component.Registration
	// Logging, when set, is attached to the event fan-out during
	// Initialize and detached on Exit.
	Logging *logging.Handler
	Logger  *slog.Logger
	// Metrics enables the framework metrics.
	Metrics *metric.MetricsRegistry
}

// System owns every framework part and drives the process-wide state machine
type System struct {
	settings *config.Settings
	store    config.Store
	logging  *logging.Handler
	logger   *slog.Logger
	metrics  *metric.Metrics

	rights   *rights.Registry
	registry *component.Registry
	fanout   *event.Fanout
	broker   *broker.Broker
	modules  *dispatch.Dispatcher
	control  *control.Dispatcher

	// mu serializes transitions
	mu sync.Mutex

	stateMu sync.RWMutex
	state   component.SystemState

	initialized bool
	done        chan struct{}
}

// New wires a system in state INITIALIZING
func New(opts Options) (*System, error) {
	settings := opts.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	store := opts.Store
	if store == nil {
		store = config.NewMemoryStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Consumers of log events must not log through the attached handler.
	quiet := logger
	if opts.Logging != nil {
		quiet = slog.New(opts.Logging.Fallback())
	}

	var core *metric.Metrics
	var fanoutOpts []event.FanoutOption
	if opts.Metrics != nil {
		core = opts.Metrics.CoreMetrics()
		fanoutOpts = append(fanoutOpts, event.WithMetrics(opts.Metrics))
	}

	s := &System{
		settings: settings,
		store:    store,
		logging:  opts.Logging,
		logger:   logger.With("component", "system"),
		metrics:  core,
		rights:   rights.NewRegistry(),
		state:    component.StateInitializing,
		done:     make(chan struct{}),
	}

	s.registry = component.NewRegistry(s.rights, logger,
		component.WithMetrics(core),
		component.WithTimeouts(settings.LifecycleTimeout, settings.ShutdownTimeout))
	for _, reg := range opts.Registrations {
		if err := s.registry.RegisterFactory(reg); err != nil {
			return nil, err
		}
	}

	s.fanout = event.NewFanout(s.rights, quiet, fanoutOpts...)
	s.broker = broker.New(s.registry, store, s.fanout, logger,
		broker.WithMetrics(core),
		broker.WithTimeouts(settings.CallTimeout, settings.LifecycleTimeout))
	s.modules = dispatch.New(s.broker, s.registry, s.rights, s.fanout, logger,
		dispatch.WithMetrics(core),
		dispatch.WithTimeouts(settings.CallTimeout, settings.DataCallTimeout, settings.LifecycleTimeout))
	s.broker.SetPhaseRunner(s.modules)
	s.control = control.New(control.Deps{
		System:   s,
		Registry: s.registry,
		Broker:   s.broker,
		Modules:  s.modules,
		Store:    store,
		Rights:   s.rights,
		Fanout:   s.fanout,
		Logger:   quiet,
	}, control.WithMetrics(core), control.WithTimeouts(settings.CallTimeout, settings.ShutdownTimeout),
		control.WithLifecycleTimeout(settings.LifecycleTimeout))

	core.SetSystemState(int(component.StateInitializing))
	return s, nil
}

// State returns the current system state
func (s *System) State() component.SystemState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *System) setState(to component.SystemState) {
	s.stateMu.Lock()
	from := s.state
	s.state = to
	s.stateMu.Unlock()
	if from == to {
		return
	}

	s.metrics.SetSystemState(int(to))
	s.fanout.Publish(event.NewStateChange(from, to))
	s.logger.Info("System state changed", "from", from, "to", to)
}

func (s *System) expect(op string, allowed ...component.SystemState) error {
	state := s.State()
	for _, a := range allowed {
		if state == a {
			return nil
		}
	}
	return errors.NewWrongState(errors.MachineSystem, state, op)
}

// Wait returns a channel closed once Exit completed
func (s *System) Wait() <-chan struct{} {
	return s.done
}

// Initialize starts the background queues, routes logging to the event
// fan-out, constructs the configured components and loads the configured
// connections. Control interfaces are started before modules are
// initialized so they observe the module events. The system ends in
// STOPPED_READY.
func (s *System) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return errors.NewWrongState(errors.MachineSystem, s.State(), "initialize")
	}
	if err := s.expect("initialize", component.StateInitializing); err != nil {
		return err
	}
	s.initialized = true

	if err := s.fanout.Start(ctx); err != nil {
		s.setState(component.StateError)
		return err
	}
	if err := s.broker.Open(ctx); err != nil {
		s.setState(component.StateError)
		return err
	}
	if s.logging != nil {
		s.logging.Attach(s.fanout)
	}

	if err := s.reflectControlInterfaces(ctx); err != nil {
		s.setState(component.StateError)
		return err
	}
	created, err := s.reflectModules(ctx)
	if err != nil {
		s.setState(component.StateError)
		return err
	}
	if err := s.broker.Initialize(ctx); err != nil {
		s.setState(component.StateError)
		return err
	}
	s.initializeModules(ctx, created)

	s.setState(component.StateStoppedReady)
	return nil
}

// reflectControlInterfaces constructs and starts configured control
// interfaces and stops those no longer configured
func (s *System) reflectControlInterfaces(ctx context.Context) error {
	configured, err := s.configured(ctx, component.KindControlInterface)
	if err != nil {
		return err
	}
	for _, id := range s.control.Started() {
		if !configured[id] {
			_ = s.control.StopControlInterface(ctx, id)
		}
	}

	created, removed, err := s.registry.Reflect(ctx, s.store, component.KindControlInterface)
	if err != nil {
		return err
	}
	for _, inst := range removed {
		s.fanout.Publish(event.NewModuleUpdate(event.ModuleRemoved, inst.ID, component.KindControlInterface, ""))
	}
	for _, inst := range created {
		s.fanout.Publish(event.NewModuleUpdate(event.ModuleAdded, inst.ID, component.KindControlInterface, inst.Type))
		if err := s.control.StartControlInterface(ctx, inst.ID); err != nil {
			s.logger.Error("Control interface not started", "control_interface", inst.ID, "error", err)
		}
	}
	return nil
}

// reflectModules constructs configured modules and tears down modules no
// longer configured. It returns the ids of the new modules.
func (s *System) reflectModules(ctx context.Context) ([]string, error) {
	configured, err := s.configured(ctx, component.KindModule)
	if err != nil {
		return nil, err
	}
	for _, inst := range s.registry.Instances(component.KindModule) {
		if !configured[inst.ID] {
			s.control.DeactivateModule(ctx, inst.ID)
			s.fanout.Publish(event.NewModuleUpdate(event.ModuleRemoved, inst.ID, component.KindModule, ""))
		}
	}

	created, _, err := s.registry.Reflect(ctx, s.store, component.KindModule)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(created))
	for _, inst := range created {
		s.fanout.Publish(event.NewModuleUpdate(event.ModuleAdded, inst.ID, component.KindModule, inst.Type))
		ids = append(ids, inst.ID)
	}
	return ids, nil
}

func (s *System) initializeModules(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := s.modules.InitializeModule(ctx, id); err != nil {
			s.logger.Error("Module not initialized", "module", id, "error", err)
		}
	}
}

func (s *System) configured(ctx context.Context, kind component.Kind) (map[string]bool, error) {
	recs, err := s.store.Components(ctx)
	if err != nil {
		return nil, errors.WrapDatabase(err, "System", "configured", "list components")
	}
	out := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if rec.Kind == kind.String() {
			out[rec.ID] = true
		}
	}
	return out, nil
}

// Start takes every module through its startup phases.
// STOPPED_READY -> STARTING_UP -> RUNNING, or ERROR when the broker fails.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("start", component.StateStoppedReady); err != nil {
		return err
	}

	s.setState(component.StateStartingUp)
	if err := s.broker.Startup(ctx); err != nil {
		s.logger.Error("System failed to start", "error", err)
		s.setState(component.StateError)
		return err
	}
	s.setState(component.StateRunning)
	return nil
}

// Stop takes every module through its shutdown phases.
// RUNNING -> SHUTTING_DOWN -> STOPPED_READY, or ERROR when the broker fails.
func (s *System) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("stop", component.StateRunning); err != nil {
		return err
	}

	s.setState(component.StateShuttingDown)
	if err := s.broker.Shutdown(ctx); err != nil {
		s.logger.Error("System failed to stop", "error", err)
		s.setState(component.StateError)
		return err
	}
	s.setState(component.StateStoppedReady)
	return nil
}

// Exit stops the modules if they run, shuts the control interfaces down,
// destroys every component and stops the background queues. Exit is
// allowed from every state but EXITING.
func (s *System) Exit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == component.StateExiting {
		return errors.NewWrongState(errors.MachineSystem, component.StateExiting, "exit")
	}

	s.setState(component.StateExiting)
	if s.broker.IsRunning() {
		if err := s.broker.Shutdown(ctx); err != nil {
			s.logger.Warn("Modules did not shut down cleanly", "error", err)
		}
	}
	if s.logging != nil {
		s.logging.Detach()
	}
	s.control.StopAll(ctx)
	s.registry.Close()

	timeout := s.settings.ShutdownTimeout
	if err := s.broker.Close(timeout); err != nil {
		s.logger.Warn("Broker queue did not drain", "error", err)
	}
	if err := s.fanout.Stop(timeout); err != nil {
		s.logger.Warn("Event queues did not drain", "error", err)
	}

	close(s.done)
	s.logger.Info("System exited")
	return nil
}

// ImportConfig replaces the configuration and makes the live components
// match it. Only allowed in STOPPED_READY; the system stays there.
func (s *System) ImportConfig(ctx context.Context, snap config.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect("import_config", component.StateStoppedReady); err != nil {
		return err
	}
	if err := config.ValidateSnapshot(snap); err != nil {
		return err
	}

	if err := s.store.Import(ctx, snap); err != nil {
		return errors.WrapDatabase(err, "System", "ImportConfig", "import snapshot")
	}
	if err := s.broker.ResetConfig(ctx); err != nil {
		return err
	}

	if err := s.reflectControlInterfaces(ctx); err != nil {
		return err
	}
	created, err := s.reflectModules(ctx)
	if err != nil {
		return err
	}
	if err := s.broker.Initialize(ctx); err != nil {
		return err
	}
	s.initializeModules(ctx, created)

	s.logger.Info("Configuration imported",
		"components", len(snap.Components), "connections", len(snap.Connections))
	return nil
}

// Control returns the control interface dispatcher
func (s *System) Control() *control.Dispatcher { return s.control }

// Broker returns the connection broker
func (s *System) Broker() *broker.Broker { return s.broker }

// Registry returns the component registry
func (s *System) Registry() *component.Registry { return s.registry }

// Store returns the configuration store
func (s *System) Store() config.Store { return s.store }

// ShutdownTimeout is the budget of Exit's queue draining
func (s *System) ShutdownTimeout() time.Duration { return s.settings.ShutdownTimeout }
