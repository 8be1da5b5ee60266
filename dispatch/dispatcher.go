package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xonfour/horizont-sub000/broker"
	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/pkg/guard"
	"github.com/xonfour/horizont-sub000/rights"
)

// Dispatcher mediates every call between modules and every call the
// framework makes into a module.
type Dispatcher struct {
	broker    *broker.Broker
	registry  *component.Registry
	rights    *rights.Registry
	publisher event.Publisher
	logger    *slog.Logger
	metrics   *metric.Metrics

	callTimeout      time.Duration
	dataTimeout      time.Duration
	lifecycleTimeout time.Duration

	// subMu guards subscriptions and stream listeners
	subMu         sync.RWMutex
	subscriptions map[component.PortID]map[string]component.Subscription
	listeners     map[component.PortID][]component.StreamListener
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMetrics counts module calls and timeouts
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimeouts sets the budgets of management calls, data-plane calls and
// lifecycle calls. Non-positive values keep the defaults.
func WithTimeouts(call, data, lifecycle time.Duration) Option {
	return func(d *Dispatcher) {
		if call > 0 {
			d.callTimeout = call
		}
		if data > 0 {
			d.dataTimeout = data
		}
		if lifecycle > 0 {
			d.lifecycleTimeout = lifecycle
		}
	}
}

// New creates a dispatcher and registers it for connection removals on b
func New(b *broker.Broker, registry *component.Registry, rightsRegistry *rights.Registry,
	publisher event.Publisher, logger *slog.Logger, opts ...Option,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		broker:           b,
		registry:         registry,
		rights:           rightsRegistry,
		publisher:        publisher,
		logger:           logger.With("component", "dispatcher"),
		callTimeout:      5 * time.Second,
		dataTimeout:      30 * time.Second,
		lifecycleTimeout: 10 * time.Second,
		subscriptions:    make(map[component.PortID]map[string]component.Subscription),
		listeners:        make(map[component.PortID][]component.StreamListener),
	}
	for _, opt := range opts {
		opt(d)
	}
	b.OnDisconnect(func(key component.ConnectionKey, removed bool) {
		if removed {
			d.dropPort(key.Consumer)
		}
	})
	return d
}

// Session returns the framework surface of one module
func (d *Dispatcher) Session(moduleID string) component.ModuleCalls {
	return &Session{d: d, id: moduleID}
}

// InitializeModule hands the module its session. Failures and timeouts are
// published as FAIL_INIT.
func (d *Dispatcher) InitializeModule(ctx context.Context, id string) error {
	m, ok := d.registry.Module(id)
	if !ok {
		return errors.NewBroker("Dispatcher", "InitializeModule", fmt.Sprintf("unknown module %s", id))
	}
	err := guard.Run(ctx, d.lifecycleTimeout, func(ctx context.Context) error {
		return m.Initialize(ctx, d.Session(id))
	})
	d.record("initialize", err)
	if err != nil {
		d.logger.Warn("Module failed to initialize", "module", id, "error", err)
		d.publish(event.NewModuleUpdate(event.ModuleFailInit, id, component.KindModule, err.Error()))
		return errors.WrapModule(err, id, "initialize")
	}
	return nil
}

// Phase runs one lifecycle phase of a module within timeout
func (d *Dispatcher) Phase(ctx context.Context, id string, phase broker.Phase, timeout time.Duration) error {
	m, ok := d.registry.Module(id)
	if !ok {
		return errors.NewBroker("Dispatcher", "Phase", fmt.Sprintf("unknown module %s", id))
	}
	err := guard.Run(ctx, timeout, func(ctx context.Context) error {
		return phase.Call(ctx, m)
	})
	d.record(phase.String(), err)
	return errors.WrapModule(err, id, phase.String())
}

// SupportedControlCommands asks a module for its control commands. A
// module that fails to answer in time yields no commands and a
// FAIL_RESPOND event.
func (d *Dispatcher) SupportedControlCommands(ctx context.Context, id string) ([]string, error) {
	m, ok := d.registry.Module(id)
	if !ok {
		return nil, errors.NewBroker("Dispatcher", "SupportedControlCommands", fmt.Sprintf("unknown module %s", id))
	}
	cmds, err := guard.Call(ctx, d.callTimeout, m.SupportedControlInterfaceCommands)
	d.record("supported_control_commands", err)
	if err != nil {
		if guard.IsTimeout(err) {
			d.publish(event.NewModuleUpdate(event.ModuleFailRespond, id, component.KindModule, err.Error()))
			return nil, nil
		}
		return nil, errors.WrapModule(err, id, "supported control commands")
	}
	sort.Strings(cmds)
	return cmds, nil
}

// ControlCommand delivers a control-interface command to a module
func (d *Dispatcher) ControlCommand(ctx context.Context, id, command string, props component.Properties,
) (component.Properties, error) {
	m, ok := d.registry.Module(id)
	if !ok {
		return nil, errors.NewBroker("Dispatcher", "ControlCommand", fmt.Sprintf("unknown module %s", id))
	}
	answer, err := guard.Call(ctx, d.callTimeout, func(ctx context.Context) (component.Properties, error) {
		return m.OnControlInterfaceCommand(ctx, command, props)
	})
	d.record("control_command", err)
	if err != nil {
		if guard.IsTimeout(err) {
			d.publish(event.NewModuleUpdate(event.ModuleFailRespond, id, component.KindModule, err.Error()))
		}
		return nil, errors.WrapModule(err, id, "control command "+command)
	}
	return answer, nil
}

// DropModule forgets the subscriptions and stream listeners of a module's ports
func (d *Dispatcher) DropModule(id string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for port := range d.subscriptions {
		if port.Module == id {
			delete(d.subscriptions, port)
		}
	}
	for port := range d.listeners {
		if port.Module == id {
			delete(d.listeners, port)
		}
	}
}

func (d *Dispatcher) dropPort(port component.PortID) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	delete(d.subscriptions, port)
	delete(d.listeners, port)
}

// notifyStreamClosed hands a closed stream to the listeners of both ports
func (d *Dispatcher) notifyStreamClosed(closed component.StreamClosed) {
	for _, port := range []component.PortID{closed.Connection.Consumer, closed.Connection.Supplier} {
		d.subMu.RLock()
		listeners := append([]component.StreamListener(nil), d.listeners[port]...)
		d.subMu.RUnlock()

		for _, l := range listeners {
			err := d.enqueue(port.Module, "on_stream_closed", func(ctx context.Context) {
				l.OnStreamClosed(ctx, port, closed)
			})
			if err != nil {
				d.logger.Debug("Stream close not delivered", "port", port, "error", err)
			}
		}
	}
}

// enqueue runs fn on the module's serial queue within the call budget
func (d *Dispatcher) enqueue(moduleID, op string, fn func(ctx context.Context)) error {
	timeout := d.callTimeout
	return d.registry.Submit(moduleID, func() {
		err := guard.Run(context.Background(), timeout, func(ctx context.Context) error {
			fn(ctx)
			return nil
		})
		d.record(op, err)
		if err == nil {
			return
		}
		d.logger.Warn("Module callback failed", "module", moduleID, "operation", op, "error", err)
		if guard.IsTimeout(err) {
			d.publish(event.NewModuleUpdate(event.ModuleFailRespond, moduleID, component.KindModule, err.Error()))
		}
	})
}

func (d *Dispatcher) record(op string, err error) {
	d.metrics.RecordModuleCall(op, err)
	if guard.IsTimeout(err) {
		d.metrics.RecordTimeout(op)
	}
}

func (d *Dispatcher) publish(ev component.Event) {
	if d.publisher != nil {
		d.publisher.Publish(ev)
	}
}
