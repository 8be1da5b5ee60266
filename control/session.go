package control

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/config"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/pkg/guard"
	"github.com/xonfour/horizont-sub000/rights"
)

type stateSet map[component.SystemState]bool

func forbid(states ...component.SystemState) stateSet {
	set := make(stateSet, len(states))
	for _, s := range states {
		set[s] = true
	}
	return set
}

// Forbidden system states per group of operations
var (
	duringExit       = forbid(component.StateExiting)
	duringInitOrExit = forbid(component.StateInitializing, component.StateExiting)
	duringTransition = forbid(component.StateInitializing, component.StateStartingUp,
		component.StateShuttingDown, component.StateExiting)
	unlessStoppedReady = forbid(component.StateInitializing, component.StateStartingUp, component.StateRunning,
		component.StateShuttingDown, component.StateExiting, component.StateError)
)

// Session is the ControlCalls implementation bound to one control interface
type Session struct {
	d  *Dispatcher
	id string

	listeners *listenerSet
}

var _ component.ControlCalls = (*Session)(nil)

func newSession(d *Dispatcher, id string) *Session {
	return &Session{d: d, id: id, listeners: newListenerSet()}
}

// check covers the common steps of every call: the caller is approved and
// started, the system state is not forbidden for op and the caller holds right.
func (s *Session) check(op string, forbidden stateSet, right int) error {
	if !s.d.registry.IsApproved(s.id) {
		return errors.NewWrongState(errors.MachineControlInterface, ciState("unapproved"), op)
	}
	if current, ok := s.d.Session(s.id); !ok || current != s {
		return errors.NewWrongState(errors.MachineControlInterface, ciState("stopped"), op)
	}
	if state := s.d.system.State(); forbidden[state] {
		return errors.NewWrongState(errors.MachineSystem, state, op)
	}
	if right != rights.None {
		return s.d.rights.VerifyAll(s.id, right, op)
	}
	return nil
}

func (s *Session) publish(action event.ModuleAction, id string, kind component.Kind, detail string) {
	s.d.fanout.Publish(event.NewModuleUpdate(action, id, kind, detail))
}

// State returns the system state
func (s *Session) State() component.SystemState {
	return s.d.system.State()
}

// ModuleTypes lists the registered module types
func (s *Session) ModuleTypes(_ context.Context) ([]string, error) {
	if err := s.check("module_types", duringExit, rights.ViewConfiguration); err != nil {
		return nil, err
	}
	return s.d.registry.Types(component.KindModule), nil
}

// ControlInterfaceTypes lists the registered control interface types
func (s *Session) ControlInterfaceTypes(_ context.Context) ([]string, error) {
	if err := s.check("control_interface_types", duringExit, rights.ViewConfiguration); err != nil {
		return nil, err
	}
	return s.d.registry.Types(component.KindControlInterface), nil
}

// Modules lists the configured modules
func (s *Session) Modules(ctx context.Context) ([]component.ComponentInfo, error) {
	if err := s.check("modules", duringExit, rights.ViewConfiguration); err != nil {
		return nil, err
	}
	return s.components(ctx, component.KindModule)
}

// ControlInterfaces lists the configured control interfaces
func (s *Session) ControlInterfaces(ctx context.Context) ([]component.ComponentInfo, error) {
	if err := s.check("control_interfaces", duringExit, rights.ViewConfiguration); err != nil {
		return nil, err
	}
	return s.components(ctx, component.KindControlInterface)
}

func (s *Session) components(ctx context.Context, kind component.Kind) ([]component.ComponentInfo, error) {
	recs, err := s.d.store.Components(ctx)
	if err != nil {
		return nil, errors.WrapDatabase(err, "Session", "components", "list components")
	}

	out := make([]component.ComponentInfo, 0, len(recs))
	for _, rec := range recs {
		if rec.Kind != kind.String() {
			continue
		}
		info := component.ComponentInfo{ComponentRecord: rec}
		if inst, live := s.d.registry.Instance(rec.ID); live {
			info.Live = true
			info.Ready = s.ready(ctx, inst)
		}
		out = append(out, info)
	}
	return out, nil
}

// ready asks a module whether it is ready. A control interface is ready
// once started.
func (s *Session) ready(ctx context.Context, inst *component.Instance) bool {
	if inst.Module == nil {
		_, started := s.d.Session(inst.ID)
		return started
	}
	ok, err := guard.Call(ctx, s.d.callTimeout, func(context.Context) (bool, error) {
		return inst.Module.IsReady(), nil
	})
	if err != nil {
		if guard.IsTimeout(err) {
			s.publish(event.ModuleFailRespond, inst.ID, component.KindModule, err.Error())
		}
		return false
	}
	return ok
}

func validRights(op string, mask int) error {
	if mask < 0 || mask&^rights.All != 0 {
		return errors.NewBroker("Session", op, fmt.Sprintf("invalid rights mask %#x", mask))
	}
	return nil
}

// newRecord validates the arguments of an add call and builds the record
func (s *Session) newRecord(op string, kind component.Kind, typeName, name string, mask int) (config.ComponentRecord, error) {
	if _, ok := s.d.registry.Registration(kind, typeName); !ok {
		return config.ComponentRecord{}, errors.NewBroker("Session", op, fmt.Sprintf("unknown %s type %q", kind, typeName))
	}
	if err := validRights(op, mask); err != nil {
		return config.ComponentRecord{}, err
	}
	if name == "" {
		name = typeName
	}
	return config.ComponentRecord{
		ID:     uuid.NewString(),
		Kind:   kind.String(),
		Type:   typeName,
		Name:   name,
		Rights: mask,
	}, nil
}

// AddModule configures, constructs and initializes a new module and returns
// its id. A module that fails to initialize is rolled back.
func (s *Session) AddModule(ctx context.Context, typeName, name string, mask int) (string, error) {
	const op = "add_module"
	if err := s.check(op, duringTransition, rights.ManageModules); err != nil {
		return "", err
	}
	rec, err := s.newRecord(op, component.KindModule, typeName, name, mask)
	if err != nil {
		return "", err
	}

	if err := s.d.store.PutComponent(ctx, rec); err != nil {
		return "", errors.WrapDatabase(err, "Session", "AddModule", "store module")
	}
	if _, err := s.d.registry.Create(ctx, rec); err != nil {
		s.forgetRecord(ctx, rec.ID)
		return "", err
	}
	s.publish(event.ModuleAdded, rec.ID, component.KindModule, rec.Type)

	if err := s.d.ActivateModule(ctx, rec.ID); err != nil {
		s.d.DeactivateModule(ctx, rec.ID)
		s.forgetRecord(ctx, rec.ID)
		s.publish(event.ModuleRemoved, rec.ID, component.KindModule, "")
		return "", err
	}
	s.d.logger.Info("Module added", "module", rec.ID, "type", rec.Type, "by", s.id)
	return rec.ID, nil
}

// RemoveModule stops and destroys a module and deletes its configuration
// together with its connections
func (s *Session) RemoveModule(ctx context.Context, id string) error {
	const op = "remove_module"
	if err := s.check(op, duringTransition, rights.ManageModules); err != nil {
		return err
	}
	if _, err := s.record(ctx, op, id, component.KindModule); err != nil {
		return err
	}

	s.d.DeactivateModule(ctx, id)
	if err := s.d.store.DeleteComponent(ctx, id); err != nil {
		return errors.WrapDatabase(err, "Session", "RemoveModule", "delete module")
	}
	s.publish(event.ModuleRemoved, id, component.KindModule, "")
	s.d.logger.Info("Module removed", "module", id, "by", s.id)
	return nil
}

// AddControlInterface configures, constructs and starts a new control
// interface and returns its id
func (s *Session) AddControlInterface(ctx context.Context, typeName, name string, mask int) (string, error) {
	const op = "add_control_interface"
	if err := s.check(op, duringTransition, rights.ManageControlInterfaces); err != nil {
		return "", err
	}
	rec, err := s.newRecord(op, component.KindControlInterface, typeName, name, mask)
	if err != nil {
		return "", err
	}

	if err := s.d.store.PutComponent(ctx, rec); err != nil {
		return "", errors.WrapDatabase(err, "Session", "AddControlInterface", "store control interface")
	}
	if _, err := s.d.registry.Create(ctx, rec); err != nil {
		s.forgetRecord(ctx, rec.ID)
		return "", err
	}
	s.publish(event.ModuleAdded, rec.ID, component.KindControlInterface, rec.Type)

	if err := s.d.StartControlInterface(ctx, rec.ID); err != nil {
		_, _ = s.d.registry.Destroy(rec.ID)
		s.forgetRecord(ctx, rec.ID)
		s.publish(event.ModuleRemoved, rec.ID, component.KindControlInterface, "")
		return "", err
	}
	s.d.logger.Info("Control interface added", "control_interface", rec.ID, "type", rec.Type, "by", s.id)
	return rec.ID, nil
}

// RemoveControlInterface stops and destroys a control interface and
// deletes its configuration. A control interface may remove itself.
func (s *Session) RemoveControlInterface(ctx context.Context, id string) error {
	const op = "remove_control_interface"
	if err := s.check(op, duringTransition, rights.ManageControlInterfaces); err != nil {
		return err
	}
	if _, err := s.record(ctx, op, id, component.KindControlInterface); err != nil {
		return err
	}

	if err := s.d.StopControlInterface(ctx, id); err != nil {
		s.d.logger.Warn("Removing control interface that failed to stop", "control_interface", id, "error", err)
	}
	if _, err := s.d.registry.Destroy(id); err != nil {
		s.d.logger.Debug("Control interface already destroyed", "control_interface", id, "error", err)
	}
	if err := s.d.store.DeleteComponent(ctx, id); err != nil {
		return errors.WrapDatabase(err, "Session", "RemoveControlInterface", "delete control interface")
	}
	s.publish(event.ModuleRemoved, id, component.KindControlInterface, "")
	return nil
}

// SetRights replaces the rights of a module or control interface. The
// caller needs the management right of the target's kind.
func (s *Session) SetRights(ctx context.Context, id string, mask int) error {
	const op = "set_rights"
	if err := s.check(op, duringInitOrExit, rights.None); err != nil {
		return err
	}
	if err := validRights(op, mask); err != nil {
		return err
	}
	// callers without any management right learn nothing about id
	if err := s.d.rights.VerifyAny(s.id, rights.ManageModules|rights.ManageControlInterfaces, op); err != nil {
		return err
	}
	rec, err := s.d.store.Component(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrConfigNotFound) {
			return errors.NewBroker("Session", op, fmt.Sprintf("unknown component %s", id))
		}
		return errors.WrapDatabase(err, "Session", "SetRights", "load component")
	}
	kind, err := component.ParseKind(rec.Kind)
	if err != nil {
		return err
	}
	manage := rights.ManageModules
	if kind == component.KindControlInterface {
		manage = rights.ManageControlInterfaces
	}
	if err := s.d.rights.VerifyAll(s.id, manage, op); err != nil {
		return err
	}

	rec.Rights = mask
	if err := s.d.store.PutComponent(ctx, rec); err != nil {
		return errors.WrapDatabase(err, "Session", "SetRights", "store component")
	}
	if _, live := s.d.registry.Instance(id); live {
		if err := s.d.rights.Set(id, mask); err != nil {
			return err
		}
	}
	s.publish(event.ModuleRights, id, kind, fmt.Sprintf("%#x", mask))
	return nil
}

// Rights returns the rights of a module or control interface
func (s *Session) Rights(ctx context.Context, id string) (int, error) {
	const op = "rights"
	if err := s.check(op, duringExit, rights.ViewConfiguration); err != nil {
		return 0, err
	}
	if mask, err := s.d.rights.Get(id); err == nil {
		return mask, nil
	}
	rec, err := s.d.store.Component(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrConfigNotFound) {
			return 0, errors.NewBroker("Session", op, fmt.Sprintf("unknown component %s", id))
		}
		return 0, errors.WrapDatabase(err, "Session", "Rights", "load component")
	}
	return rec.Rights, nil
}

// record loads the configuration of id and verifies its kind
func (s *Session) record(ctx context.Context, op, id string, kind component.Kind) (config.ComponentRecord, error) {
	rec, err := s.d.store.Component(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrConfigNotFound) {
			return rec, errors.NewBroker("Session", op, fmt.Sprintf("unknown %s %s", kind, id))
		}
		return rec, errors.WrapDatabase(err, "Session", op, "load component")
	}
	if rec.Kind != kind.String() {
		return rec, errors.NewBroker("Session", op, fmt.Sprintf("%s is a %s", id, rec.Kind))
	}
	return rec, nil
}

func (s *Session) forgetRecord(ctx context.Context, id string) {
	if err := s.d.store.DeleteComponent(ctx, id); err != nil && !errors.Is(err, errors.ErrConfigNotFound) {
		s.d.logger.Warn("Rolled back component still configured", "component_id", id, "error", err)
	}
}

// Ports lists the registered ports of a module, or of every module when
// moduleID is empty
func (s *Session) Ports(_ context.Context, moduleID string) ([]component.Port, error) {
	if err := s.check("ports", duringExit, rights.ViewConfiguration); err != nil {
		return nil, err
	}
	return s.d.broker.Ports(moduleID), nil
}

// Connections lists connected tuples followed by disconnected ones
func (s *Session) Connections(_ context.Context) ([]component.Connection, error) {
	if err := s.check("connections", duringExit, rights.ViewConfiguration); err != nil {
		return nil, err
	}
	return append(s.d.broker.Connections(), s.d.broker.DisconnectedConnections()...), nil
}

// AddConnection persists a connection and tries to admit it. Being
// declined is not an error.
func (s *Session) AddConnection(ctx context.Context, consumer, supplier component.PortID, priority int) (bool, error) {
	if err := s.check("add_connection", duringTransition, rights.ManageConnections); err != nil {
		return false, err
	}
	return s.d.broker.AddConnection(ctx, consumer, supplier, priority)
}

// RemoveConnection disconnects and forgets a connection
func (s *Session) RemoveConnection(ctx context.Context, consumer, supplier component.PortID) error {
	if err := s.check("remove_connection", duringTransition, rights.ManageConnections); err != nil {
		return err
	}
	return s.d.broker.RemoveConnection(ctx, consumer, supplier)
}

// DisconnectConnection disconnects the connection of a consumer port and
// keeps it as a candidate
func (s *Session) DisconnectConnection(ctx context.Context, consumer component.PortID) error {
	if err := s.check("disconnect_connection", duringTransition, rights.ManageConnections); err != nil {
		return err
	}
	return s.d.broker.Disconnect(ctx, consumer, false)
}

// SetConnectionPriority changes the priority of a connection
func (s *Session) SetConnectionPriority(ctx context.Context, consumer, supplier component.PortID, priority int) error {
	if err := s.check("set_connection_priority", duringTransition, rights.ManageConnections); err != nil {
		return err
	}
	return s.d.broker.SetPriority(ctx, consumer, supplier, priority)
}

// SupportedModuleControlCommands asks a module for its control commands
func (s *Session) SupportedModuleControlCommands(ctx context.Context, moduleID string) ([]string, error) {
	if err := s.check("supported_module_control_commands", duringInitOrExit, rights.ModuleControl); err != nil {
		return nil, err
	}
	return s.d.modules.SupportedControlCommands(ctx, moduleID)
}

// SendModuleControlCommand sends a command to a module and returns its answer
func (s *Session) SendModuleControlCommand(
	ctx context.Context, moduleID, command string, props component.Properties,
) (component.Properties, error) {
	const op = "send_module_control_command"
	if err := s.check(op, duringInitOrExit, rights.ModuleControl); err != nil {
		return nil, err
	}
	if command == "" {
		return nil, errors.NewBroker("Session", op, "command is empty")
	}
	return s.d.modules.ControlCommand(ctx, moduleID, command, props)
}

// StartSystem starts the modules. The system rejects the call in any state
// but STOPPED_READY.
func (s *Session) StartSystem(ctx context.Context) error {
	if err := s.check("start_system", nil, rights.SystemControl); err != nil {
		return err
	}
	return s.d.system.Start(ctx)
}

// StopSystem stops the modules
func (s *Session) StopSystem(ctx context.Context) error {
	if err := s.check("stop_system", nil, rights.SystemControl); err != nil {
		return err
	}
	return s.d.system.Stop(ctx)
}

// Exit shuts the whole process down
func (s *Session) Exit(ctx context.Context) error {
	if err := s.check("exit", duringExit, rights.SystemControl); err != nil {
		return err
	}
	return s.d.system.Exit(ctx)
}

// ExportConfig returns the complete configuration
func (s *Session) ExportConfig(ctx context.Context) (config.Snapshot, error) {
	if err := s.check("export_config", duringInitOrExit, rights.ConfigImportExport); err != nil {
		return config.Snapshot{}, err
	}
	snap, err := s.d.store.Export(ctx)
	if err != nil {
		return config.Snapshot{}, errors.WrapDatabase(err, "Session", "ExportConfig", "export store")
	}
	return snap, nil
}

// ImportConfig replaces the complete configuration. Only allowed while
// the system is stopped.
func (s *Session) ImportConfig(ctx context.Context, snap config.Snapshot) error {
	if err := s.check("import_config", unlessStoppedReady, rights.ConfigImportExport); err != nil {
		return err
	}
	if err := config.ValidateSnapshot(snap); err != nil {
		return err
	}
	return s.d.system.ImportConfig(ctx, snap)
}

// AddListener registers listener for the given categories, or for every
// category when none is given. Registering a listener again replaces its
// categories. Events of categories the control interface lacks the
// receive right for are never delivered.
func (s *Session) AddListener(listener component.GeneralEventListener, categories ...component.Category) error {
	const op = "add_listener"
	if err := s.check(op, nil, rights.None); err != nil {
		return err
	}
	if listener == nil {
		return errors.NewBroker("Session", op, "listener is nil")
	}
	if len(categories) == 0 {
		categories = component.Categories()
	}
	s.listeners.add(listener, categories)
	return nil
}

// RemoveListener unregisters listener
func (s *Session) RemoveListener(listener component.GeneralEventListener) error {
	const op = "remove_listener"
	if err := s.check(op, nil, rights.None); err != nil {
		return err
	}
	if !s.listeners.remove(listener) {
		return errors.NewBroker("Session", op, "listener is not registered")
	}
	return nil
}
