package control_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/xonfour/horizont-sub000/broker"
	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/config"
	"github.com/xonfour/horizont-sub000/control"
	"github.com/xonfour/horizont-sub000/dispatch"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/rights"
	"github.com/xonfour/horizont-sub000/testutil"
)

const wait = 2 * time.Second

// fakeSystem drives the broker directly and lets tests force a state
type fakeSystem struct {
	broker *broker.Broker

	mu       sync.Mutex
	state    component.SystemState
	imported []config.Snapshot
	exited   bool
}

func (f *fakeSystem) State() component.SystemState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSystem) set(s component.SystemState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeSystem) Start(ctx context.Context) error {
	if err := f.broker.Startup(ctx); err != nil {
		return err
	}
	f.set(component.StateRunning)
	return nil
}

func (f *fakeSystem) Stop(ctx context.Context) error {
	if err := f.broker.Shutdown(ctx); err != nil {
		return err
	}
	f.set(component.StateStoppedReady)
	return nil
}

func (f *fakeSystem) Exit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = true
	f.state = component.StateExiting
	return nil
}

func (f *fakeSystem) ImportConfig(_ context.Context, snap config.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imported = append(f.imported, snap)
	return nil
}

// panicky panics on every event
type panicky struct{}

func (*panicky) OnGeneralEvent(component.Event) { panic("listener failed") }

// funcListener is an uncomparable listener type
type funcListener func(component.Event)

func (f funcListener) OnGeneralEvent(ev component.Event) { f(ev) }

type ControlSuite struct {
	suite.Suite
	ctx      context.Context
	rights   *rights.Registry
	registry *component.Registry
	store    *config.MemoryStore
	fanout   *event.Fanout
	broker   *broker.Broker
	modules  *dispatch.Dispatcher
	system   *fakeSystem
	control  *control.Dispatcher

	admin *testutil.FakeControlInterface
}

func TestControlSuite(t *testing.T) {
	suite.Run(t, new(ControlSuite))
}

func (s *ControlSuite) SetupTest() {
	s.ctx = context.Background()
	s.rights = rights.NewRegistry()
	s.registry = component.NewRegistry(s.rights, nil)
	s.store = config.NewMemoryStore()
	s.fanout = event.NewFanout(s.rights, nil)
	s.Require().NoError(s.fanout.Start(s.ctx))
	s.broker = broker.New(s.registry, s.store, s.fanout, nil)
	s.modules = dispatch.New(s.broker, s.registry, s.rights, s.fanout, nil,
		dispatch.WithTimeouts(200*time.Millisecond, 200*time.Millisecond, 200*time.Millisecond))
	s.broker.SetPhaseRunner(s.modules)
	s.Require().NoError(s.broker.Open(s.ctx))
	s.Require().NoError(s.broker.Initialize(s.ctx))

	s.system = &fakeSystem{broker: s.broker, state: component.StateStoppedReady}
	s.control = control.New(control.Deps{
		System:   s.system,
		Registry: s.registry,
		Broker:   s.broker,
		Modules:  s.modules,
		Store:    s.store,
		Rights:   s.rights,
		Fanout:   s.fanout,
	}, control.WithTimeouts(200*time.Millisecond, wait), control.WithLifecycleTimeout(wait))

	s.admin = s.startCI("admin", rights.AllControl, component.CategoryModule, component.CategoryConnection)
}

func (s *ControlSuite) TearDownTest() {
	s.control.StopAll(s.ctx)
	s.Require().NoError(s.broker.Close(wait))
	s.registry.Close()
	s.Require().NoError(s.fanout.Stop(wait))
}

func (s *ControlSuite) startCI(id string, mask int, categories ...component.Category) *testutil.FakeControlInterface {
	ci := testutil.NewFakeControlInterface(categories...)
	typeName := "ci-" + id
	s.Require().NoError(s.registry.RegisterFactory(component.Registration{
		Type: typeName, Kind: component.KindControlInterface, Factory: ci.Factory(),
	}))
	rec := config.ComponentRecord{ID: id, Kind: config.KindControlInterface, Type: typeName, Rights: mask}
	s.Require().NoError(s.store.PutComponent(s.ctx, rec))
	_, err := s.registry.Create(s.ctx, rec)
	s.Require().NoError(err)
	s.Require().NoError(s.control.StartControlInterface(s.ctx, id))
	return ci
}

func (s *ControlSuite) registerModule(typeName string, opts ...testutil.FakeOption) *testutil.FakeModule {
	m := testutil.NewFakeModule(typeName, opts...)
	s.Require().NoError(s.registry.RegisterFactory(component.Registration{
		Type: typeName, Kind: component.KindModule, Factory: m.Factory(),
	}))
	return m
}

func (s *ControlSuite) calls() component.ControlCalls {
	return s.admin.Framework()
}

func (s *ControlSuite) moduleActions(ci *testutil.FakeControlInterface, id string) []event.ModuleAction {
	var out []event.ModuleAction
	for _, ev := range ci.Events() {
		if u, ok := ev.(*event.ModuleUpdate); ok && u.ComponentID == id {
			out = append(out, u.Action)
		}
	}
	return out
}

func (s *ControlSuite) TestAddAndRemoveModule() {
	s.registerModule("storage", testutil.WithPort(component.SupplierPort, "out", component.Unbounded))

	id, err := s.calls().AddModule(s.ctx, "storage", "", rights.AllModule)
	s.Require().NoError(err)
	s.NotEmpty(id)

	mods, err := s.calls().Modules(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(mods, 1)
	s.Equal("storage", mods[0].Name)
	s.True(mods[0].Live)
	s.True(mods[0].Ready)

	ports, err := s.calls().Ports(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(ports, 1)
	s.Equal("out", ports[0].ID.Port)

	s.Eventually(func() bool {
		return len(s.moduleActions(s.admin, id)) == 1
	}, wait, 10*time.Millisecond)

	s.Require().NoError(s.calls().RemoveModule(s.ctx, id))
	mods, err = s.calls().Modules(s.ctx)
	s.Require().NoError(err)
	s.Empty(mods)
	_, live := s.registry.Instance(id)
	s.False(live)
	s.Empty(s.broker.Ports(id))

	s.Eventually(func() bool {
		acts := s.moduleActions(s.admin, id)
		return len(acts) == 2 && acts[1] == event.ModuleRemoved
	}, wait, 10*time.Millisecond)
}

func (s *ControlSuite) TestAddModuleStartsWhileRunning() {
	m := s.registerModule("late")
	s.Require().NoError(s.calls().StartSystem(s.ctx))

	_, err := s.calls().AddModule(s.ctx, "late", "late", rights.AllModule)
	s.Require().NoError(err)
	s.Equal(1, m.Called("EnterStartup"))
	s.Equal(1, m.Called("ExitStartup"))

	s.Require().NoError(s.calls().StopSystem(s.ctx))
	s.Equal(1, m.Called("ExitShutdown"))
}

func (s *ControlSuite) TestSlowStartupUsesLifecycleBudget() {
	m := s.registerModule("slow")
	gate := m.BlockOn("EnterStartup")
	s.Require().NoError(s.calls().StartSystem(s.ctx))

	// slower than a control call, well within a lifecycle phase
	time.AfterFunc(400*time.Millisecond, func() { close(gate) })
	id, err := s.calls().AddModule(s.ctx, "slow", "slow", rights.AllModule)
	s.Require().NoError(err)
	s.Equal(1, m.Called("ExitStartup"))
	for _, a := range s.moduleActions(s.admin, id) {
		s.NotEqual(event.ModuleFailStart, a)
	}

	s.Require().NoError(s.calls().StopSystem(s.ctx))
}

func (s *ControlSuite) TestAddModuleRollsBackFailedInitialize() {
	m := s.registerModule("broken")
	m.FailOn("Initialize", fmt.Errorf("disk missing"))

	_, err := s.calls().AddModule(s.ctx, "broken", "", rights.AllModule)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrModule))

	recs, err := s.store.Components(s.ctx)
	s.Require().NoError(err)
	s.Len(recs, 1, "only the admin control interface stays configured")
	s.Empty(s.registry.Instances(component.KindModule))
}

func (s *ControlSuite) TestArgumentsAreValidated() {
	_, err := s.calls().AddModule(s.ctx, "nope", "", rights.AllModule)
	s.True(errors.Is(err, errors.ErrBroker))

	s.registerModule("storage")
	_, err = s.calls().AddModule(s.ctx, "storage", "", -1)
	s.True(errors.Is(err, errors.ErrBroker))

	s.True(errors.Is(s.calls().RemoveModule(s.ctx, "ghost"), errors.ErrBroker))
	s.True(errors.Is(s.calls().RemoveModule(s.ctx, "admin"), errors.ErrBroker), "admin is not a module")

	_, err = s.calls().SendModuleControlCommand(s.ctx, "ghost", "", nil)
	s.True(errors.Is(err, errors.ErrBroker))
}

func (s *ControlSuite) TestRightsGating() {
	viewer := s.startCI("viewer", rights.ViewConfiguration)
	s.registerModule("storage")

	_, err := viewer.Framework().AddModule(s.ctx, "storage", "", rights.AllModule)
	s.True(errors.Is(err, errors.ErrUnauthorized))
	s.Empty(s.registry.Instances(component.KindModule))

	s.True(errors.Is(viewer.Framework().StartSystem(s.ctx), errors.ErrUnauthorized))
	s.Equal(component.StateStoppedReady, s.system.State())

	_, err = viewer.Framework().ExportConfig(s.ctx)
	s.True(errors.Is(err, errors.ErrUnauthorized))

	_, err = viewer.Framework().Connections(s.ctx)
	s.NoError(err)
	types, err := viewer.Framework().ModuleTypes(s.ctx)
	s.NoError(err)
	s.Equal([]string{"storage"}, types)
}

func (s *ControlSuite) TestForbiddenStates() {
	s.registerModule("storage")

	s.system.set(component.StateShuttingDown)
	_, err := s.calls().AddModule(s.ctx, "storage", "", rights.AllModule)
	s.True(errors.Is(err, errors.ErrWrongState))
	_, err = s.calls().Modules(s.ctx)
	s.NoError(err, "viewing is allowed while shutting down")

	s.system.set(component.StateRunning)
	s.True(errors.Is(s.calls().ImportConfig(s.ctx, config.Snapshot{}), errors.ErrWrongState))

	s.system.set(component.StateExiting)
	_, err = s.calls().Modules(s.ctx)
	s.True(errors.Is(err, errors.ErrWrongState))
	s.Equal(component.StateExiting, s.calls().State())
}

func (s *ControlSuite) TestConnectionManagement() {
	s.registerModule("sup", testutil.WithPort(component.SupplierPort, "out", 1))
	s.registerModule("cons", testutil.WithPort(component.ConsumerPort, "in", 1))
	supID, err := s.calls().AddModule(s.ctx, "sup", "", rights.AllModule)
	s.Require().NoError(err)
	consID, err := s.calls().AddModule(s.ctx, "cons", "", rights.AllModule)
	s.Require().NoError(err)

	in := component.PortID{Module: consID, Port: "in", Kind: component.ConsumerPort}
	out := component.PortID{Module: supID, Port: "out", Kind: component.SupplierPort}

	ok, err := s.calls().AddConnection(s.ctx, in, out, 3)
	s.Require().NoError(err)
	s.True(ok)

	conns, err := s.calls().Connections(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(conns, 1)
	s.True(conns[0].Connected)

	s.Require().NoError(s.calls().SetConnectionPriority(s.ctx, in, out, 8))
	s.Require().NoError(s.calls().DisconnectConnection(s.ctx, in))
	conns, err = s.calls().Connections(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(conns, 1)
	s.Equal(8, conns[0].Priority)

	s.Require().NoError(s.calls().RemoveConnection(s.ctx, in, out))
	conns, err = s.calls().Connections(s.ctx)
	s.Require().NoError(err)
	s.Empty(conns)
	stored, err := s.store.Connections(s.ctx)
	s.Require().NoError(err)
	s.Empty(stored)
}

func (s *ControlSuite) TestRights() {
	s.registerModule("storage")
	id, err := s.calls().AddModule(s.ctx, "storage", "", rights.Read)
	s.Require().NoError(err)

	s.Require().NoError(s.calls().SetRights(s.ctx, id, rights.Read|rights.Write))
	mask, err := s.calls().Rights(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(rights.Read|rights.Write, mask)

	rec, err := s.store.Component(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(rights.Read|rights.Write, rec.Rights)

	s.True(errors.Is(s.calls().SetRights(s.ctx, id, 1<<40), errors.ErrBroker))
	s.True(errors.Is(s.calls().SetRights(s.ctx, "ghost", rights.Read), errors.ErrBroker))

	modulesOnly := s.startCI("modules-only", rights.ManageModules)
	s.True(errors.Is(modulesOnly.Framework().SetRights(s.ctx, "admin", rights.All), errors.ErrUnauthorized))

	readOnly := s.startCI("read-only", rights.Read)
	s.True(errors.Is(readOnly.Framework().SetRights(s.ctx, "ghost", rights.Read), errors.ErrUnauthorized))
	s.True(errors.Is(readOnly.Framework().SetRights(s.ctx, id, rights.Read), errors.ErrUnauthorized))

	s.Eventually(func() bool {
		for _, a := range s.moduleActions(s.admin, id) {
			if a == event.ModuleRights {
				return true
			}
		}
		return false
	}, wait, 10*time.Millisecond)
}

func (s *ControlSuite) TestModuleControlCommands() {
	m := s.registerModule("storage", testutil.WithCommands("sync", "compact"))
	m.Answer("sync", component.Properties{"synced": "3"})
	id, err := s.calls().AddModule(s.ctx, "storage", "", rights.AllModule)
	s.Require().NoError(err)

	cmds, err := s.calls().SupportedModuleControlCommands(s.ctx, id)
	s.Require().NoError(err)
	s.Equal([]string{"compact", "sync"}, cmds)

	answer, err := s.calls().SendModuleControlCommand(s.ctx, id, "sync", component.Properties{"full": "true"})
	s.Require().NoError(err)
	s.Equal("3", answer["synced"])
	s.Equal([]string{"sync"}, m.ControlCommands())
}

func (s *ControlSuite) TestListeners() {
	recorder := testutil.NewFakeControlInterface()
	s.Require().NoError(s.calls().AddListener(&panicky{}, component.CategoryModule))
	s.Require().NoError(s.calls().AddListener(recorder, component.CategoryModule))

	s.registerModule("storage")
	id, err := s.calls().AddModule(s.ctx, "storage", "", rights.AllModule)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		return len(s.moduleActions(recorder, id)) == 1
	}, wait, 10*time.Millisecond, "a panicking listener does not stop delivery")

	s.Require().NoError(s.calls().RemoveListener(recorder))
	s.True(errors.Is(s.calls().RemoveListener(recorder), errors.ErrBroker))
	s.True(errors.Is(s.calls().AddListener(nil), errors.ErrBroker))
}

func (s *ControlSuite) TestFuncListeners() {
	var first, second atomic.Int32
	one := funcListener(func(component.Event) { first.Add(1) })
	two := funcListener(func(component.Event) { second.Add(1) })

	s.Require().NoError(s.calls().AddListener(one, component.CategoryModule))
	s.Require().NoError(s.calls().AddListener(two, component.CategoryModule))

	s.fanout.Publish(event.NewModuleUpdate(event.ModuleAdded, "x", component.KindModule, ""))
	s.Eventually(func() bool {
		return first.Load() == 1 && second.Load() == 1
	}, wait, 10*time.Millisecond, "both listeners are registered")

	s.Require().NoError(s.calls().RemoveListener(one))
	s.fanout.Publish(event.NewModuleUpdate(event.ModuleAdded, "y", component.KindModule, ""))
	s.Eventually(func() bool { return second.Load() == 2 }, wait, 10*time.Millisecond)
	s.EqualValues(1, first.Load(), "removed listener gets nothing")
	s.True(errors.Is(s.calls().RemoveListener(one), errors.ErrBroker))
}

func (s *ControlSuite) TestListenerNeedsReceiveRight() {
	narrow := s.startCI("narrow", rights.ReceiveModules, component.CategoryModule, component.CategoryLog)
	s.fanout.Publish(event.NewLogEntry(0, "hidden", nil))
	s.fanout.Publish(event.NewModuleUpdate(event.ModuleAdded, "x", component.KindModule, ""))

	s.Eventually(func() bool {
		return len(s.moduleActions(narrow, "x")) == 1
	}, wait, 10*time.Millisecond)
	for _, ev := range narrow.Events() {
		s.NotEqual(component.CategoryLog, ev.Category(), "narrow lacks the log right")
	}
}

func (s *ControlSuite) TestStoppedSessionIsRejected() {
	calls := s.calls()
	s.Require().NoError(s.control.StopControlInterface(s.ctx, "admin"))
	_, stopped := s.admin.Lifecycle()
	s.Equal(1, stopped)

	_, err := calls.Modules(s.ctx)
	s.True(errors.Is(err, errors.ErrWrongState))
	s.Empty(s.fanout.QueueIDs())
}

func (s *ControlSuite) TestControlInterfaceLifecycle() {
	other := testutil.NewFakeControlInterface()
	s.Require().NoError(s.registry.RegisterFactory(component.Registration{
		Type: "web", Kind: component.KindControlInterface, Factory: other.Factory(),
	}))

	id, err := s.calls().AddControlInterface(s.ctx, "web", "", rights.ViewConfiguration)
	s.Require().NoError(err)
	started, _ := other.Lifecycle()
	s.Equal(1, started)

	cis, err := s.calls().ControlInterfaces(s.ctx)
	s.Require().NoError(err)
	s.Len(cis, 2)
	for _, ci := range cis {
		s.True(ci.Ready, ci.ID)
	}

	s.Require().NoError(s.calls().RemoveControlInterface(s.ctx, id))
	_, stopped := other.Lifecycle()
	s.Equal(1, stopped)
	s.Equal([]string{"admin"}, s.control.Started())
}

func (s *ControlSuite) TestFailedControlInterfaceIsRolledBack() {
	broken := testutil.NewFakeControlInterface()
	broken.FailStartup(fmt.Errorf("port in use"))
	s.Require().NoError(s.registry.RegisterFactory(component.Registration{
		Type: "web", Kind: component.KindControlInterface, Factory: broken.Factory(),
	}))

	_, err := s.calls().AddControlInterface(s.ctx, "web", "", rights.ViewConfiguration)
	s.True(errors.Is(err, errors.ErrModule))
	s.Equal([]string{"admin"}, s.control.Started())
	s.Len(s.registry.Instances(component.KindControlInterface), 1)
}

func (s *ControlSuite) TestExportImport() {
	snap, err := s.calls().ExportConfig(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(snap.Components, 1)
	s.Equal("admin", snap.Components[0].ID)

	s.Require().NoError(s.calls().ImportConfig(s.ctx, snap))
	s.Require().Len(s.system.imported, 1)

	bad := config.Snapshot{Components: []config.ComponentRecord{{ID: "", Kind: config.KindModule, Type: "x"}}}
	s.True(errors.Is(s.calls().ImportConfig(s.ctx, bad), errors.ErrInvalidConfig))
}

func (s *ControlSuite) TestExit() {
	s.Require().NoError(s.calls().Exit(s.ctx))
	s.True(s.system.exited)
	s.True(errors.Is(s.calls().Exit(s.ctx), errors.ErrWrongState))
}
