package system_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/config"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/logging"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/rights"
	"github.com/xonfour/horizont-sub000/system"
	"github.com/xonfour/horizont-sub000/testutil"
)

const wait = 2 * time.Second

type fixture struct {
	store *config.MemoryStore
	ci    *testutil.FakeControlInterface
	sup   *testutil.FakeModule
	cons  *testutil.FakeModule
	regs  []component.Registration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store: config.NewMemoryStore(),
		ci:    testutil.NewFakeControlInterface(component.CategoryState, component.CategoryModule),
		sup:   testutil.NewFakeModule("sup", testutil.WithPort(component.SupplierPort, "out", 1)),
		cons:  testutil.NewFakeModule("cons", testutil.WithPort(component.ConsumerPort, "in", 1)),
	}
	f.regs = []component.Registration{
		{Type: "admin", Kind: component.KindControlInterface, Factory: f.ci.Factory()},
		{Type: "storage", Kind: component.KindModule, Factory: f.sup.Factory()},
		{Type: "reader", Kind: component.KindModule, Factory: f.cons.Factory()},
	}

	require.NoError(t, f.store.Import(ctx, config.Snapshot{
		Version: config.SnapshotVersion,
		Components: []config.ComponentRecord{
			{ID: "admin", Kind: config.KindControlInterface, Type: "admin", Rights: rights.AllControl},
			{ID: "sup", Kind: config.KindModule, Type: "storage", Rights: rights.AllModule},
			{ID: "cons", Kind: config.KindModule, Type: "reader", Rights: rights.AllModule},
		},
		Connections: []config.ConnectionRecord{{
			Consumer: config.Endpoint{Module: "cons", Port: "in"},
			Supplier: config.Endpoint{Module: "sup", Port: "out"},
			Priority: 1,
		}},
	}))
	return f
}

func settings() *config.Settings {
	s := config.DefaultSettings()
	s.CallTimeout = 200 * time.Millisecond
	s.LifecycleTimeout = 200 * time.Millisecond
	s.DataCallTimeout = 200 * time.Millisecond
	s.ShutdownTimeout = wait
	return s
}

func (f *fixture) system(t *testing.T, opts ...func(*system.Options)) *system.System {
	t.Helper()
	o := system.Options{Settings: settings(), Store: f.store, Registrations: f.regs}
	for _, opt := range opts {
		opt(&o)
	}
	sys, err := system.New(o)
	require.NoError(t, err)
	return sys
}

func exit(t *testing.T, sys *system.System) {
	t.Helper()
	if sys.State() != component.StateExiting {
		require.NoError(t, sys.Exit(context.Background()))
	}
}

func states(ci *testutil.FakeControlInterface) []component.SystemState {
	var out []component.SystemState
	for _, ev := range ci.Events() {
		if sc, ok := ev.(*event.StateChange); ok {
			out = append(out, sc.To)
		}
	}
	return out
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sys := f.system(t)
	assert.Equal(t, component.StateInitializing, sys.State())

	require.NoError(t, sys.Initialize(ctx))
	assert.Equal(t, component.StateStoppedReady, sys.State())
	assert.Equal(t, []string{"admin"}, sys.Control().Started())
	assert.NotNil(t, f.sup.Framework(), "modules are initialized")

	in := component.PortID{Module: "cons", Port: "in", Kind: component.ConsumerPort}
	out := component.PortID{Module: "sup", Port: "out", Kind: component.SupplierPort}
	assert.Eventually(t, func() bool {
		return sys.Broker().IsConnected(in, out)
	}, wait, 10*time.Millisecond, "persisted connection is admitted")

	require.NoError(t, f.ci.Framework().StartSystem(ctx))
	assert.Equal(t, component.StateRunning, sys.State())
	assert.Equal(t, 1, f.sup.Called("EnterStartup"))
	assert.Equal(t, 1, f.cons.Called("ExitStartup"))

	require.NoError(t, sys.Stop(ctx))
	assert.Equal(t, component.StateStoppedReady, sys.State())
	assert.Equal(t, 1, f.sup.Called("ExitShutdown"))

	assert.Eventually(t, func() bool {
		return len(states(f.ci)) >= 5
	}, wait, 10*time.Millisecond)
	assert.Equal(t, []component.SystemState{
		component.StateStoppedReady,
		component.StateStartingUp,
		component.StateRunning,
		component.StateShuttingDown,
		component.StateStoppedReady,
	}, states(f.ci)[:5])

	require.NoError(t, sys.Exit(ctx))
	select {
	case <-sys.Wait():
	case <-time.After(wait):
		t.Fatal("Wait did not close")
	}
	_, stopped := f.ci.Lifecycle()
	assert.Equal(t, 1, stopped)
	assert.Empty(t, sys.Registry().Instances(component.KindModule))
}

func TestWrongStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sys := f.system(t)

	assert.True(t, errors.Is(sys.Start(ctx), errors.ErrWrongState), "start before initialize")
	require.NoError(t, sys.Initialize(ctx))
	defer exit(t, sys)

	assert.True(t, errors.Is(sys.Initialize(ctx), errors.ErrWrongState))
	assert.True(t, errors.Is(sys.Stop(ctx), errors.ErrWrongState))

	require.NoError(t, sys.Start(ctx))
	assert.True(t, errors.Is(sys.Start(ctx), errors.ErrWrongState))
	assert.True(t, errors.Is(sys.ImportConfig(ctx, config.Snapshot{}), errors.ErrWrongState))
}

func TestExitWhileRunningStopsModules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sys := f.system(t)
	require.NoError(t, sys.Initialize(ctx))
	require.NoError(t, sys.Start(ctx))

	require.NoError(t, sys.Exit(ctx))
	assert.Equal(t, 1, f.sup.Called("ExitShutdown"))
	assert.Equal(t, component.StateExiting, sys.State())
	assert.True(t, errors.Is(sys.Exit(ctx), errors.ErrWrongState))
}

func TestStartFailureEntersError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.PutComponent(ctx, config.ComponentRecord{
		ID: "ghost", Kind: config.KindModule, Type: "unregistered",
	}))
	sys := f.system(t)
	require.NoError(t, sys.Initialize(ctx), "unknown types are skipped while reflecting")
	defer exit(t, sys)

	err := sys.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
	assert.Equal(t, component.StateError, sys.State())
}

func TestImportConfig(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	archive := testutil.NewFakeModule("archive")
	f.regs = append(f.regs, component.Registration{Type: "archive", Kind: component.KindModule, Factory: archive.Factory()})
	sys := f.system(t)
	require.NoError(t, sys.Initialize(ctx))
	defer exit(t, sys)

	snap, err := f.ci.Framework().ExportConfig(ctx)
	require.NoError(t, err)
	snap.Components = []config.ComponentRecord{
		snap.Components[0],
		{ID: "archive", Kind: config.KindModule, Type: "archive", Rights: rights.Read},
	}
	require.Equal(t, "admin", snap.Components[0].ID)
	snap.Connections = nil

	require.NoError(t, f.ci.Framework().ImportConfig(ctx, snap))
	assert.Equal(t, component.StateStoppedReady, sys.State())

	var live []string
	for _, inst := range sys.Registry().Instances(component.KindModule) {
		live = append(live, inst.ID)
	}
	assert.Equal(t, []string{"archive"}, live)
	assert.Equal(t, 1, archive.Called("Initialize"))
	assert.Empty(t, sys.Broker().Ports("sup"))
	assert.Equal(t, []string{"admin"}, sys.Control().Started(), "unchanged control interfaces keep running")
}

func TestLoggingFollowsLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var stdout, stderr bytes.Buffer
	h := logging.NewHandler(logging.Options{Stdout: &stdout, Stderr: &stderr})
	sys := f.system(t, func(o *system.Options) { o.Logging = h })

	require.NoError(t, sys.Initialize(ctx))
	assert.True(t, h.Attached())
	require.NoError(t, sys.Exit(ctx))
	assert.False(t, h.Attached())
}

func TestStateMetric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := metric.NewMetricsRegistry()
	sys := f.system(t, func(o *system.Options) { o.Metrics = reg })

	require.NoError(t, sys.Initialize(ctx))
	defer exit(t, sys)
	require.NoError(t, sys.Start(ctx))

	assert.Equal(t, float64(component.StateRunning), promtest.ToFloat64(reg.CoreMetrics().SystemState))
}

func TestInvalidSettings(t *testing.T) {
	s := settings()
	s.CallTimeout = 0
	_, err := system.New(system.Options{Settings: s})
	assert.Error(t, err)
}
