package health_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/health"
	"github.com/xonfour/horizont-sub000/testutil"
)

func TestAggregate(t *testing.T) {
	assert.True(t, health.Aggregate("sys", nil).IsHealthy())

	status := health.Aggregate("sys", []health.Status{
		health.NewHealthy("b", "ok"),
		health.NewDegraded("a", "slow"),
	})
	assert.True(t, status.IsDegraded())
	require.Len(t, status.SubStatuses, 2)
	assert.Equal(t, "a", status.SubStatuses[0].Component)

	status = health.Aggregate("sys", []health.Status{
		health.NewDegraded("a", "slow"),
		health.NewUnhealthy("c", "down"),
	})
	assert.True(t, status.IsUnhealthy())
	assert.False(t, status.Healthy)
}

func TestUnhealthyMessageIsSanitized(t *testing.T) {
	status := health.NewUnhealthy("m", "dial nats://10.0.0.1:4222 failed, password=hunter2")
	assert.NotContains(t, status.Message, "10.0.0.1")
	assert.NotContains(t, status.Message, "hunter2")
	assert.Contains(t, status.Message, "[URL]")
}

func TestMonitorObservesEvents(t *testing.T) {
	m := health.NewMonitor()
	m.Observe(event.NewStateChange(component.StateStoppedReady, component.StateRunning))
	m.Observe(event.NewModuleUpdate(event.ModuleStarted, "store", component.KindModule, ""))
	assert.True(t, m.Aggregate("sys").IsHealthy())

	m.Observe(event.NewModuleUpdate(event.ModuleFailStart, "store", component.KindModule, "bucket missing"))
	assert.True(t, m.Aggregate("sys").IsUnhealthy())

	name := component.KindModule.String() + "/store"
	status, ok := m.Get(name)
	require.True(t, ok)
	assert.Contains(t, status.Message, "bucket missing")

	m.Observe(event.NewModuleUpdate(event.ModuleRemoved, "store", component.KindModule, ""))
	_, ok = m.Get(name)
	assert.False(t, ok)

	m.Observe(event.NewStateChange(component.StateRunning, component.StateShuttingDown))
	assert.True(t, m.Aggregate("sys").IsDegraded())
}

func TestInterfaceServesHealth(t *testing.T) {
	ctx := context.Background()
	ci := health.New("health", health.Config{Port: 0, Path: "/health"}, nil)
	calls := testutil.NewFakeControlCalls(component.StateRunning)
	require.NoError(t, ci.Startup(ctx, calls))
	defer ci.Shutdown(ctx)
	assert.Equal(t, 1, calls.Listeners())

	_, port, err := net.SplitHostPort(ci.Addr())
	require.NoError(t, err)
	get := func() (int, health.Status) {
		resp, err := http.Get("http://127.0.0.1:" + port + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		var status health.Status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		return resp.StatusCode, status
	}

	code, status := get()
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, status.IsHealthy())

	calls.Emit(event.NewStateChange(component.StateRunning, component.StateError))
	code, status = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "ERROR", status.SubStatuses[0].Message)

	require.NoError(t, ci.Shutdown(ctx))
	assert.Empty(t, ci.Addr())
	assert.Equal(t, 0, calls.Listeners())
}

func TestParseConfig(t *testing.T) {
	cfg, err := health.ParseConfig(component.Properties{"port": "9000"})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/health", cfg.Path)

	_, err = health.ParseConfig(component.Properties{"port": "x"})
	assert.Error(t, err)
	_, err = health.ParseConfig(component.Properties{"path": "health"})
	assert.Error(t, err)
}
