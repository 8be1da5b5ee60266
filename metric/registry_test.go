package metric

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xonfour/horizont-sub000/errors"
)

func gatheredNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	require.NoError(t, registry.RegisterCounter("test-owner", "test_counter", counter))
	counter.Inc()

	assert.True(t, gatheredNames(t, registry)["test_counter"])
}

func TestMetricsRegistry_RegisterVecs(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "g"}, []string{"l"})
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_hist_vec", Help: "h"}, []string{"l"})

	require.NoError(t, registry.RegisterGaugeVec("owner", "test_gauge_vec", gauge))
	require.NoError(t, registry.RegisterHistogramVec("owner", "test_hist_vec", hist))
	gauge.WithLabelValues("a").Set(1)
	hist.WithLabelValues("a").Observe(0.5)

	names := gatheredNames(t, registry)
	assert.True(t, names["test_gauge_vec"])
	assert.True(t, names["test_hist_vec"])
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "1"})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "2"})

	require.NoError(t, registry.RegisterCounter("owner", "dup_counter", c1))

	err := registry.RegisterCounter("owner", "dup_counter", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// same collector name under another owner collides inside prometheus
	err = registry.RegisterCounter("other", "dup_counter", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_DescriptorMismatch(t *testing.T) {
	registry := NewMetricsRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "shared_name", Help: "first"})
	require.NoError(t, registry.RegisterCounter("a", "shared_name", c))

	// same fully-qualified name with different help text
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "shared_name", Help: "second"})
	err := registry.RegisterCounter("b", "shared_name", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, errors.IsFatal(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "gone_gauge", Help: "g"})
	require.NoError(t, registry.RegisterGauge("owner", "gone_gauge", gauge))

	assert.True(t, registry.Unregister("owner", "gone_gauge"))
	assert.False(t, registry.Unregister("owner", "gone_gauge"))
	assert.False(t, gatheredNames(t, registry)["gone_gauge"])

	// can be registered again once removed
	require.NoError(t, registry.RegisterGauge("owner", "gone_gauge", gauge))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_counter_%d", i)
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "c"})
			errs <- registry.RegisterCounter("owner", name, c)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestMetricsRegistrar_Interface(t *testing.T) {
	var _ MetricsRegistrar = NewMetricsRegistry()
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.SetConnections(3, 1)
	m.RecordAdmission(true, 2)
	m.RecordAdmission(false, 0)
	m.RecordModuleCall("write", nil)
	m.RecordModuleCall("write", assert.AnError)
	m.RecordTimeout("start")
	m.RecordEvent("connection")
	m.RecordCoalesced()
	m.SetSystemState(2)
	m.SetComponents("module", 4)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connections.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections.WithLabelValues("disconnected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues("admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues("rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Preemptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModuleCalls.WithLabelValues("write", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallTimeouts.WithLabelValues("start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsCoalesced))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SystemState))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ComponentsActive.WithLabelValues("module")))

	names := gatheredNames(t, registry)
	assert.True(t, names["horizont_admissions_total"])
	assert.True(t, names["horizont_system_state"])
}

func TestCoreMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetConnections(1, 1)
		m.RecordAdmission(true, 1)
		m.RecordModuleCall("read", nil)
		m.RecordTimeout("stop")
		m.RecordEvent("log")
		m.RecordCoalesced()
		m.SetSystemState(1)
		m.SetComponents("module", 1)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestServer_StartStop(t *testing.T) {
	registry := NewMetricsRegistry()
	server := NewServer(0, "", registry, nil)

	require.NoError(t, server.Start())
	defer func() { _ = server.Stop(time.Second) }()

	err := server.Start()
	assert.True(t, errors.IsInvalid(err))

	resp, err := http.Get(server.Address())
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "horizont_system_state")

	require.NoError(t, server.Stop(time.Second))
	require.NoError(t, server.Stop(time.Second))
}

func TestServer_ScrapeParses(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().SetSystemState(3)
	registry.CoreMetrics().RecordAdmission(true, 0)

	server := NewServer(0, "/metrics", registry, nil)
	require.NoError(t, server.Start())
	defer func() { _ = server.Stop(time.Second) }()

	resp, err := http.Get(server.Address())
	require.NoError(t, err)
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	require.NoError(t, err)

	state := families["horizont_system_state"]
	require.NotNil(t, state)
	assert.Equal(t, dto.MetricType_GAUGE, state.GetType())
	require.Len(t, state.GetMetric(), 1)
	assert.Equal(t, 3.0, state.GetMetric()[0].GetGauge().GetValue())

	admissions := families["horizont_admissions_total"]
	require.NotNil(t, admissions)
	assert.Equal(t, dto.MetricType_COUNTER, admissions.GetType())
}

func TestServer_MissingRegistry(t *testing.T) {
	server := NewServer(0, "/metrics", nil, nil)
	err := server.Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
