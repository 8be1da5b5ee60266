package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the framework-level metrics of the broker and dispatchers.
// All methods are safe on a nil receiver so callers need no metrics guard.
type Metrics struct {
	Connections      *prometheus.GaugeVec
	Admissions       *prometheus.CounterVec
	Preemptions      prometheus.Counter
	ModuleCalls      *prometheus.CounterVec
	CallTimeouts     *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
	EventsCoalesced  prometheus.Counter
	SystemState      prometheus.Gauge
	ComponentsActive *prometheus.GaugeVec
	OutputEvents     *prometheus.CounterVec
	OutputClients    *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all framework metrics
func NewMetrics() *Metrics {
	return &Metrics{
		Connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "horizont",
				Name:      "connections",
				Help:      "Number of connections per set (connected, disconnected)",
			},
			[]string{"set"},
		),
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "horizont",
				Name:      "admissions_total",
				Help:      "Admission decisions by result",
			},
			[]string{"result"},
		),
		Preemptions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "horizont",
				Name:      "preemptions_total",
				Help:      "Connections disconnected to make room for a higher priority candidate",
			},
		),
		ModuleCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "horizont",
				Name:      "module_calls_total",
				Help:      "Cross-module calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		CallTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "horizont",
				Name:      "call_timeouts_total",
				Help:      "Guarded calls that exceeded their budget",
			},
			[]string{"call"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "horizont",
				Name:      "events_published_total",
				Help:      "Events published to the fan-out by category",
			},
			[]string{"category"},
		),
		EventsCoalesced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "horizont",
				Name:      "events_coalesced_total",
				Help:      "Queued events replaced by a newer event for the same key",
			},
		),
		SystemState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "horizont",
				Name:      "system_state",
				Help:      "Current system state as its ordinal",
			},
		),
		ComponentsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "horizont",
				Name:      "components_active",
				Help:      "Live components by kind",
			},
			[]string{"kind"},
		),
		OutputEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "horizont",
				Subsystem: "output",
				Name:      "events_total",
				Help:      "Events handed to external sinks by output and result",
			},
			[]string{"output", "result"},
		),
		OutputClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "horizont",
				Subsystem: "output",
				Name:      "clients_connected",
				Help:      "Connected clients per output",
			},
			[]string{"output"},
		),
	}
}

func (m *Metrics) register(r *prometheus.Registry) {
	r.MustRegister(
		m.Connections,
		m.Admissions,
		m.Preemptions,
		m.ModuleCalls,
		m.CallTimeouts,
		m.EventsPublished,
		m.EventsCoalesced,
		m.SystemState,
		m.ComponentsActive,
		m.OutputEvents,
		m.OutputClients,
	)
}

// SetConnections records the sizes of the connected and disconnected sets
func (m *Metrics) SetConnections(connected, disconnected int) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues("connected").Set(float64(connected))
	m.Connections.WithLabelValues("disconnected").Set(float64(disconnected))
}

// RecordAdmission counts one admission decision
func (m *Metrics) RecordAdmission(admitted bool, preempted int) {
	if m == nil {
		return
	}
	result := "rejected"
	if admitted {
		result = "admitted"
	}
	m.Admissions.WithLabelValues(result).Inc()
	m.Preemptions.Add(float64(preempted))
}

// RecordModuleCall counts one dispatched module call
func (m *Metrics) RecordModuleCall(operation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ModuleCalls.WithLabelValues(operation, result).Inc()
}

// RecordTimeout counts one guarded call that ran out of budget
func (m *Metrics) RecordTimeout(call string) {
	if m == nil {
		return
	}
	m.CallTimeouts.WithLabelValues(call).Inc()
}

// RecordEvent counts one published event
func (m *Metrics) RecordEvent(category string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(category).Inc()
}

// RecordCoalesced counts one replaced queued event
func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.EventsCoalesced.Inc()
}

// SetSystemState records the current system state ordinal
func (m *Metrics) SetSystemState(ordinal int) {
	if m == nil {
		return
	}
	m.SystemState.Set(float64(ordinal))
}

// SetComponents records the number of live components of a kind
func (m *Metrics) SetComponents(kind string, n int) {
	if m == nil {
		return
	}
	m.ComponentsActive.WithLabelValues(kind).Set(float64(n))
}

// RecordOutput counts n events an output delivered or dropped
func (m *Metrics) RecordOutput(output string, n int, err error) {
	if m == nil || n == 0 {
		return
	}
	result := "delivered"
	if err != nil {
		result = "dropped"
	}
	m.OutputEvents.WithLabelValues(output, result).Add(float64(n))
}

// SetOutputClients records the number of clients connected to an output
func (m *Metrics) SetOutputClients(output string, n int) {
	if m == nil {
		return
	}
	m.OutputClients.WithLabelValues(output).Set(float64(n))
}
