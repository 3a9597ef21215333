// Package metrics exposes Prometheus instrumentation for the orchestrator.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orchestrator"

// Metrics holds every collector the orchestrator reports.
type Metrics struct {
	breakerState   *prometheus.GaugeVec
	errorsTotal    *prometheus.CounterVec
	recoveries     *prometheus.CounterVec
	allocations    *prometheus.CounterVec
	healthProbes   *prometheus.CounterVec
	portsAllocated prometheus.Gauge
	nodes          *prometheus.GaugeVec
	alertsDropped  prometheus.Counter
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per service and function (0=closed, 1=half_open, 2=open)",
		}, []string{"service", "function"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Handled errors by category and severity",
		}, []string{"category", "severity"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery attempts by category and outcome",
		}, []string{"category", "outcome"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Workload allocation attempts by result",
		}, []string{"result"}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Health probes by result",
		}, []string{"result"}),
		portsAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_allocated",
			Help:      "Ports currently held by registered services",
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Tracked nodes by status",
		}, []string{"status"}),
		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dropped_total",
			Help:      "Alerts dropped because the publish buffer was full",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.breakerState,
			m.errorsTotal,
			m.recoveries,
			m.allocations,
			m.healthProbes,
			m.portsAllocated,
			m.nodes,
			m.alertsDropped,
		)
	}
	return m
}

func (m *Metrics) SetBreakerState(service, function string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service, function).Set(state)
}

func (m *Metrics) IncError(category, severity string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) IncRecovery(category string, success bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	m.recoveries.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) IncAllocation(result string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result).Inc()
}

func (m *Metrics) IncHealthProbe(healthy bool) {
	if m == nil {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	m.healthProbes.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPortsAllocated(n int) {
	if m == nil {
		return
	}
	m.portsAllocated.Set(float64(n))
}

// SetNodeCounts replaces the per-status node gauge.
func (m *Metrics) SetNodeCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.nodes.Reset()
	for status, n := range counts {
		m.nodes.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) IncAlertDropped() {
	if m == nil {
		return
	}
	m.alertsDropped.Inc()
}

// AlertsDropped exposes the dropped-alert counter for tests and snapshots.
func (m *Metrics) AlertsDropped() prometheus.Counter {
	return m.alertsDropped
}
