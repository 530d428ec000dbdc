// Package observability holds the Prometheus metrics for pyrunner.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics. Uses a custom registry,
// not global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Validation metrics.
	ValidationsTotal *prometheus.CounterVec // result: valid|invalid
	ViolationsTotal  prometheus.Counter

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec // result: started|rejected|failed
	ExecutionDuration prometheus.Histogram
	ActiveExecutions  prometheus.Gauge
	OutputBytesTotal  prometheus.Counter

	// Session metrics.
	ConnectedObservers prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pyrunner",
			Subsystem: "validator",
			Name:      "validations_total",
			Help:      "Script validations by result.",
		}, []string{"result"}),

		ViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pyrunner",
			Subsystem: "validator",
			Name:      "violations_total",
			Help:      "Policy violations reported across all validations.",
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pyrunner",
			Subsystem: "supervisor",
			Name:      "executions_total",
			Help:      "Execution start attempts by result.",
		}, []string{"result"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pyrunner",
			Subsystem: "supervisor",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock runtime of completed executions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pyrunner",
			Subsystem: "supervisor",
			Name:      "active_executions",
			Help:      "Currently running scripts.",
		}),

		OutputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pyrunner",
			Subsystem: "supervisor",
			Name:      "output_bytes_total",
			Help:      "Bytes read from execution pseudo-terminals.",
		}),

		ConnectedObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pyrunner",
			Subsystem: "gateway",
			Name:      "connected_observers",
			Help:      "Currently connected WebSocket sessions.",
		}),
	}

	reg.MustRegister(
		m.ValidationsTotal,
		m.ViolationsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.OutputBytesTotal,
		m.ConnectedObservers,
	)
	return m
}

// RecordValidation tracks one validation outcome.
func (m *MetricsCollector) RecordValidation(valid bool, violations int) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.ValidationsTotal.WithLabelValues(result).Inc()
	m.ViolationsTotal.Add(float64(violations))
}
