package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the language runtime.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	CacheEvents       *prometheus.CounterVec
	CompiledSizeBytes prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plts",
				Name:      "executions_total",
				Help:      "Total number of function executions by status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "plts",
				Name:      "execution_duration_seconds",
				Help:      "Duration of function executions in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plts",
				Name:      "execution_errors_total",
				Help:      "Total execution errors by stage.",
			},
			[]string{"stage"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "plts",
				Name:      "active_executions",
				Help:      "Number of currently running function executions.",
			},
		),

		CacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plts",
				Name:      "cache_events_total",
				Help:      "Program cache lookups by outcome.",
			},
			[]string{"outcome"},
		),

		CompiledSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "plts",
				Name:      "compiled_size_bytes",
				Help:      "Size of compiled program text in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.CacheEvents,
		m.CompiledSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(durationSec)
}

// RecordError records an execution error by pipeline stage.
func (m *Metrics) RecordError(stage string) {
	m.ExecutionErrors.WithLabelValues(stage).Inc()
}

// RecordCacheEvent records a program cache lookup outcome.
func (m *Metrics) RecordCacheEvent(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheEvents.WithLabelValues(outcome).Inc()
}
