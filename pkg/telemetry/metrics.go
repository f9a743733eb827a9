package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for plan and apply operations.
// When disabled, all record methods are no-ops.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	plansComputed    *prometheus.CounterVec
	planEntries      *prometheus.CounterVec
	runsCompleted    *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	nodeOperations   *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerRetries  prometheus.Counter
}

// NewMetrics builds the metric set. If cfg.Enabled is false, the returned
// instance records nothing.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{enabled: false}
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "stratus"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		enabled:  true,
		registry: registry,

		plansComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "plans_computed_total",
				Help:      "Total number of plans computed, by stack",
			},
			[]string{"stack"},
		),
		planEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "plan_entries_total",
				Help:      "Total plan entries produced, by action",
			},
			[]string{"stack", "action"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "runs_completed_total",
				Help:      "Total apply runs completed, by final status",
			},
			[]string{"stack", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "run_duration_seconds",
				Help:      "Duration of apply runs",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"stack"},
		),
		nodeOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "node_operations_total",
				Help:      "Total node operations executed, by action and outcome",
			},
			[]string{"action", "status"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of individual provider calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		providerRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "provider_retries_total",
				Help:      "Total provider call retries after transient failures",
			},
		),
	}

	registry.MustRegister(
		m.plansComputed,
		m.planEntries,
		m.runsCompleted,
		m.runDuration,
		m.nodeOperations,
		m.providerDuration,
		m.providerRetries,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPlan records a computed plan and its entry actions.
func (m *Metrics) RecordPlan(stack string, actions map[string]int) {
	if !m.enabled {
		return
	}
	m.plansComputed.WithLabelValues(stack).Inc()
	for action, n := range actions {
		m.planEntries.WithLabelValues(stack, action).Add(float64(n))
	}
}

// RecordRun records a completed apply run.
func (m *Metrics) RecordRun(stack, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.runsCompleted.WithLabelValues(stack, status).Inc()
	m.runDuration.WithLabelValues(stack).Observe(duration.Seconds())
}

// RecordNodeOperation records the outcome of a single node operation.
func (m *Metrics) RecordNodeOperation(action, status string) {
	if !m.enabled {
		return
	}
	m.nodeOperations.WithLabelValues(action, status).Inc()
}

// RecordProviderCall records the duration of one provider call.
func (m *Metrics) RecordProviderCall(action string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.providerDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordRetry records a retried provider call.
func (m *Metrics) RecordRetry() {
	if !m.enabled {
		return
	}
	m.providerRetries.Inc()
}
