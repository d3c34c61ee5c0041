package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for intent executions. A Metrics
// created with Enabled=false records nothing, so callers never need to
// branch.
type Metrics struct {
	config MetricsConfig

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	rejectionsTotal   *prometheus.CounterVec
	costCharged       *prometheus.CounterVec
	snapshotsTotal    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of intent executions by outcome",
			},
			[]string{"scope", "action", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of intent executions in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "status"},
		),
		rejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Total number of policy rejections by code",
			},
			[]string{"scope", "code"},
		),
		costCharged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_charged_total",
				Help:      "Cumulative abstract cost charged against scope budgets",
			},
			[]string{"scope"},
		),
		snapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_total",
				Help:      "Total number of snapshots committed",
			},
			[]string{"scope"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.executionsTotal,
		m.executionDuration,
		m.rejectionsTotal,
		m.costCharged,
		m.snapshotsTotal,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveExecution records one completed execution attempt.
func (m *Metrics) ObserveExecution(scope, action, status, code string, duration time.Duration, cost float64) {
	if m == nil || m.registry == nil {
		return
	}
	m.executionsTotal.WithLabelValues(scope, action, status).Inc()
	m.executionDuration.WithLabelValues(action, status).Observe(duration.Seconds())
	if status == "rejected" && code != "" {
		m.rejectionsTotal.WithLabelValues(scope, code).Inc()
	}
	if status == "success" {
		if cost > 0 {
			m.costCharged.WithLabelValues(scope).Add(cost)
		}
		m.snapshotsTotal.WithLabelValues(scope).Inc()
	}
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP server. It blocks until the server stops.
func (m *Metrics) Serve() error {
	if m == nil || m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}
