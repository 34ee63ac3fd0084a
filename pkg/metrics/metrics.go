// Package metrics exposes Prometheus metrics for the operator console.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Command metrics
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Backend metrics
	backendRequests *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec

	// Cache metrics
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// Admission metrics
	rateLimitedTotal prometheus.Counter
	deniedTotal      prometheus.Counter

	// Audit metrics
	auditWriteErrors prometheus.Counter

	// Webhook metrics
	webhookUpdates *prometheus.CounterVec
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsbot_commands_total",
				Help: "Total commands processed by name and result status",
			},
			[]string{"command", "status"},
		),

		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opsbot_command_duration_seconds",
				Help:    "End-to-end command latency by command name",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"command"},
		),

		backendRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsbot_backend_requests_total",
				Help: "Total backend calls by backend, operation and result",
			},
			[]string{"backend", "op", "result"},
		),

		backendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opsbot_backend_latency_seconds",
				Help:    "Backend call latency by backend",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"backend"},
		),

		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "opsbot_cache_hits_total",
				Help: "Total read commands served from the TTL cache",
			},
		),

		cacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "opsbot_cache_misses_total",
				Help: "Total read commands that went to a backend",
			},
		),

		rateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "opsbot_rate_limited_total",
				Help: "Total commands rejected by the rate limiter",
			},
		),

		deniedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "opsbot_denied_total",
				Help: "Total commands rejected by the authorization gate",
			},
		),

		auditWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "opsbot_audit_write_errors_total",
				Help: "Total audit entries that failed to persist",
			},
		),

		webhookUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsbot_webhook_updates_total",
				Help: "Total webhook updates received by result",
			},
			[]string{"result"},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.backendRequests,
		m.backendLatency,
		m.cacheHits,
		m.cacheMisses,
		m.rateLimitedTotal,
		m.deniedTotal,
		m.auditWriteErrors,
		m.webhookUpdates,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// RecordCommand records a completed command with its result status.
func (m *Metrics) RecordCommand(command, status string, duration time.Duration) {
	m.commandsTotal.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordBackendCall records one backend call outcome.
func (m *Metrics) RecordBackendCall(backend, op, result string, duration time.Duration) {
	m.backendRequests.WithLabelValues(backend, op, result).Inc()
	m.backendLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordCacheHit records a read command served from cache.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Inc()
}

// RecordCacheMiss records a read command that reached a backend.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

// RecordRateLimited records a command rejected by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	m.rateLimitedTotal.Inc()
}

// RecordDenied records a command rejected by the authorization gate.
func (m *Metrics) RecordDenied() {
	m.deniedTotal.Inc()
}

// RecordAuditWriteError records a failed audit append.
func (m *Metrics) RecordAuditWriteError() {
	m.auditWriteErrors.Inc()
}

// RecordWebhookUpdate records a received webhook update.
func (m *Metrics) RecordWebhookUpdate(result string) {
	m.webhookUpdates.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
