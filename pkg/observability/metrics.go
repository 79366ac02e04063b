package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	PermissionCacheHits   prometheus.Counter
	PermissionCacheMisses prometheus.Counter
	PermissionDenials     *prometheus.CounterVec

	// Rate limiting
	RateLimitRejections *prometheus.CounterVec

	// Idempotency
	IdempotencyReplays   prometheus.Counter
	IdempotencyConflicts prometheus.Counter

	// Optimistic concurrency
	VersionConflicts *prometheus.CounterVec

	// Background tasks
	TasksDispatched *prometheus.CounterVec
	TasksDropped    *prometheus.CounterVec
	TasksFailed     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crm_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		PermissionCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_permission_cache_hits_total",
			Help: "Permission resolver cache hits",
		}),
		PermissionCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_permission_cache_misses_total",
			Help: "Permission resolver cache misses",
		}),
		PermissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_permission_denials_total",
				Help: "Requests denied for missing permissions",
			},
			[]string{"path"},
		),
		RateLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_rate_limit_rejections_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"path"},
		),
		IdempotencyReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_idempotency_replays_total",
			Help: "Mutating requests answered from the idempotency log",
		}),
		IdempotencyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_idempotency_conflicts_total",
			Help: "Idempotency key reuse or cross-tenant rejections",
		}),
		VersionConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_version_conflicts_total",
				Help: "Optimistic concurrency conflicts by entity type",
			},
			[]string{"entity_type"},
		),
		TasksDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_background_tasks_dispatched_total",
				Help: "Background tasks accepted by the dispatch queue",
			},
			[]string{"task"},
		),
		TasksDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_background_tasks_dropped_total",
				Help: "Background tasks dropped because the queue was full",
			},
			[]string{"task"},
		),
		TasksFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_background_tasks_failed_total",
				Help: "Background tasks that returned an error",
			},
			[]string{"task"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionCacheHits,
		m.PermissionCacheMisses,
		m.PermissionDenials,
		m.RateLimitRejections,
		m.IdempotencyReplays,
		m.IdempotencyConflicts,
		m.VersionConflicts,
		m.TasksDispatched,
		m.TasksDropped,
		m.TasksFailed,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
