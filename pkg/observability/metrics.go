package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Authorization metrics
	AuthzChecksTotal   *prometheus.CounterVec
	AuthzCheckDuration *prometheus.HistogramVec

	// Permission cache metrics
	PermCacheHitsTotal        prometheus.Counter
	PermCacheMissesTotal      prometheus.Counter
	PermCacheStaleServesTotal prometheus.Counter
	PermCacheEvictionsTotal   prometheus.Counter
	PermCacheEntries          prometheus.Gauge
	PermCacheWeight           prometheus.Gauge

	// Lifecycle metrics
	LifecycleTransitionsTotal *prometheus.CounterVec
	BatchItemsTotal           *prometheus.CounterVec

	// Artifact storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Business metrics
	ActiveUsersTotal   prometheus.Gauge
	OrganizationsTotal prometheus.Gauge
	PackagesTotal      prometheus.Gauge
	VersionsTotal      prometheus.Gauge
	SessionsActive     prometheus.Gauge
	DownloadsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "depot_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "depot_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "depot_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "depot_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Authorization metrics
		AuthzChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "depot_authz_checks_total",
				Help: "Total number of authorization checks",
			},
			[]string{"outcome"},
		),
		AuthzCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "depot_authz_check_duration_seconds",
				Help:    "Authorization check duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
			},
			[]string{"outcome"},
		),

		// Permission cache metrics
		PermCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "depot_permission_cache_hits_total",
				Help: "Total number of permission cache hits",
			},
		),
		PermCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "depot_permission_cache_misses_total",
				Help: "Total number of permission cache misses",
			},
		),
		PermCacheStaleServesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "depot_permission_cache_stale_serves_total",
				Help: "Total number of expired entries served while revalidating",
			},
		),
		PermCacheEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "depot_permission_cache_evictions_total",
				Help: "Total number of permission cache evictions",
			},
		),
		PermCacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_permission_cache_entries",
				Help: "Current number of cached permission sets",
			},
		),
		PermCacheWeight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_permission_cache_weight",
				Help: "Current total weight of cached permission sets",
			},
		),

		// Lifecycle metrics
		LifecycleTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "depot_lifecycle_transitions_total",
				Help: "Total number of entity lifecycle transitions",
			},
			[]string{"entity", "action", "status"},
		),
		BatchItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "depot_batch_items_total",
				Help: "Total number of items processed in batch updates",
			},
			[]string{"entity", "outcome"},
		),

		// Artifact storage metrics
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "depot_storage_operations_total",
				Help: "Total number of artifact storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "depot_storage_operation_duration_seconds",
				Help:    "Artifact storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Business metrics
		ActiveUsersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_active_users_total",
				Help: "Total number of active users",
			},
		),
		OrganizationsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_organizations_total",
				Help: "Total number of active organizations",
			},
		),
		PackagesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_packages_total",
				Help: "Total number of active packages",
			},
		),
		VersionsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_versions_total",
				Help: "Total number of active package versions",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_sessions_active",
				Help: "Number of unexpired sessions",
			},
		),
		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "depot_downloads_total",
				Help: "Total number of version downloads",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.AuthzChecksTotal,
		m.AuthzCheckDuration,
		m.PermCacheHitsTotal,
		m.PermCacheMissesTotal,
		m.PermCacheStaleServesTotal,
		m.PermCacheEvictionsTotal,
		m.PermCacheEntries,
		m.PermCacheWeight,
		m.LifecycleTransitionsTotal,
		m.BatchItemsTotal,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.ActiveUsersTotal,
		m.OrganizationsTotal,
		m.PackagesTotal,
		m.VersionsTotal,
		m.SessionsActive,
		m.DownloadsTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler returns the handler serving the registry in Prometheus
// exposition format, for mounting at /metrics.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
