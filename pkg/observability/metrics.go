package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion metrics
	FactsAppendedTotal *prometheus.CounterVec
	FactsPurgedTotal   prometheus.Counter

	// Query metrics
	QueryDuration     *prometheus.HistogramVec
	QueryErrorsTotal  *prometheus.CounterVec
	StoreRetriesTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Upstream metrics
	UpstreamDegradedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_metrics_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_metrics_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		FactsAppendedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_metrics_facts_appended_total",
				Help: "Total number of metric facts offered to the event store",
			},
			[]string{"kind", "status"},
		),
		FactsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_metrics_facts_purged_total",
				Help: "Total number of metric facts removed by retention",
			},
		),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_metrics_query_duration_seconds",
				Help:    "Query facade operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),
		QueryErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_metrics_query_errors_total",
				Help: "Total number of failed query facade operations",
			},
			[]string{"operation", "error_type"},
		),
		StoreRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_metrics_store_retries_total",
				Help: "Total number of store reads retried after a timeout",
			},
			[]string{"operation"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_metrics_cache_hits_total",
				Help: "Total number of daily aggregate cache hits",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_metrics_cache_misses_total",
				Help: "Total number of daily aggregate cache misses",
			},
			[]string{"tier"},
		),

		UpstreamDegradedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_metrics_upstream_degraded_total",
				Help: "Total number of responses with a metric family unavailable or estimated",
			},
			[]string{"family", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.FactsAppendedTotal,
		m.FactsPurgedTotal,
		m.QueryDuration,
		m.QueryErrorsTotal,
		m.StoreRetriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.UpstreamDegradedTotal,
	)

	return m
}

// ErrorType returns a low-cardinality label for an error
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, metrics.ErrInvalidRange):
		return "invalid_range"
	case errors.Is(err, metrics.ErrNotFound):
		return "not_found"
	case errors.Is(err, metrics.ErrInvalidFact):
		return "invalid_fact"
	case errors.Is(err, metrics.ErrTimeout):
		return "timeout"
	case errors.Is(err, metrics.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

// ObserveQuery records the outcome of one facade operation. Safe on a nil receiver.
func (m *Metrics) ObserveQuery(operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	if err != nil {
		m.QueryErrorsTotal.WithLabelValues(operation, ErrorType(err)).Inc()
	}
}

// ObserveRetry counts a store retry. Safe on a nil receiver.
func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreRetriesTotal.WithLabelValues(operation).Inc()
}

// ObserveAppend counts one fact offered to the store. Safe on a nil receiver.
func (m *Metrics) ObserveAppend(kind metrics.Kind, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = ErrorType(err)
	}
	m.FactsAppendedTotal.WithLabelValues(string(kind), status).Inc()
}

// ObservePurge counts facts removed by retention. Safe on a nil receiver.
func (m *Metrics) ObservePurge(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.FactsPurgedTotal.Add(float64(removed))
}

// ObserveCache counts a cache lookup. Safe on a nil receiver.
func (m *Metrics) ObserveCache(tier string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(tier).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(tier).Inc()
}

// ObserveDegraded counts a metric family that was not served from live data.
// Safe on a nil receiver.
func (m *Metrics) ObserveDegraded(family, status string) {
	if m == nil {
		return
	}
	m.UpstreamDegradedTotal.WithLabelValues(family, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labeled by route template so path ids do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
