package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache tier labels used by the permission engine.
const (
	TierStatic     = "static"
	TierPersistent = "persistent"
)

// Metrics collects Prometheus metrics for the service.
type Metrics struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	calculationsTotal *prometheus.CounterVec
	cacheHitsTotal    *prometheus.CounterVec
	cacheMissesTotal  prometheus.Counter
}

// NewMetrics initialises the registry and the base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortd_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cohortd_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	calculations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortd_permission_calculations_total",
		Help: "Full permission calculations by audience (cache misses on both tiers).",
	}, []string{"audience"})
	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortd_permission_cache_hits_total",
		Help: "Permission cache hits by tier.",
	}, []string{"tier"})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cohortd_permission_cache_misses_total",
		Help: "Permission cache lookups that missed both tiers.",
	})
	registry.MustRegister(requests, duration, calculations, cacheHits, cacheMisses)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		calculationsTotal: calculations,
		cacheHitsTotal:    cacheHits,
		cacheMissesTotal:  cacheMisses,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveCalculation counts a full calculation for one audience.
func (m *Metrics) ObserveCalculation(audience string) {
	if m == nil {
		return
	}
	m.calculationsTotal.WithLabelValues(audience).Inc()
}

// ObserveCacheHit counts a cache hit on the given tier.
func (m *Metrics) ObserveCacheHit(tier string) {
	if m == nil {
		return
	}
	m.cacheHitsTotal.WithLabelValues(tier).Inc()
}

// ObserveCacheMiss counts a lookup that missed both tiers.
func (m *Metrics) ObserveCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMissesTotal.Inc()
}

// Registerer exposes the registry for registering custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
