package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	fetchDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the widget host.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Package metrics
	PackageLoadsTotal         *prometheus.CounterVec
	PackageLoadDuration       *prometheus.HistogramVec
	PackagesCached            prometheus.Gauge
	PackageInvalidationsTotal *prometheus.CounterVec

	// Binding fetch metrics
	FetchRequestsTotal       *prometheus.CounterVec
	FetchDuration            *prometheus.HistogramVec
	FetchProxyRetriesTotal   *prometheus.CounterVec
	FetchCircuitBreakerState *prometheus.GaugeVec

	// Lifecycle metrics
	InstanceTransitionsTotal *prometheus.CounterVec
	InstancesMounted         prometheus.Gauge
	RefreshTriggersTotal     *prometheus.CounterVec

	// Render metrics
	RenderPlaceholdersTotal *prometheus.CounterVec

	// Stream metrics
	StreamClients prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorhub_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doorhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doorhub_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doorhub_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Packages
		PackageLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorhub_package_loads_total",
			Help: "Total number of widget package loads by outcome.",
		}, []string{"widget_id", "status"}),
		PackageLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doorhub_package_load_duration_seconds",
			Help:    "Widget package load duration in seconds.",
			Buckets: fetchDurationBuckets,
		}, []string{"widget_id"}),
		PackagesCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorhub_packages_cached",
			Help: "Number of widget packages held in the package cache.",
		}),
		PackageInvalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorhub_package_invalidations_total",
			Help: "Total number of package cache invalidations.",
		}, []string{"reason"}),

		// Fetch
		FetchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorhub_fetch_requests_total",
			Help: "Total number of binding requests by outcome.",
		}, []string{"widget_id", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doorhub_fetch_duration_seconds",
			Help:    "Binding request duration in seconds.",
			Buckets: fetchDurationBuckets,
		}, []string{"widget_id"}),
		FetchProxyRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorhub_fetch_proxy_retries_total",
			Help: "Total number of binding requests retried through a CORS proxy.",
		}, []string{"widget_id"}),
		FetchCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "doorhub_fetch_circuit_breaker_state",
			Help: "Circuit breaker state per upstream host (0=closed, 1=half-open, 2=open).",
		}, []string{"host"}),

		// Lifecycle
		InstanceTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorhub_instance_transitions_total",
			Help: "Total number of instance state transitions by target phase.",
		}, []string{"widget_id", "phase"}),
		InstancesMounted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorhub_instances_mounted",
			Help: "Number of mounted widget instances.",
		}),
		RefreshTriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorhub_refresh_triggers_total",
			Help: "Total number of refresh triggers by kind.",
		}, []string{"trigger"}),

		// Render
		RenderPlaceholdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorhub_render_placeholders_total",
			Help: "Total number of diagnostic placeholders rendered by reason.",
		}, []string{"reason"}),

		// Stream
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorhub_stream_clients",
			Help: "Number of connected state stream clients.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Packages
		m.PackageLoadsTotal,
		m.PackageLoadDuration,
		m.PackagesCached,
		m.PackageInvalidationsTotal,
		// Fetch
		m.FetchRequestsTotal,
		m.FetchDuration,
		m.FetchProxyRetriesTotal,
		m.FetchCircuitBreakerState,
		// Lifecycle
		m.InstanceTransitionsTotal,
		m.InstancesMounted,
		m.RefreshTriggersTotal,
		// Render
		m.RenderPlaceholdersTotal,
		// Stream
		m.StreamClients,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordPackageLoad records a package load. Status is "ok", "legacy",
// "not_found" or "invalid".
func (m *Metrics) RecordPackageLoad(widgetID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PackageLoadsTotal.WithLabelValues(widgetID, status).Inc()
	m.PackageLoadDuration.WithLabelValues(widgetID).Observe(duration.Seconds())
}

// SetPackagesCached sets the number of cached packages.
func (m *Metrics) SetPackagesCached(count int) {
	if m == nil {
		return
	}
	m.PackagesCached.Set(float64(count))
}

// RecordPackageInvalidation records a cache invalidation.
func (m *Metrics) RecordPackageInvalidation(reason string) {
	if m == nil {
		return
	}
	m.PackageInvalidationsTotal.WithLabelValues(reason).Inc()
}

// RecordFetch records one binding fetch and its outcome code.
func (m *Metrics) RecordFetch(widgetID, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.FetchRequestsTotal.WithLabelValues(widgetID, outcome).Inc()
	m.FetchDuration.WithLabelValues(widgetID).Observe(duration.Seconds())
}

// RecordFetchProxyRetry records a retry through the CORS proxy.
func (m *Metrics) RecordFetchProxyRetry(widgetID string) {
	if m == nil {
		return
	}
	m.FetchProxyRetriesTotal.WithLabelValues(widgetID).Inc()
}

// SetFetchCircuitBreakerState sets the circuit breaker state for a host.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetFetchCircuitBreakerState(host string, state float64) {
	if m == nil {
		return
	}
	m.FetchCircuitBreakerState.WithLabelValues(host).Set(state)
}

// RecordInstanceTransition records an instance entering phase.
func (m *Metrics) RecordInstanceTransition(widgetID, phase string) {
	if m == nil {
		return
	}
	m.InstanceTransitionsTotal.WithLabelValues(widgetID, phase).Inc()
}

// SetInstancesMounted sets the number of mounted instances.
func (m *Metrics) SetInstancesMounted(count int) {
	if m == nil {
		return
	}
	m.InstancesMounted.Set(float64(count))
}

// RecordRefreshTrigger records a refresh trigger: "mount", "timer",
// "manual" or "configure".
func (m *Metrics) RecordRefreshTrigger(trigger string) {
	if m == nil {
		return
	}
	m.RefreshTriggersTotal.WithLabelValues(trigger).Inc()
}

// RecordRenderPlaceholder records a diagnostic placeholder. reason must come
// from a fixed set; widget-supplied tags are never used as labels.
func (m *Metrics) RecordRenderPlaceholder(reason string) {
	if m == nil {
		return
	}
	m.RenderPlaceholdersTotal.WithLabelValues(reason).Inc()
}

// SetStreamClients sets the number of connected stream clients.
func (m *Metrics) SetStreamClients(count int) {
	if m == nil {
		return
	}
	m.StreamClients.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack lets WebSocket upgrades pass through the metrics middleware.
func (w *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
