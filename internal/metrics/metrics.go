// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hls-proxy/internal/model"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Rewrites are CPU-bound and much faster than network calls.
var rewriteBuckets = []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ProxyErrors   *prometheus.CounterVec
	BytesStreamed prometheus.Counter

	PoolJobs        *prometheus.CounterVec
	PoolJobDuration prometheus.Histogram

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. basePath and metricsPath are the routes used to bound the path label.
func New(basePath, metricsPath string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_proxy_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_upstream_responses_total",
			Help: "Total upstream responses by method, status code and body kind.",
		}, []string{"method", "status_code", "kind"}),

		ProxyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_errors_total",
			Help: "Proxy failures by error code.",
		}, []string{"code"}),

		BytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_proxy_streamed_bytes_total",
			Help: "Bytes copied from upstream to clients on the streaming path.",
		}),

		PoolJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_rewrite_jobs_total",
			Help: "Playlist rewrite jobs by outcome.",
		}, []string{"outcome"}),

		PoolJobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hls_proxy_rewrite_job_duration_seconds",
			Help:    "Playlist rewrite time on a worker in seconds.",
			Buckets: rewriteBuckets,
		}),

		prefixes: []string{basePath + "/status", basePath + "/base64", basePath, "/healthz"},
	}

	if metricsPath != "" {
		m.prefixes = append(m.prefixes, metricsPath)
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ProxyErrors,
		m.BytesStreamed,
		m.PoolJobs,
		m.PoolJobDuration,
	)

	return m
}

// RegisterPool exposes worker pool capacity as gauges read on every scrape.
func (m *Metrics) RegisterPool(stats func() model.PoolStats) {
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hls_proxy_pool_threads_total",
			Help: "Configured number of rewrite workers.",
		}, func() float64 { return float64(stats().ThreadsTotal) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hls_proxy_pool_threads_available",
			Help: "Rewrite workers currently idle.",
		}, func() float64 { return float64(stats().ThreadsAvailable) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hls_proxy_pool_queue_depth",
			Help: "Rewrite jobs waiting for a worker.",
		}, func() float64 { return float64(stats().QueueDepth) }),
	)
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
