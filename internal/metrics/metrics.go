// Package metrics exposes Prometheus collectors for the bridge service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	remoteOperationsTotal      *prometheus.CounterVec
	remoteRateLimitDelays      *prometheus.HistogramVec
	streamBytesTotal           prometheus.Counter
	relayUploadsTotal          *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"method", "route"},
		)

		remoteOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_remote_operations_total",
				Help: "Total number of job-management operations, labeled by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		)

		remoteRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_remote_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit waits before remote calls, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		streamBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_stream_bytes_total",
				Help: "Total number of output bytes streamed to callers.",
			},
		)

		relayUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_relay_uploads_total",
				Help: "Total number of relay uploads, labeled by folder and status.",
			},
			[]string{"folder", "status"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRemoteOperation counts one core operation. Outcome is "ok" or an
// error kind.
func ObserveRemoteOperation(operation, outcome string) {
	Init()
	remoteOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	remoteRateLimitDelays.WithLabelValues(host).Observe(duration.Seconds())
}

// AddStreamBytes adds n to the streamed bytes counter.
func AddStreamBytes(n int64) {
	if n <= 0 {
		return
	}
	Init()
	streamBytesTotal.Add(float64(n))
}

// ObserveRelayUpload counts one relay upload attempt.
func ObserveRelayUpload(folder, status string) {
	Init()
	relayUploadsTotal.WithLabelValues(folder, status).Inc()
}
