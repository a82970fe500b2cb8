// Package metrics exposes Prometheus collectors for the capture service.
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
	queueJobs                  *prometheus.GaugeVec
	queueRejectedTotal         *prometheus.CounterVec
	retainedArtifacts          prometheus.Gauge
	sweepRemovedTotal          *prometheus.CounterVec
	artifactDeleteErrorsTotal  prometheus.Counter
	probeTLSHandshakeTimeouts  prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		queueJobs = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "capture_queue_jobs",
				Help: "Jobs tracked by the queue, labeled by status.",
			},
			[]string{"status"},
		)

		queueRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_queue_rejected_total",
				Help: "Enqueue attempts rejected, labeled by reason.",
			},
			[]string{"reason"},
		)

		retainedArtifacts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capture_retained_artifacts",
				Help: "Artifacts held by retention awaiting retrieval or expiry.",
			},
		)

		sweepRemovedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_sweep_removed_total",
				Help: "Entries removed by the sweeper, labeled by kind.",
			},
			[]string{"kind"},
		)

		artifactDeleteErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_artifact_delete_errors_total",
				Help: "Blob deletions that failed and were left for a later sweep.",
			},
		)

		probeTLSHandshakeTimeouts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueDepth publishes the queued and processing counts.
func SetQueueDepth(queued, processing, completed, failed int) {
	Init()
	queueJobs.WithLabelValues("queued").Set(float64(queued))
	queueJobs.WithLabelValues("processing").Set(float64(processing))
	queueJobs.WithLabelValues("completed").Set(float64(completed))
	queueJobs.WithLabelValues("failed").Set(float64(failed))
}

// ObserveEnqueueRejected counts a refused enqueue.
func ObserveEnqueueRejected(reason string) {
	Init()
	queueRejectedTotal.WithLabelValues(reason).Inc()
}

// SetRetainedArtifacts publishes the retention entry count.
func SetRetainedArtifacts(n int) {
	Init()
	retainedArtifacts.Set(float64(n))
}

// ObserveSweep adds the entries a sweep removed.
func ObserveSweep(jobs, artifacts, orphans int) {
	Init()
	sweepRemovedTotal.WithLabelValues("job").Add(float64(jobs))
	sweepRemovedTotal.WithLabelValues("artifact").Add(float64(artifacts))
	sweepRemovedTotal.WithLabelValues("orphan").Add(float64(orphans))
}

// ObserveArtifactDeleteError counts a failed blob deletion.
func ObserveArtifactDeleteError() {
	Init()
	artifactDeleteErrorsTotal.Inc()
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	Init()
	probeTLSHandshakeTimeouts.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
