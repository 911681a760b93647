// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	captureJobsTotal            *prometheus.CounterVec
	captureJobsRunning          prometheus.Gauge
	captureQueueDepth           prometheus.Gauge
	captureJobDurationSeconds   *prometheus.HistogramVec
	captureScreenshotBytesTotal *prometheus.CounterVec
	captureUnsafeURLsTotal      prometheus.Counter
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		captureJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_jobs_total",
				Help: "Total number of capture jobs finished, labeled by final state.",
			},
			[]string{"state"},
		)

		captureJobsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capture_jobs_running",
				Help: "Number of capture jobs currently executing.",
			},
		)

		captureQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capture_queue_depth",
				Help: "Number of admitted capture jobs waiting for a worker.",
			},
		)

		captureJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_job_duration_seconds",
				Help:    "Histogram of capture job execution time, labeled by final state.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"state"},
		)

		captureScreenshotBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_screenshot_bytes_total",
				Help: "Total screenshot bytes, labeled by kind (original or compressed).",
			},
			[]string{"kind"},
		)

		captureUnsafeURLsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_unsafe_urls_total",
				Help: "Total number of URLs rejected by the safety validator.",
			},
		)

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob records a finished job and how long it ran.
func ObserveJob(state string, duration time.Duration) {
	captureJobsTotal.WithLabelValues(state).Inc()
	captureJobDurationSeconds.WithLabelValues(state).Observe(duration.Seconds())
}

// ObserveScreenshotBytes adds original and compressed screenshot sizes.
func ObserveScreenshotBytes(original, compressed int64) {
	if original > 0 {
		captureScreenshotBytesTotal.WithLabelValues("original").Add(float64(original))
	}
	if compressed > 0 {
		captureScreenshotBytesTotal.WithLabelValues("compressed").Add(float64(compressed))
	}
}

// ObserveUnsafeURL counts a rejected URL.
func ObserveUnsafeURL() {
	captureUnsafeURLsTotal.Inc()
}

// IncRunningJobs increments the running jobs gauge.
func IncRunningJobs() {
	captureJobsRunning.Inc()
}

// DecRunningJobs decrements the running jobs gauge.
func DecRunningJobs() {
	captureJobsRunning.Dec()
}

// SetQueueDepth records how many jobs wait for a worker.
func SetQueueDepth(n int) {
	captureQueueDepth.Set(float64(n))
}
