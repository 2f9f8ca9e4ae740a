// Package metrics exposes Prometheus collectors for the crawl pipeline.
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
	jobsProcessedTotal            *prometheus.CounterVec
	jobsEnqueuedTotal             *prometheus.CounterVec
	chapterBytesTotal             *prometheus.CounterVec
	adapterErrorsTotal            *prometheus.CounterVec
	fetchAttemptsTotal            *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	workerInFlight                prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serial_jobs_processed_total",
				Help: "Total number of fetch jobs consumed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		jobsEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serial_jobs_enqueued_total",
				Help: "Total number of fetch jobs published, labeled by site.",
			},
			[]string{"site"},
		)

		chapterBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serial_chapter_bytes_total",
				Help: "Total bytes of chapter content cached, labeled by site.",
			},
			[]string{"site"},
		)

		adapterErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serial_adapter_errors_total",
				Help: "Adapter search and listing failures, labeled by site and operation.",
			},
			[]string{"site", "operation"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serial_fetch_attempts_total",
				Help: "Chapter download attempts, labeled by site and result.",
			},
			[]string{"site", "result"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		workerInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "serial_worker_in_flight",
				Help: "Number of fetch jobs currently being processed.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "serial_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObserveJob records the outcome of one consumed job.
func ObserveJob(site, outcome string, contentBytes int) {
	Init()
	jobsProcessedTotal.WithLabelValues(site, outcome).Inc()
	if contentBytes > 0 {
		chapterBytesTotal.WithLabelValues(site).Add(float64(contentBytes))
	}
}

// ObserveEnqueued counts published jobs for a site.
func ObserveEnqueued(site string, n int) {
	Init()
	if n > 0 {
		jobsEnqueuedTotal.WithLabelValues(site).Add(float64(n))
	}
}

// ObserveAdapterError counts a failed search or listing.
func ObserveAdapterError(site, operation string) {
	Init()
	adapterErrorsTotal.WithLabelValues(site, operation).Inc()
}

// ObserveFetchAttempt counts one chapter download attempt. result is "ok" or
// "error".
func ObserveFetchAttempt(site, result string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(site, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncInFlight increments the in-flight jobs gauge.
func IncInFlight() {
	Init()
	workerInFlight.Inc()
}

// DecInFlight decrements the in-flight jobs gauge.
func DecInFlight() {
	Init()
	workerInFlight.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
