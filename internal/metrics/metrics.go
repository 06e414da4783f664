// Package metrics exposes Prometheus collectors for the scrape engine.
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
	scrapeJobsTotal              *prometheus.CounterVec
	scrapeAttemptsTotal          *prometheus.CounterVec
	scrapeContentRetriesTotal    *prometheus.CounterVec
	scrapeValidationScore        *prometheus.HistogramVec
	scrapeResolveDurationSeconds *prometheus.HistogramVec
	scrapeFetchBytesTotal        *prometheus.CounterVec
	scrapeWarmRefreshesTotal     *prometheus.CounterVec
	scrapeActiveWorkers          prometheus.Gauge
	scrapeRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	scrapeProgressEventsTotal    *prometheus.CounterVec
	scrapeProgressDroppedTotal   prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_jobs_total",
				Help: "Total number of resolved jobs, labeled by status and whether the result came from cache.",
			},
			[]string{"status", "source"},
		)

		scrapeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_attempts_total",
				Help: "Total number of fetch attempts, labeled by retry policy, outcome and failure category.",
			},
			[]string{"policy", "outcome", "category"},
		)

		scrapeContentRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_content_retries_total",
				Help: "Total number of content retry rounds started after a rejected payload, labeled by schema.",
			},
			[]string{"schema"},
		)

		scrapeValidationScore = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_validation_score",
				Help:    "Histogram of payload quality scores, labeled by schema.",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"schema"},
		)

		scrapeResolveDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_resolve_duration_seconds",
				Help:    "Histogram of end-to-end resolve latencies, labeled by status.",
				Buckets: []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		)

		scrapeFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_fetch_bytes_total",
				Help: "Total number of payload bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		scrapeWarmRefreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_warm_refreshes_total",
				Help: "Total number of cache warming refreshes, labeled by result.",
			},
			[]string{"result"},
		)

		scrapeActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		scrapeRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

		scrapeProgressEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_progress_events_total",
				Help: "Total number of job lifecycle events emitted, labeled by stage.",
			},
			[]string{"stage"},
		)

		scrapeProgressDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_progress_dropped_total",
				Help: "Total number of job lifecycle events dropped because the buffer was full.",
			},
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

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string, fromCache bool, duration time.Duration) {
	source := "fetch"
	if fromCache {
		source = "cache"
	}
	scrapeJobsTotal.WithLabelValues(status, source).Inc()
	scrapeResolveDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveAttempt records one fetch attempt.
func ObserveAttempt(policy, outcome, category string) {
	if category == "" {
		category = "none"
	}
	scrapeAttemptsTotal.WithLabelValues(policy, outcome, category).Inc()
}

// ObserveContentRetry records the start of a content retry round.
func ObserveContentRetry(schema string) {
	scrapeContentRetriesTotal.WithLabelValues(schema).Inc()
}

// ObserveScore records a validation score.
func ObserveScore(schema string, score float64) {
	scrapeValidationScore.WithLabelValues(schema).Observe(score)
}

// ObserveFetchBytes adds to the fetched byte counter.
func ObserveFetchBytes(site string, n int) {
	if n <= 0 {
		return
	}
	scrapeFetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(n))
}

// ObserveWarmRefresh records one warming refresh result ("refreshed",
// "failed" or "skipped").
func ObserveWarmRefresh(result string, n int) {
	if n <= 0 {
		return
	}
	scrapeWarmRefreshesTotal.WithLabelValues(result).Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProgressEvent counts an emitted lifecycle event.
func ObserveProgressEvent(stage string) {
	scrapeProgressEventsTotal.WithLabelValues(stage).Inc()
}

// ObserveProgressDropped counts a dropped lifecycle event.
func ObserveProgressDropped() {
	scrapeProgressDroppedTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	scrapeActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	scrapeActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	scrapeRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
