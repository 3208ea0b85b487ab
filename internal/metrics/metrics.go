// Package metrics exposes Prometheus collectors for the job crawler.
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
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchEscalationsTotal      *prometheus.CounterVec
	extractRecordsTotal        *prometheus.CounterVec
	llmCallsTotal              *prometheus.CounterVec
	llmCallDurationSeconds     prometheus.Histogram
	llmCacheTotal              *prometheus.CounterVec
	retryAttemptsTotal         *prometheus.CounterVec
	browserInUse               prometheus.Gauge
	browserCheckoutTimeouts    prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeJobs                 prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_fetch_pages_total",
				Help: "Pages fetched, labeled by site, strategy and status.",
			},
			[]string{"site", "strategy", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_fetch_bytes_total",
				Help: "Bytes fetched, labeled by strategy.",
			},
			[]string{"strategy"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawl_fetch_duration_seconds",
				Help:    "Fetch latency by strategy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"strategy"},
		)

		fetchEscalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_fetch_escalations_total",
				Help: "Promotions from the light HTTP strategy to the browser, labeled by reason.",
			},
			[]string{"reason"},
		)

		extractRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_extract_records_total",
				Help: "Job records extracted, labeled by extraction strategy.",
			},
			[]string{"strategy"},
		)

		llmCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_llm_calls_total",
				Help: "Language model extraction calls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		llmCallDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jobcrawl_llm_call_duration_seconds",
				Help:    "Language model call latency.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		llmCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_llm_cache_total",
				Help: "Extraction cache lookups, labeled by result (hit, miss, error).",
			},
			[]string{"result"},
		)

		retryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_retry_operations_total",
				Help: "Retried operations, labeled by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		)

		browserInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobcrawl_browser_in_use",
				Help: "Browser slots currently checked out of the pool.",
			},
		)

		browserCheckoutTimeouts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobcrawl_browser_checkout_timeouts_total",
				Help: "Browser pool checkouts that timed out.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawl_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_jobs_total",
				Help: "Crawl jobs finished, labeled by final state.",
			},
			[]string{"state"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobcrawl_active_jobs",
				Help: "Crawl jobs currently running.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
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

// ObserveFetch records one fetch attempt.
func ObserveFetch(site, strategy, status string, bytesFetched int, duration time.Duration) {
	Init()
	fetchPagesTotal.WithLabelValues(SanitizeSite(site), strategy, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(strategy).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveEscalation counts a promotion to the browser strategy.
func ObserveEscalation(reason string) {
	Init()
	fetchEscalationsTotal.WithLabelValues(reason).Inc()
}

// ObserveRecords adds n extracted records for strategy.
func ObserveRecords(strategy string, n int) {
	Init()
	if n <= 0 {
		return
	}
	extractRecordsTotal.WithLabelValues(strategy).Add(float64(n))
}

// ObserveLLMCall records a language model call and its latency.
func ObserveLLMCall(outcome string, duration time.Duration) {
	Init()
	llmCallsTotal.WithLabelValues(outcome).Inc()
	llmCallDurationSeconds.Observe(duration.Seconds())
}

// ObserveLLMCache records a cache lookup result.
func ObserveLLMCache(result string) {
	Init()
	llmCacheTotal.WithLabelValues(result).Inc()
}

// ObserveRetry records the outcome of a retried operation.
func ObserveRetry(operation, outcome string) {
	Init()
	retryAttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

// SetBrowserInUse publishes the browser pool checkout count.
func SetBrowserInUse(n int) {
	Init()
	browserInUse.Set(float64(n))
}

// ObserveBrowserCheckoutTimeout counts a pool checkout that timed out.
func ObserveBrowserCheckoutTimeout() {
	Init()
	browserCheckoutTimeouts.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given final state.
func ObserveJob(state string) {
	Init()
	jobsTotal.WithLabelValues(state).Inc()
}

// IncActiveJobs increments the running jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the running jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
