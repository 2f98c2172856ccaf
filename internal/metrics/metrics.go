// Package metrics exposes Prometheus collectors for the scraper.
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
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	flagDownloadsInFlight      prometheus.Gauge
	flagDownloadsTotal         *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	headlessPromotionsTotal    prometheus.Counter
	rowsTotal                  *prometheus.CounterVec
	scrapeRunsTotal            *prometheus.CounterVec
	scrapeDurationSeconds      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popscrape_fetch_total",
				Help: "Total number of documents fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popscrape_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		flagDownloadsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "popscrape_flag_downloads_in_flight",
				Help: "Number of flag image downloads currently holding a permit.",
			},
		)

		flagDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popscrape_flag_downloads_total",
				Help: "Total number of flag downloads, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "popscrape_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a per-host rate limit token.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "popscrape_headless_promotions_total",
				Help: "Pages refetched in headless Chrome after the plain fetch looked script-rendered.",
			},
		)

		rowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popscrape_rows_total",
				Help: "Table rows seen by the aggregator, labeled by result.",
			},
			[]string{"result"},
		)

		scrapeRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popscrape_runs_total",
				Help: "Total number of scrape runs, labeled by status.",
			},
			[]string{"status"},
		)

		scrapeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "popscrape_run_duration_seconds",
				Help:    "Histogram of end-to-end scrape run durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
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
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// IncFlagsInFlight marks a flag download as holding a permit.
func IncFlagsInFlight() {
	Init()
	flagDownloadsInFlight.Inc()
}

// DecFlagsInFlight releases the in-flight mark.
func DecFlagsInFlight() {
	Init()
	flagDownloadsInFlight.Dec()
}

// ObserveFlagDownload counts a terminal flag download outcome.
func ObserveFlagDownload(outcome string) {
	Init()
	flagDownloadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records how long a request waited for its host's token.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}

// IncHeadlessPromotions counts a plain fetch that was retried in headless Chrome.
func IncHeadlessPromotions() {
	Init()
	headlessPromotionsTotal.Inc()
}

// ObserveRows counts parsed and skipped table rows.
func ObserveRows(parsed, skipped int) {
	Init()
	rowsTotal.WithLabelValues("parsed").Add(float64(parsed))
	rowsTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveRun records the status and duration of a scrape run.
func ObserveRun(status string, duration time.Duration) {
	Init()
	scrapeRunsTotal.WithLabelValues(status).Inc()
	scrapeDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
