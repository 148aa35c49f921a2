// Package metrics exposes Prometheus collectors for the ingestion service.
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
	ingestFilesTotal             *prometheus.CounterVec
	ingestRowsTotal              *prometheus.CounterVec
	ingestRowsSkippedTotal       *prometheus.CounterVec
	ingestLinksDiscoveredTotal   *prometheus.CounterVec
	ingestBytesTotal             *prometheus.CounterVec
	ingestCyclesTotal            *prometheus.CounterVec
	ingestCycleDurationSeconds   prometheus.Histogram
	ingestActiveWorkers          prometheus.Gauge
	ingestRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_files_total",
				Help: "Total number of discovered files processed, labeled by store and outcome.",
			},
			[]string{"store", "outcome"},
		)

		ingestRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_rows_total",
				Help: "Total number of normalized rows inserted, labeled by store.",
			},
			[]string{"store"},
		)

		ingestRowsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_rows_skipped_total",
				Help: "Total number of rows dropped during normalization, labeled by store and reason.",
			},
			[]string{"store", "reason"},
		)

		ingestLinksDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_links_discovered_total",
				Help: "Total number of file links discovered on monitored pages, labeled by store.",
			},
			[]string{"store"},
		)

		ingestBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_bytes_total",
				Help: "Total number of bytes downloaded, labeled by site.",
			},
			[]string{"site"},
		)

		ingestCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_cycles_total",
				Help: "Total number of ingestion cycles, labeled by result.",
			},
			[]string{"result"},
		)

		ingestCycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_cycle_duration_seconds",
				Help:    "Histogram of ingestion cycle durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		)

		ingestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Number of workers currently processing a file.",
			},
		)

		ingestRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
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

// ObserveFile counts one processed file.
func ObserveFile(store, outcome string) {
	Init()
	ingestFilesTotal.WithLabelValues(store, outcome).Inc()
}

// ObserveRows records inserted and dropped row counts for a file.
func ObserveRows(store string, inserted, skippedNoDate int) {
	Init()
	if inserted > 0 {
		ingestRowsTotal.WithLabelValues(store).Add(float64(inserted))
	}
	if skippedNoDate > 0 {
		ingestRowsSkippedTotal.WithLabelValues(store, "no_date").Add(float64(skippedNoDate))
	}
}

// ObserveLinks counts links discovered for a store.
func ObserveLinks(store string, n int) {
	Init()
	ingestLinksDiscoveredTotal.WithLabelValues(store).Add(float64(n))
}

// ObserveDownload records downloaded bytes for the link's host.
func ObserveDownload(link string, bytesFetched int) {
	Init()
	if bytesFetched > 0 {
		ingestBytesTotal.WithLabelValues(SanitizeSite(link)).Add(float64(bytesFetched))
	}
}

// ObserveCycle counts a finished cycle and its duration.
func ObserveCycle(result string, duration time.Duration) {
	Init()
	ingestCyclesTotal.WithLabelValues(result).Inc()
	ingestCycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	ingestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	ingestActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	ingestRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
