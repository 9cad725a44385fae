// Package metrics exposes Prometheus collectors for the harvester service.
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
	harvesterFetchesTotal           *prometheus.CounterVec
	harvesterBytesTotal             *prometheus.CounterVec
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec
	harvesterRobotsFallbackTotal    prometheus.Counter
	harvesterJobsTotal              *prometheus.CounterVec
	harvesterJobDurationSeconds     prometheus.Histogram
	harvesterRecordsTotal           *prometheus.CounterVec
	harvesterActiveRuns             prometheus.Gauge
	harvesterTriggers               prometheus.Gauge
	harvesterRateLimitDelaysSeconds *prometheus.HistogramVec
	harvesterEventsDroppedTotal     prometheus.Counter
	harvesterSkippedFiresTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every observer calls it.
func Init() {
	once.Do(func() {
		harvesterFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Total number of outbound fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		harvesterBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		harvesterRobotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_robots_fallback_total",
				Help: "Total robots.txt probes that fell back to allow-all after TLS handshake timeouts.",
			},
		)

		harvesterJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total number of job runs, labeled by status.",
			},
			[]string{"status"},
		)

		harvesterJobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_job_duration_seconds",
				Help:    "Histogram of job run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
		)

		harvesterRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_total",
				Help: "Total number of harvested records, labeled by kind (live or deleted).",
			},
			[]string{"kind"},
		)

		harvesterActiveRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_runs",
				Help: "Number of job runs currently in progress.",
			},
		)

		harvesterTriggers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_triggers",
				Help: "Number of live cron triggers.",
			},
		)

		harvesterRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		harvesterEventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_events_dropped_total",
				Help: "Total run events dropped because the event buffer was full.",
			},
		)

		harvesterSkippedFiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_skipped_fires_total",
				Help: "Total cron fires skipped, labeled by reason.",
			},
			[]string{"reason"},
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

// ObserveFetch counts one outbound fetch.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	harvesterFetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		harvesterBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that was answered with allow-all.
func ObserveRobotsFallback() {
	Init()
	harvesterRobotsFallbackTotal.Inc()
}

// ObserveJob counts one finished run and its duration.
func ObserveJob(status string, duration time.Duration) {
	Init()
	harvesterJobsTotal.WithLabelValues(status).Inc()
	harvesterJobDurationSeconds.Observe(duration.Seconds())
}

// ObserveRecords adds to the live and deleted record counters.
func ObserveRecords(live, deleted int) {
	Init()
	if live > 0 {
		harvesterRecordsTotal.WithLabelValues("live").Add(float64(live))
	}
	if deleted > 0 {
		harvesterRecordsTotal.WithLabelValues("deleted").Add(float64(deleted))
	}
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	harvesterActiveRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	harvesterActiveRuns.Dec()
}

// SetTriggers records the number of live triggers.
func SetTriggers(n int) {
	Init()
	harvesterTriggers.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	harvesterRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveEventsDropped counts run events dropped by the hub.
func ObserveEventsDropped(n int) {
	Init()
	if n > 0 {
		harvesterEventsDroppedTotal.Add(float64(n))
	}
}

// ObserveSkippedFire counts a fire that was not executed.
func ObserveSkippedFire(reason string) {
	Init()
	harvesterSkippedFiresTotal.WithLabelValues(reason).Inc()
}
