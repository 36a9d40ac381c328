// Package metrics exposes Prometheus collectors for the job pipeline.
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
	jobsTotal            *prometheus.CounterVec
	activeWorkers        prometheus.Gauge
	fetchDurationSeconds *prometheus.HistogramVec
	fetchResponsesTotal  *prometheus.CounterVec
	queueDepth           prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeq_jobs_total",
				Help: "Total number of jobs processed, labeled by terminal status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapeq_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapeq_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site"},
		)

		fetchResponsesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeq_fetch_responses_total",
				Help: "Total fetch responses, labeled by site and status code.",
			},
			[]string{"site", "code"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapeq_queue_depth",
				Help: "Jobs waiting on the shared queue at last observation.",
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

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records one fetch outcome.
func ObserveFetch(site string, code int, duration time.Duration) {
	sanitized := SanitizeSite(site)
	fetchResponsesTotal.WithLabelValues(sanitized, strconv.Itoa(code)).Inc()
	fetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetQueueDepth records the observed queue depth.
func SetQueueDepth(n int64) {
	queueDepth.Set(float64(n))
}
