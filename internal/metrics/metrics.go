// Package metrics exposes Prometheus collectors for the scraping service.
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
	urlsProcessedTotal     *prometheus.CounterVec
	emailsFoundTotal       *prometheus.CounterVec
	jobsTotal              *prometheus.CounterVec
	fetchDurationSeconds   *prometheus.HistogramVec
	batchSize              prometheus.Histogram
	activeWorkers          prometheus.Gauge
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		urlsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_urls_processed_total",
				Help: "Total number of URLs processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		emailsFoundTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_emails_found_total",
				Help: "Total number of emails stored, labeled by extraction method.",
			},
			[]string{"method"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Total number of job transitions, labeled by status.",
			},
			[]string{"status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		batchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_claim_batch_size",
				Help:    "Histogram of URL batch sizes handed to workers.",
				Buckets: []float64{1, 5, 10, 25, 50, 100},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently running.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveURL records one processed URL and its fetch duration.
func ObserveURL(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "ok"
	}
	urlsProcessedTotal.WithLabelValues(outcome).Inc()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveEmails records stored emails for an extraction method.
func ObserveEmails(method string, count int) {
	if count > 0 {
		emailsFoundTotal.WithLabelValues(method).Add(float64(count))
	}
}

// ObserveJob increments the job transition counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveBatch records the size of a claimed batch.
func ObserveBatch(size int) {
	batchSize.Observe(float64(size))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}
