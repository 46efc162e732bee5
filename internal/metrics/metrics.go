// Package metrics exposes Prometheus collectors for the scrape worker.
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
	scraperJobsTotal            *prometheus.CounterVec
	scraperJobDurationSeconds   prometheus.Histogram
	scraperMediaExtractedTotal  *prometheus.CounterVec
	scraperActiveJobs           prometheus.Gauge
	scraperBufferPendingRecords prometheus.Gauge
	scraperBufferFlushesTotal   *prometheus.CounterVec
	scraperBufferFlushedRecords prometheus.Counter
	scraperQueueReportsTotal    *prometheus.CounterVec
	scraperShutdownStepSeconds  *prometheus.HistogramVec
	scraperRateLimitDelay       *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the Observe helpers call it
// lazily so packages can record metrics without ordering concerns.
func Init() {
	once.Do(func() {
		scraperJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Total number of jobs processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scraperJobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_job_duration_seconds",
				Help:    "Histogram of fetch+extract durations per job.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		scraperMediaExtractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_media_extracted_total",
				Help: "Total number of media references extracted, labeled by site and kind.",
			},
			[]string{"site", "kind"},
		)

		scraperActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_jobs",
				Help: "Number of jobs currently being processed.",
			},
		)

		scraperBufferPendingRecords = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_buffer_pending_records",
				Help: "Records waiting in the persistence buffer.",
			},
		)

		scraperBufferFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_buffer_flushes_total",
				Help: "Total number of buffer flush attempts, labeled by result.",
			},
			[]string{"result"},
		)

		scraperBufferFlushedRecords = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_buffer_flushed_records_total",
				Help: "Total number of records persisted by successful flushes.",
			},
		)

		scraperQueueReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_queue_reports_total",
				Help: "Total number of job reports sent to the queue, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		scraperShutdownStepSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_shutdown_step_seconds",
				Help:    "Duration of each shutdown phase.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"step"},
		)

		scraperRateLimitDelay = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
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

// ObserveJob records a finished job and how long its execution took.
func ObserveJob(outcome string, duration time.Duration) {
	Init()
	scraperJobsTotal.WithLabelValues(outcome).Inc()
	scraperJobDurationSeconds.Observe(duration.Seconds())
}

// ObserveMedia counts extracted references for a page.
func ObserveMedia(pageURL, kind string, count int) {
	if count <= 0 {
		return
	}
	Init()
	scraperMediaExtractedTotal.WithLabelValues(SanitizeSite(pageURL), kind).Add(float64(count))
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	scraperActiveJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	scraperActiveJobs.Dec()
}

// SetBufferPending records the current buffer depth.
func SetBufferPending(n int) {
	Init()
	scraperBufferPendingRecords.Set(float64(n))
}

// ObserveFlush records a buffer flush attempt.
func ObserveFlush(ok bool, records int) {
	Init()
	if !ok {
		scraperBufferFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	scraperBufferFlushesTotal.WithLabelValues("ok").Inc()
	scraperBufferFlushedRecords.Add(float64(records))
}

// ObserveQueueReport records a completion or failure report sent to the queue.
func ObserveQueueReport(kind string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	scraperQueueReportsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveShutdownStep records how long a shutdown phase took.
func ObserveShutdownStep(step string, duration time.Duration) {
	Init()
	scraperShutdownStepSeconds.WithLabelValues(step).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records how long a fetch waited for its host's limiter.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	scraperRateLimitDelay.WithLabelValues(site).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
