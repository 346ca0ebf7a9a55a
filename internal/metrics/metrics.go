// Package metrics exposes Prometheus collectors for the scanner service.
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
	poolWorkers             *prometheus.GaugeVec
	poolEventsTotal         *prometheus.CounterVec
	poolAcquireWaitSeconds  prometheus.Histogram
	memoryBytes             *prometheus.GaugeVec
	memoryLevel             prometheus.Gauge
	checksTotal             *prometheus.CounterVec
	checkDurationSeconds    *prometheus.HistogramVec
	issuesTotal             *prometheus.CounterVec
	scansTotal              *prometheus.CounterVec
	scansInFlight           prometheus.Gauge
	scanDurationSeconds     prometheus.Histogram
	formSubmissionsTotal    *prometheus.CounterVec
	linkProbesTotal         *prometheus.CounterVec
	rateLimitDelaySeconds   *prometheus.HistogramVec
	jobsTotal               *prometheus.CounterVec
	jobSubmissionsThrottled prometheus.Counter
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		poolWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qa_pool_workers",
				Help: "Browser workers in the pool, labeled by state.",
			},
			[]string{"state"},
		)
		poolEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qa_pool_events_total",
				Help: "Browser pool lifecycle events, labeled by event.",
			},
			[]string{"event"},
		)
		poolAcquireWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qa_pool_acquire_wait_seconds",
				Help:    "Time callers waited for a browser lease.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
			},
		)
		memoryBytes = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qa_memory_bytes",
				Help: "Latest memory sample, labeled by kind (rss, heap_used, heap_total, external).",
			},
			[]string{"kind"},
		)
		memoryLevel = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qa_memory_pressure_level",
				Help: "Memory pressure level: 0 normal, 1 warning, 2 critical, 3 restart.",
			},
		)
		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qa_checks_total",
				Help: "Checker passes run, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)
		checkDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qa_check_duration_seconds",
				Help:    "Checker pass latency, labeled by kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)
		issuesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qa_issues_total",
				Help: "Issues found, labeled by kind and severity.",
			},
			[]string{"kind", "severity"},
		)
		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qa_scans_total",
				Help: "Page scans, labeled by outcome status.",
			},
			[]string{"status"},
		)
		scansInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qa_scans_in_flight",
				Help: "Scans currently admitted by the orchestrator.",
			},
		)
		scanDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qa_scan_duration_seconds",
				Help:    "Wall time of single page scans.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			},
		)
		formSubmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qa_form_submissions_total",
				Help: "Real form submissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		linkProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qa_link_probes_total",
				Help: "Link existence probes, labeled by site and result.",
			},
			[]string{"site", "result"},
		)
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qa_rate_limit_delay_seconds",
				Help:    "Time link probes spent waiting on the per-host rate limit.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qa_jobs_total",
				Help: "Queue jobs, labeled by status transition.",
			},
			[]string{"status"},
		)
		jobSubmissionsThrottled = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "qa_job_submissions_throttled_total",
				Help: "Job submissions rejected by the submission rate limit.",
			},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDuration = promauto.NewHistogramVec(
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

// SetPoolWorkers publishes the current pool occupancy.
func SetPoolWorkers(available, active, pending int) {
	Init()
	poolWorkers.WithLabelValues("available").Set(float64(available))
	poolWorkers.WithLabelValues("active").Set(float64(active))
	poolWorkers.WithLabelValues("pending").Set(float64(pending))
}

// ObservePoolEvent counts a pool lifecycle event such as created, destroyed or timeout.
func ObservePoolEvent(event string) {
	Init()
	poolEventsTotal.WithLabelValues(event).Inc()
}

// ObserveAcquireWait records how long a caller waited for a lease.
func ObserveAcquireWait(d time.Duration) {
	Init()
	poolAcquireWaitSeconds.Observe(d.Seconds())
}

// SetMemory publishes the latest memory sample and pressure level.
func SetMemory(rss, heapUsed, heapTotal, external uint64, level int) {
	Init()
	memoryBytes.WithLabelValues("rss").Set(float64(rss))
	memoryBytes.WithLabelValues("heap_used").Set(float64(heapUsed))
	memoryBytes.WithLabelValues("heap_total").Set(float64(heapTotal))
	memoryBytes.WithLabelValues("external").Set(float64(external))
	memoryLevel.Set(float64(level))
}

// ObserveCheck records one checker pass.
func ObserveCheck(kind, status string, d time.Duration) {
	Init()
	checksTotal.WithLabelValues(kind, status).Inc()
	checkDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveIssue counts one finding.
func ObserveIssue(kind, severity string) {
	Init()
	issuesTotal.WithLabelValues(kind, severity).Inc()
}

// ObserveScan records a finished page scan.
func ObserveScan(status string, d time.Duration) {
	Init()
	scansTotal.WithLabelValues(status).Inc()
	scanDurationSeconds.Observe(d.Seconds())
}

// IncScansInFlight increments the admitted scans gauge.
func IncScansInFlight() {
	Init()
	scansInFlight.Inc()
}

// DecScansInFlight decrements the admitted scans gauge.
func DecScansInFlight() {
	Init()
	scansInFlight.Dec()
}

// ObserveFormSubmission counts a real form submission by outcome.
func ObserveFormSubmission(outcome string) {
	Init()
	formSubmissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLinkProbe counts a link probe against the link's host.
func ObserveLinkProbe(link, result string) {
	Init()
	linkProbesTotal.WithLabelValues(SanitizeSite(link), result).Inc()
}

// ObserveRateLimitDelay records how long a request waited for host's bucket.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveSubmissionThrottled counts a rejected job submission.
func ObserveSubmissionThrottled() {
	Init()
	jobSubmissionsThrottled.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
