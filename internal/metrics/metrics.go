package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ledgerbridge"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Queue job attempts by provider, operation and outcome.",
		},
		[]string{"provider", "operation", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of a single job attempt.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Queue jobs by status.",
		},
		[]string{"status"},
	)

	rateLimitDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Requests denied by the rate-limit governor.",
		},
		[]string{"provider", "endpoint"},
	)

	cacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Sync cache writes by result (stored, unchanged).",
		},
		[]string{"provider", "entity_type", "result"},
	)

	vendorRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vendor_request_duration_seconds",
			Help:      "Outbound vendor API latency by status class.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "endpoint", "status"},
	)

	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "OAuth token refreshes by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Exports reaching a terminal status.",
		},
		[]string{"provider", "status"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests, jobsTotal, jobDuration, queueDepth,
			rateLimitDenied, cacheWrites, vendorRequests, tokenRefreshes, exportsTotal,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveJob records one job attempt.
func ObserveJob(provider, operation, outcome string, d time.Duration) {
	jobsTotal.WithLabelValues(provider, operation, outcome).Inc()
	jobDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// SetQueueDepth publishes the job count for a status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

func IncRateLimitDenied(provider, endpoint string) {
	rateLimitDenied.WithLabelValues(provider, endpoint).Inc()
}

func IncCacheWrite(provider, entityType string, changed bool) {
	result := "unchanged"
	if changed {
		result = "stored"
	}
	cacheWrites.WithLabelValues(provider, entityType, result).Inc()
}

// ObserveVendorRequest records an outbound call. status is an HTTP code
// class such as "2xx", or "error" when no response arrived.
func ObserveVendorRequest(provider, endpoint, status string, d time.Duration) {
	vendorRequests.WithLabelValues(provider, endpoint, status).Observe(d.Seconds())
}

func IncTokenRefresh(provider string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	tokenRefreshes.WithLabelValues(provider, outcome).Inc()
}

func IncExport(provider, status string) {
	exportsTotal.WithLabelValues(provider, status).Inc()
}
