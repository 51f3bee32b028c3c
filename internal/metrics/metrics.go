// Package metrics provides Prometheus metrics for vfskit jobs and pools.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfskit_jobs_total",
			Help: "Total number of finished file jobs",
		},
		[]string{"kind", "status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfskit_job_duration_seconds",
			Help:    "File job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"kind"},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfskit_jobs_running",
			Help: "Number of file jobs currently running",
		},
	)

	bytesTransferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vfskit_bytes_transferred_total",
			Help: "Total bytes streamed between providers",
		},
	)

	errorPromptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfskit_error_prompts_total",
			Help: "Total per-file errors resolved by the error protocol",
		},
		[]string{"category", "action"},
	)

	// Pool metrics
	poolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfskit_pool_connections",
			Help: "Pooled connections by state",
		},
		[]string{"pool", "state"},
	)

	poolDialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfskit_pool_dials_total",
			Help: "Total connection attempts made by pools",
		},
		[]string{"pool", "result"},
	)

	poolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfskit_pool_evictions_total",
			Help: "Total connections removed from pools",
		},
		[]string{"pool", "reason"},
	)

	poolExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfskit_pool_exhausted_total",
			Help: "Total acquisitions rejected because the pool was full",
		},
		[]string{"pool"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// JobStarted records a job entering the running state.
func JobStarted() {
	jobsRunning.Inc()
}

// JobFinished records a finished job.
func JobFinished(kind, status string, duration time.Duration) {
	jobsRunning.Dec()
	jobsTotal.WithLabelValues(kind, status).Inc()
	jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordBytes records streamed bytes.
func RecordBytes(n int64) {
	if n > 0 {
		bytesTransferred.Add(float64(n))
	}
}

// RecordErrorDecision records how a per-file error was resolved.
func RecordErrorDecision(category, action string) {
	errorPromptsTotal.WithLabelValues(category, action).Inc()
}

// SetPoolConnections publishes the connection counts of a pool.
func SetPoolConnections(pool string, idle, inUse int) {
	poolConnections.WithLabelValues(pool, "idle").Set(float64(idle))
	poolConnections.WithLabelValues(pool, "in_use").Set(float64(inUse))
}

// RecordDial records a connection attempt.
func RecordDial(pool string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	poolDialsTotal.WithLabelValues(pool, result).Inc()
}

// RecordEviction records a connection leaving a pool. reason is one of
// idle, discarded, stale or closed.
func RecordEviction(pool, reason string) {
	poolEvictionsTotal.WithLabelValues(pool, reason).Inc()
}

// RecordExhausted records a rejected acquisition.
func RecordExhausted(pool string) {
	poolExhaustedTotal.WithLabelValues(pool).Inc()
}
