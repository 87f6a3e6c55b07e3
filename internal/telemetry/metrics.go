// Package telemetry exposes Prometheus metrics for the bulk scheduler.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "clippost_jobs_created_total", Help: "Bulk jobs created"})
	JobsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "clippost_jobs_completed_total", Help: "Bulk jobs that finished all items"})
	JobsCancelled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "clippost_jobs_cancelled_total", Help: "Bulk jobs cancelled by operator or shutdown"})
	JobsErrored    = prometheus.NewCounter(prometheus.CounterOpts{Name: "clippost_jobs_errored_total", Help: "Bulk jobs stopped by an unexpected error"})
	ItemsPosted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "clippost_items_posted_total", Help: "Items dispatched to a webhook (success or failure)"})
	ItemsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "clippost_items_failed_total", Help: "Items that failed extraction or dispatch"})
	ActiveJobs     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "clippost_jobs_active", Help: "Jobs currently pending or running"})
	WebhookLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "clippost_webhook_latency_seconds", Help: "Webhook dispatch latency", Buckets: prometheus.DefBuckets})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsCancelled,
			JobsErrored,
			ItemsPosted,
			ItemsFailed,
			ActiveJobs,
			WebhookLatency,
		)
	})
	return promhttp.Handler()
}
