package worker

import (
	"time"

	"github.com/PortNumber53/propcare-billing/internal/metrics"
	"github.com/PortNumber53/propcare-billing/internal/models"
)

// PrometheusInstrumentation reports job lifecycle events as Prometheus metrics.
func PrometheusInstrumentation() *Instrumentation {
	return &Instrumentation{
		OnEnqueue: func(job *models.Job) {
			metrics.JobsTotal.WithLabelValues(job.JobType, "enqueued").Inc()
		},
		OnStart: func(job *models.Job) {
			metrics.WorkerActiveJobs.Inc()
		},
		OnComplete: func(job *models.Job, duration time.Duration) {
			metrics.WorkerActiveJobs.Dec()
			metrics.JobsTotal.WithLabelValues(job.JobType, "completed").Inc()
			metrics.JobDuration.WithLabelValues(job.JobType).Observe(duration.Seconds())
		},
		OnFail: func(job *models.Job, err error, duration time.Duration) {
			metrics.WorkerActiveJobs.Dec()
			metrics.JobsTotal.WithLabelValues(job.JobType, "failed").Inc()
			metrics.JobDuration.WithLabelValues(job.JobType).Observe(duration.Seconds())
		},
		OnRetry: func(job *models.Job, retryAfter time.Duration) {
			metrics.JobsTotal.WithLabelValues(job.JobType, "retried").Inc()
		},
		OnCancel: func(job *models.Job) {
			metrics.JobsTotal.WithLabelValues(job.JobType, "cancelled").Inc()
		},
	}
}
