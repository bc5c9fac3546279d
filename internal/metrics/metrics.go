// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "propcare"

var (
	// BillingOperationsTotal counts billing service calls by operation and outcome.
	BillingOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "operations_total",
		Help:      "Billing operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	// BillingOperationDuration tracks billing call latency, provider round-trips included.
	BillingOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "operation_duration_seconds",
		Help:      "Billing operation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// PaymentStatusTransitions counts moves through active/at_risk/suspended.
	PaymentStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "payment_status_transitions_total",
		Help:      "Payment status transitions by from/to state.",
	}, []string{"from", "to"})

	// TrialSweepOutcomes counts per-subscriber outcomes of the conversion sweep.
	TrialSweepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "trial_sweep_outcomes_total",
		Help:      "Trial conversion sweep outcomes.",
	}, []string{"outcome"})

	// NotificationsTotal counts notification dispatches by kind and outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "dispatch_total",
		Help:      "Notification dispatches by kind and outcome.",
	}, []string{"kind", "outcome"})

	// JobsTotal counts worker job completions by type and outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Jobs processed by type and outcome.",
	}, []string{"job_type", "outcome"})

	// JobDuration tracks handler run time per job type.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Job handler duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job_type"})

	// WorkerActiveJobs reports jobs currently being processed.
	WorkerActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "active_jobs",
		Help:      "Jobs currently being processed by this worker.",
	})

	// HTTPRequestsTotal counts API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	// HTTPRequestDuration tracks API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// WebhookEventsTotal counts provider webhook deliveries.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Payment provider webhook events by type and status.",
	}, []string{"event_type", "status"})
)
