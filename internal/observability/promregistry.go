package observability

import "github.com/prometheus/client_golang/prometheus"

// Job and action lifecycle metrics (spec.md §4.11), generalized from the
// teacher's evaluate-job counters (internal/adapter/observability/metrics.go)
// to this core's job/action vocabulary.
var (
	// JobsEnqueuedTotal counts jobs enqueued by type.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total number of jobs enqueued"},
		[]string{"type"},
	)
	// JobsProcessing is a gauge of jobs currently running by type.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "jobs_processing", Help: "Number of jobs currently processing"},
		[]string{"type"},
	)
	// JobsCompletedTotal counts jobs completed by type.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Total number of jobs completed"},
		[]string{"type"},
	)
	// JobsFailedTotal counts jobs failed by type.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Total number of jobs failed"},
		[]string{"type"},
	)
	// JobsRetriedTotal counts retryable failures that were requeued.
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Total number of jobs requeued for retry"},
		[]string{"type"},
	)
	// ActionTransitionsTotal counts action status transitions.
	ActionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "action_transitions_total", Help: "Total number of action status transitions"},
		[]string{"from", "to"},
	)
	// JobProcessingDuration records handler duration by job type.
	JobProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_processing_seconds",
			Help:    "Job handler processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"type"},
	)
	// CircuitBreakerStatus tracks the provider circuit breaker state per account.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuit_breaker_status", Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)"},
		[]string{"account_id"},
	)
	// LLMTokenUsage tracks classifier LLM token consumption.
	LLMTokenUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "llm_tokens_total", Help: "Total LLM tokens used by the classifier"},
		[]string{"kind"}, // prompt | completion
	)
	// ExternalRequestsTotal counts external calls by connection type and
	// outcome; the openrouter LLM client records it (connection_type="llm").
	// Mail-provider calls are not counted here.
	ExternalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "external_requests_total", Help: "Total external connection operations"},
		[]string{"connection_type", "operation", "status"},
	)
	// ExternalRequestDuration records latency for external connection operations.
	ExternalRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_request_duration_seconds",
			Help:    "External connection operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connection_type", "operation"},
	)
	// ApprovalsNotifiedTotal counts approval.notify jobs that raised a
	// notification for a pending action.
	ApprovalsNotifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "approvals_notified_total", Help: "Total number of approval notifications raised"},
		[]string{"action_type"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		JobsEnqueuedTotal,
		JobsProcessing,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsRetriedTotal,
		ActionTransitionsTotal,
		JobProcessingDuration,
		CircuitBreakerStatus,
		LLMTokenUsage,
		ExternalRequestsTotal,
		ExternalRequestDuration,
		ApprovalsNotifiedTotal,
	)
}

// NotifyApproval increments the approval-notification counter for the
// given action type.
func NotifyApproval(actionType string) { ApprovalsNotifiedTotal.WithLabelValues(actionType).Inc() }

// EnqueueJob increments the enqueued jobs counter for the given type.
func EnqueueJob(jobType string) { JobsEnqueuedTotal.WithLabelValues(jobType).Inc() }

// StartProcessingJob increments the processing gauge for the given type.
func StartProcessingJob(jobType string) { JobsProcessing.WithLabelValues(jobType).Inc() }

// FinishProcessingJob decrements the processing gauge for the given type.
func FinishProcessingJob(jobType string) { JobsProcessing.WithLabelValues(jobType).Dec() }

// CompleteJob increments the completed jobs counter for the given type.
func CompleteJob(jobType string) { JobsCompletedTotal.WithLabelValues(jobType).Inc() }

// FailJob increments the failed jobs counter for the given type.
func FailJob(jobType string) { JobsFailedTotal.WithLabelValues(jobType).Inc() }

// RetryJob increments the retried jobs counter for the given type.
func RetryJob(jobType string) { JobsRetriedTotal.WithLabelValues(jobType).Inc() }

// RecordTransition increments the action-transition counter.
func RecordTransition(from, to string) { ActionTransitionsTotal.WithLabelValues(from, to).Inc() }
