package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docflow_tasks_total",
			Help: "Total number of tasks by type and status",
		},
		[]string{"type", "status"},
	)

	TasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_tasks_created_total",
			Help: "Total number of tasks created by type",
		},
		[]string{"type"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"type", "status"},
	)

	TaskRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_task_retries_total",
			Help: "Total number of task retries by queue",
		},
		[]string{"queue"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docflow_queue_depth",
			Help: "Pending messages per queue",
		},
		[]string{"queue"},
	)

	MessagesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_messages_enqueued_total",
			Help: "Total messages enqueued per queue",
		},
		[]string{"queue"},
	)

	MessagesDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_messages_dead_lettered_total",
			Help: "Total messages moved to the dead-letter queue",
		},
		[]string{"queue"},
	)

	// Stage metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docflow_stage_duration_seconds",
			Help:    "Handler duration per stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Cost metrics
	EstimatedCostUSD = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_estimated_cost_usd_total",
			Help: "Sum of predicted task costs in USD",
		},
	)

	ActualCostUSD = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_actual_cost_usd_total",
			Help: "Sum of actual LLM costs in USD",
		},
	)

	CostGateRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_cost_gate_rejections_total",
			Help: "Total tasks rejected by the cost gate",
		},
	)

	// Archive metrics
	ArchiveFilesExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_archive_files_extracted_total",
			Help: "Total valid files extracted from archives",
		},
	)

	ArchiveFilesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_archive_files_rejected_total",
			Help: "Total archive entries rejected during validation",
		},
	)

	// Cleanup metrics
	CleanupFilesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_cleanup_files_deleted_total",
			Help: "Total expired files removed by cleanup",
		},
	)

	CleanupBytesFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_cleanup_bytes_freed_total",
			Help: "Total bytes freed by cleanup",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MessagesEnqueued)
	prometheus.MustRegister(MessagesDeadLettered)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(EstimatedCostUSD)
	prometheus.MustRegister(ActualCostUSD)
	prometheus.MustRegister(CostGateRejections)
	prometheus.MustRegister(ArchiveFilesExtracted)
	prometheus.MustRegister(ArchiveFilesRejected)
	prometheus.MustRegister(CleanupFilesDeleted)
	prometheus.MustRegister(CleanupBytesFreed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
