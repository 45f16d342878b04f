package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Task queue ──────────────────────────────────────────────────────────────

	QueueTasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub",
		Subsystem: "queue",
		Name:      "tasks_enqueued_total",
		Help:      "Total tasks added to the queue.",
	}, []string{"type", "priority"})

	QueueTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub",
		Subsystem: "queue",
		Name:      "tasks_processed_total",
		Help:      "Total tasks processed, labelled by type and outcome.",
	}, []string{"type", "status"})

	QueueTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bountyhub",
		Subsystem: "queue",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	}, []string{"type"})

	QueueTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bountyhub",
		Subsystem: "queue",
		Name:      "task_duration_seconds",
		Help:      "Processor execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"type"})

	QueueRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub",
		Subsystem: "queue",
		Name:      "retries_total",
		Help:      "Total tasks rescheduled after a retryable failure.",
	}, []string{"type"})

	QueueDeadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub",
		Subsystem: "queue",
		Name:      "dead_letter_total",
		Help:      "Total tasks moved to the dead-letter queue.",
	}, []string{"type"})

	QueueCleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bountyhub",
		Subsystem: "queue",
		Name:      "cleanup_deleted_total",
		Help:      "Total finished tasks removed by retention cleanup.",
	})

	// ─── Transactions ────────────────────────────────────────────────────────────

	TxnRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bountyhub",
		Subsystem: "txn",
		Name:      "retries_total",
		Help:      "Total transaction attempts retried after a retryable failure.",
	})

	TxnConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bountyhub",
		Subsystem: "txn",
		Name:      "conflicts_total",
		Help:      "Total optimistic-lock conflicts detected.",
	})

	// ─── Audit ───────────────────────────────────────────────────────────────────

	AuditEventsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub",
		Subsystem: "audit",
		Name:      "events_written_total",
		Help:      "Total audit events persisted, labelled by resource type.",
	}, []string{"resource_type"})

	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bountyhub",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Total audit writes that failed after all retries.",
	})
)
