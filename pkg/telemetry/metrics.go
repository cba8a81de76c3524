package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Execution context ───────────────────────────────────────────────────────

	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "execution",
		Name:      "started_total",
		Help:      "Task executions granted an execution token.",
	}, []string{"task"})

	ExecutionsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "execution",
		Name:      "denied_total",
		Help:      "Task executions that could not start, labelled by reason (disabled, no_token).",
	}, []string{"task", "reason"})

	ExecutionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "execution",
		Name:      "completed_total",
		Help:      "Task executions completed, labelled by outcome (ok, failed).",
	}, []string{"task", "outcome"})

	KeepAlivesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "execution",
		Name:      "keep_alives_total",
		Help:      "Keep-alive signals sent, labelled by result (ok, error).",
	}, []string{"task", "result"})

	// ─── Blocks ──────────────────────────────────────────────────────────────────

	BlocksIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "blocks",
		Name:      "issued_total",
		Help:      "Blocks handed to callers, labelled by block type and source (new, forced, failed, dead, reprocess).",
	}, []string{"task", "block_type", "source"})

	BlockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "blocks",
		Name:      "transitions_total",
		Help:      "Block execution status changes, labelled by the new status.",
	}, []string{"block_type", "status"})

	// ─── Recovery ────────────────────────────────────────────────────────────────

	RecoveryFindDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "blockflow",
		Subsystem: "recovery",
		Name:      "find_duration_seconds",
		Help:      "Time spent finding dead or failed blocks.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})

	CriticalSectionDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "recovery",
		Name:      "critical_section_denied_total",
		Help:      "Block requests that could not acquire the critical section.",
	}, []string{"task"})

	// ─── Cleanup ─────────────────────────────────────────────────────────────────

	CleanupRowsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "cleanup",
		Name:      "rows_deleted_total",
		Help:      "Rows removed by retention cleanup, labelled by table group (executions, list_items).",
	}, []string{"kind"})

	// ─── Store ───────────────────────────────────────────────────────────────────

	StoreRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "store",
		Name:      "retries_total",
		Help:      "Postgres operations retried after a transient error.",
	}, []string{"op"})

	// ─── Events ──────────────────────────────────────────────────────────────────

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Execution events published to the event stream.",
	}, []string{"type"})

	// ─── Admin API ───────────────────────────────────────────────────────────────

	AdminForcedBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "admin",
		Name:      "forced_blocks_total",
		Help:      "Blocks enqueued for forced reprocessing.",
	})

	AdminRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockflow",
		Subsystem: "admin",
		Name:      "rate_limited_total",
		Help:      "Admin requests rejected by the rate limiter.",
	})
)

// TaskLabel joins an application and task name into one metric label value.
func TaskLabel(application, task string) string {
	return application + "/" + task
}
