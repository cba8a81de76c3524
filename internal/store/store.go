// Package store declares the persistence contracts the coordinator core
// depends on. internal/postgres and internal/memstore implement them.
package store

import (
	"context"
	"time"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
)

// TaskRepository persists task definitions and task executions.
type TaskRepository interface {
	// EnsureTaskDefinition returns the definition, creating it on first use.
	EnsureTaskDefinition(ctx context.Context, application, name string) (domain.TaskDefinition, error)
	GetTaskDefinition(ctx context.Context, application, name string) (domain.TaskDefinition, error)
	// CreateTaskExecution inserts exec and sets its ID.
	CreateTaskExecution(ctx context.Context, exec *domain.TaskExecution) error
	GetTaskExecution(ctx context.Context, id int64) (domain.TaskExecution, error)
	RecordKeepAlive(ctx context.Context, id int64, at time.Time) error
	// SetExecutionToken records the execution token granted to the run.
	SetExecutionToken(ctx context.Context, id int64, token string) error
	CompleteTaskExecution(ctx context.Context, id int64, c Completion) error
}

// Completion is the final state recorded for a task execution.
type Completion struct {
	At      time.Time
	Failed  bool
	Blocked bool
}

// ReprocessScope selects which blocks of a reference value are reissued.
type ReprocessScope string

const (
	// ReprocessAll reissues every block regardless of status.
	ReprocessAll ReprocessScope = "ALL"
	// ReprocessPendingOrFailed reissues blocks whose latest status is
	// NOT_STARTED, STARTED or FAILED.
	ReprocessPendingOrFailed ReprocessScope = "PENDING_OR_FAILED"
)

// ReprocessQuery selects the blocks previously issued to executions that
// carried ReferenceValue.
type ReprocessQuery struct {
	TaskDefinitionID int64
	ReferenceValue   string
	Scope            ReprocessScope
}

// StatusChange moves one block execution to a new status.
type StatusChange struct {
	BlockExecutionID int64
	Status           domain.BlockExecutionStatus
	At               time.Time
	ItemsProcessed   *int
}

// ItemUpdate records the outcome of one list item.
type ItemUpdate struct {
	ItemID int64
	Status domain.ItemStatus
	Reason string
	Step   *int
	At     time.Time
}

// QueuedBlock is a pending forced-queue item with its block.
type QueuedBlock struct {
	QueueItemID int64
	Block       domain.Block
}

// IssueBatch lists everything one generation call issues.
type IssueBatch struct {
	TaskDefinitionID int64
	TaskExecutionID  int64
	// Forced holds queue item IDs. Items no longer PENDING are skipped.
	Forced []int64
	Failed []int64
	Dead   []int64
	New    []domain.NewBlock
}

// IssuedBatch is the result of IssueBatch, grouped by source.
type IssuedBatch struct {
	Forced []domain.IssuedBlock
	Failed []domain.IssuedBlock
	Dead   []domain.IssuedBlock
	New    []domain.IssuedBlock
}

// BlockRepository persists blocks, block executions, list items and the
// forced-block queue. Every method that creates executions is atomic per call.
type BlockRepository interface {
	// CreateBlocks inserts new blocks, their list items, and one
	// NOT_STARTED attempt-1 execution per block for taskExecutionID.
	CreateBlocks(ctx context.Context, taskDefinitionID, taskExecutionID int64, blocks []domain.NewBlock) ([]domain.IssuedBlock, error)
	// ReissueBlocks creates a NOT_STARTED execution with attempt = last + 1
	// for each block, in the given order.
	ReissueBlocks(ctx context.Context, taskExecutionID int64, blockIDs []int64) ([]domain.IssuedBlock, error)
	// FindBlocksForReprocess returns matching blocks ordered by creation time.
	FindBlocksForReprocess(ctx context.Context, q ReprocessQuery) ([]domain.Block, error)
	// PendingForcedBlocks returns up to limit PENDING queue items of the
	// task definition in queue order, without changing them. Zero limit means
	// all. A queued block of another type returns *domain.BlockTypeMismatchError.
	PendingForcedBlocks(ctx context.Context, taskDefinitionID int64, blockType domain.BlockType, limit int) ([]QueuedBlock, error)
	// IssueBlocks applies one generation call in a single unit: forced items
	// still PENDING become executions and are marked EXECUTION_CREATED,
	// failed and dead blocks are reissued, and new blocks are created. Any
	// error leaves the store unchanged.
	IssueBlocks(ctx context.Context, b IssueBatch) (IssuedBatch, error)
	EnqueueForcedBlock(ctx context.Context, blockID int64, forcedBy string) (domain.ForcedBlockQueueItem, error)
	GetBlock(ctx context.Context, id int64) (domain.Block, error)
	// ChangeBlockStatus applies a legal transition or returns
	// *domain.InvalidTransitionError.
	ChangeBlockStatus(ctx context.Context, c StatusChange) error
	ListBlockExecutions(ctx context.Context, taskExecutionID int64) ([]domain.BlockExecution, error)
	// ListItems returns a block's items in insertion order, optionally
	// filtered by status.
	ListItems(ctx context.Context, blockID int64, statuses ...domain.ItemStatus) ([]domain.ListBlockItem, error)
	UpdateItems(ctx context.Context, blockID int64, updates []ItemUpdate) error
}

// EventSink records diagnostic events.
type EventSink interface {
	RecordEvent(ctx context.Context, e domain.Event) error
}

// EventRepository is an EventSink that can also be read back.
type EventRepository interface {
	EventSink
	ListEvents(ctx context.Context, taskExecutionID int64) ([]domain.Event, error)
}

// CleanupRepository removes data past its retention period.
type CleanupRepository interface {
	ListTaskDefinitions(ctx context.Context) ([]domain.TaskDefinition, error)
	// DeleteListItemsBefore removes list items of blocks created before the cutoff.
	DeleteListItemsBefore(ctx context.Context, taskDefinitionID int64, before time.Time) (int64, error)
	// DeleteExecutionsBefore removes task executions started before the
	// cutoff together with their block executions, and blocks left with no
	// execution.
	DeleteExecutionsBefore(ctx context.Context, taskDefinitionID int64, before time.Time) (int64, error)
	MarkCleaned(ctx context.Context, taskDefinitionID int64, at time.Time) error
}
