package domain

import "time"

// BlockExecutionStatus represents the states a block execution can be in.
type BlockExecutionStatus string

const (
	BlockNotStarted BlockExecutionStatus = "NOT_STARTED"
	BlockStarted    BlockExecutionStatus = "STARTED"
	BlockCompleted  BlockExecutionStatus = "COMPLETED"
	BlockFailed     BlockExecutionStatus = "FAILED"
)

// allowedTransitions lists the legal next states. Only forward moves exist.
var allowedTransitions = map[BlockExecutionStatus][]BlockExecutionStatus{
	BlockNotStarted: {BlockStarted, BlockCompleted, BlockFailed},
	BlockStarted:    {BlockCompleted, BlockFailed},
}

// IsTerminal returns true if no further state transitions are possible.
func (s BlockExecutionStatus) IsTerminal() bool {
	return s == BlockCompleted || s == BlockFailed
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s BlockExecutionStatus) CanTransitionTo(next BlockExecutionStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors returns every status from which next can be reached.
func Predecessors(next BlockExecutionStatus) []BlockExecutionStatus {
	var from []BlockExecutionStatus
	for _, s := range []BlockExecutionStatus{BlockNotStarted, BlockStarted} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// BlockExecution is one attempt to process a Block under one TaskExecution.
type BlockExecution struct {
	ID              int64                `json:"id"`
	BlockID         int64                `json:"block_id"`
	TaskExecutionID int64                `json:"task_execution_id"`
	Attempt         int                  `json:"attempt"`
	Status          BlockExecutionStatus `json:"status"`
	CreatedAt       time.Time            `json:"created_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	ItemsProcessed  *int                 `json:"items_processed,omitempty"`
}

// Transition moves the execution to next, stamping StartedAt or CompletedAt.
// itemsProcessed is recorded only on terminal transitions.
func (e *BlockExecution) Transition(next BlockExecutionStatus, at time.Time, itemsProcessed *int) error {
	if !e.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{BlockExecutionID: e.ID, From: e.Status, To: next}
	}
	switch next {
	case BlockStarted:
		e.StartedAt = &at
	case BlockCompleted, BlockFailed:
		e.CompletedAt = &at
		if itemsProcessed != nil {
			n := *itemsProcessed
			e.ItemsProcessed = &n
		}
	}
	e.Status = next
	return nil
}

// ForcedStatus is the processing state of a ForcedBlockQueueItem.
type ForcedStatus string

const (
	ForcedPending          ForcedStatus = "PENDING"
	ForcedExecutionCreated ForcedStatus = "EXECUTION_CREATED"
)

// ForcedBlockQueueItem is an operator request to reprocess an existing block.
type ForcedBlockQueueItem struct {
	ID               int64        `json:"id"`
	TaskDefinitionID int64        `json:"task_definition_id"`
	BlockID          int64        `json:"block_id"`
	ForcedBy         string       `json:"forced_by"`
	Status           ForcedStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
}
