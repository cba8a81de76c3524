package domain

import "fmt"

// UsageError is returned when an operation is called out of lifecycle order,
// e.g. requesting blocks before TryStart or after Complete.
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// ConcurrencyDeniedError is returned when the critical section could not be
// acquired within the configured attempts.
type ConcurrencyDeniedError struct {
	TaskDefinitionID int64
	Attempts         int
}

func (e *ConcurrencyDeniedError) Error() string {
	return fmt.Sprintf("critical section for task definition %d not acquired after %d attempts",
		e.TaskDefinitionID, e.Attempts)
}

// BlockTypeMismatchError is returned when a stored block has a different
// shape than the one requested. The task was reconfigured to another shape.
type BlockTypeMismatchError struct {
	BlockID   int64
	Requested BlockType
	Stored    BlockType
}

func (e *BlockTypeMismatchError) Error() string {
	return fmt.Sprintf("block %d is of type %s but %s was requested", e.BlockID, e.Stored, e.Requested)
}

// InvalidTransitionError is returned for an illegal block execution status change.
type InvalidTransitionError struct {
	BlockExecutionID int64
	From             BlockExecutionStatus
	To               BlockExecutionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("block execution %d cannot move from %s to %s", e.BlockExecutionID, e.From, e.To)
}

// InvalidShapeError is returned when a block shape is constructed from an
// invalid field combination.
type InvalidShapeError struct {
	Type   BlockType
	Reason string
}

func (e *InvalidShapeError) Error() string {
	return fmt.Sprintf("invalid %s block: %s", e.Type, e.Reason)
}

// TaskExecutionNotFoundError is returned when a task execution ID does not exist.
type TaskExecutionNotFoundError struct {
	TaskExecutionID int64
}

func (e *TaskExecutionNotFoundError) Error() string {
	return fmt.Sprintf("task execution not found: %d", e.TaskExecutionID)
}

// BlockNotFoundError is returned when a block ID does not exist.
type BlockNotFoundError struct {
	BlockID int64
}

func (e *BlockNotFoundError) Error() string {
	return fmt.Sprintf("block not found: %d", e.BlockID)
}

// TaskDefinitionNotFoundError is returned when no definition exists for an
// application and task name.
type TaskDefinitionNotFoundError struct {
	Application string
	Name        string
}

func (e *TaskDefinitionNotFoundError) Error() string {
	return fmt.Sprintf("task definition not found: %s/%s", e.Application, e.Name)
}
