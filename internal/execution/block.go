package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/ramiqadoumi/go-block-flow/internal/blocks"
	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

// blockHandle is the part shared by every block kind: identity and the
// status of the execution issued to this run.
type blockHandle struct {
	c      *Context
	block  domain.Block
	source blocks.Source

	mu   sync.Mutex
	exec domain.BlockExecution
}

func (c *Context) handle(b blocks.Issued) *blockHandle {
	return &blockHandle{c: c, block: b.Block, source: b.Source, exec: b.Execution}
}

func (h *blockHandle) BlockID() int64 { return h.block.ID }

// Attempt is 1 for a new block and grows each time the block is reissued.
func (h *blockHandle) Attempt() int { return h.exec.Attempt }

// Source tells whether the block is new, forced, recovered or reprocessed.
func (h *blockHandle) Source() blocks.Source { return h.source }

func (h *blockHandle) Status() domain.BlockExecutionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec.Status
}

// Start marks the block as being worked on.
func (h *blockHandle) Start(ctx context.Context) error {
	return h.transition(ctx, domain.BlockStarted, nil)
}

func (h *blockHandle) transition(ctx context.Context, next domain.BlockExecutionStatus, itemsProcessed *int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	at := h.c.now()
	updated := h.exec
	if err := updated.Transition(next, at, itemsProcessed); err != nil {
		return err
	}
	if err := h.c.deps.Blocks.ChangeBlockStatus(ctx, store.StatusChange{
		BlockExecutionID: h.exec.ID,
		Status:           next,
		At:               at,
		ItemsProcessed:   itemsProcessed,
	}); err != nil {
		return fmt.Errorf("set block execution %d to %s: %w", h.exec.ID, next, err)
	}
	h.exec = updated
	telemetry.BlockTransitions.WithLabelValues(string(h.block.Type()), string(next)).Inc()
	return nil
}

func (h *blockHandle) fail(ctx context.Context, reason string, itemsProcessed *int) error {
	msg := fmt.Sprintf("block %d failed: %s", h.block.ID, truncate(reason, h.c.cfg.MaxStatusReasonLength))
	if err := h.c.deps.Events.RecordEvent(ctx, domain.Event{
		TaskExecutionID: h.exec.TaskExecutionID,
		Type:            domain.EventError,
		Message:         msg,
		At:              h.c.now(),
	}); err != nil {
		return fmt.Errorf("record block failure: %w", err)
	}
	return h.transition(ctx, domain.BlockFailed, itemsProcessed)
}

// RangeBlock is a date or numeric range block.
type RangeBlock struct {
	*blockHandle
}

// DateRange returns the range of a date range block.
func (b *RangeBlock) DateRange() (domain.DateRange, bool) { return b.block.DateRange() }

// NumericRange returns the range of a numeric range block.
func (b *RangeBlock) NumericRange() (domain.NumericRange, bool) { return b.block.NumericRange() }

func (b *RangeBlock) Complete(ctx context.Context) error {
	return b.transition(ctx, domain.BlockCompleted, nil)
}

func (b *RangeBlock) Failed(ctx context.Context, reason string) error {
	return b.fail(ctx, reason, nil)
}

// ObjectBlock wraps a single payload.
type ObjectBlock struct {
	*blockHandle
}

// Decode unmarshals the block's payload into v.
func (b *ObjectBlock) Decode(v any) error {
	obj, ok := b.block.Object()
	if !ok {
		return fmt.Errorf("block %d is not an object block", b.block.ID)
	}
	return b.c.codec.Decode(obj.Payload, v)
}

func (b *ObjectBlock) Complete(ctx context.Context) error {
	return b.transition(ctx, domain.BlockCompleted, nil)
}

func (b *ObjectBlock) Failed(ctx context.Context, reason string) error {
	return b.fail(ctx, reason, nil)
}

// truncate shortens s to at most n runes. n <= 0 keeps s whole.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
