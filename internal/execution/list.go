package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/pkg/codec"
)

// ItemCommitMode controls when list item outcomes reach storage.
type ItemCommitMode int

const (
	// ItemCommitSingle writes every outcome immediately.
	ItemCommitSingle ItemCommitMode = iota
	// ItemCommitPeriodic buffers outcomes and writes every Every of them.
	ItemCommitPeriodic
	// ItemCommitAtEnd buffers outcomes until the block completes or fails.
	ItemCommitAtEnd
)

// ItemCommit is an ItemCommitMode with its batch size.
type ItemCommit struct {
	Mode  ItemCommitMode
	Every int
}

// Item is one value of a list block.
type Item struct {
	domain.ListBlockItem
	codec *codec.Codec
}

// Decode unmarshals the item's value into v.
func (i Item) Decode(v any) error { return i.codec.Decode(i.Value, v) }

// ListBlock is a chunk of list items sharing one header. Item outcomes are
// tracked separately from the block status; completing a block with any
// failed item records the block as failed.
type ListBlock struct {
	*blockHandle
	commit ItemCommit

	pmu     sync.Mutex
	pending []store.ItemUpdate
}

// Header decodes the block's header into v. It reports false when the
// block has no header.
func (b *ListBlock) Header(v any) (bool, error) {
	list, ok := b.block.List()
	if !ok || len(list.Header) == 0 {
		return false, nil
	}
	if err := b.c.codec.Decode(list.Header, v); err != nil {
		return false, err
	}
	return true, nil
}

// Items returns the block's items, optionally only those in statuses.
// Buffered outcomes are written first.
func (b *ListBlock) Items(ctx context.Context, statuses ...domain.ItemStatus) ([]Item, error) {
	if err := b.Flush(ctx); err != nil {
		return nil, err
	}
	rows, err := b.c.deps.Blocks.ListItems(ctx, b.block.ID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("list items of block %d: %w", b.block.ID, err)
	}
	out := make([]Item, len(rows))
	for i, row := range rows {
		out[i] = Item{ListBlockItem: row, codec: b.c.codec}
	}
	return out, nil
}

// ItemCompleted records that the item was processed.
func (b *ListBlock) ItemCompleted(ctx context.Context, itemID int64) error {
	return b.update(ctx, store.ItemUpdate{ItemID: itemID, Status: domain.ItemCompleted, At: b.c.now()})
}

// ItemFailed records that the item could not be processed. step, when set,
// notes how far processing got.
func (b *ListBlock) ItemFailed(ctx context.Context, itemID int64, reason string, step *int) error {
	return b.update(ctx, store.ItemUpdate{
		ItemID: itemID,
		Status: domain.ItemFailed,
		Reason: truncate(reason, b.c.cfg.MaxStatusReasonLength),
		Step:   step,
		At:     b.c.now(),
	})
}

func (b *ListBlock) update(ctx context.Context, u store.ItemUpdate) error {
	b.pmu.Lock()
	b.pending = append(b.pending, u)
	due := b.commit.Mode == ItemCommitSingle ||
		(b.commit.Mode == ItemCommitPeriodic && len(b.pending) >= max(b.commit.Every, 1))
	b.pmu.Unlock()

	if !due {
		return nil
	}
	return b.Flush(ctx)
}

// Flush writes buffered item outcomes. On error the outcomes stay buffered.
func (b *ListBlock) Flush(ctx context.Context) error {
	b.pmu.Lock()
	defer b.pmu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	if err := b.c.deps.Blocks.UpdateItems(ctx, b.block.ID, b.pending); err != nil {
		return fmt.Errorf("update %d items of block %d: %w", len(b.pending), b.block.ID, err)
	}
	b.pending = nil
	return nil
}

// Complete flushes item outcomes and completes the block, or fails it when
// any item failed.
func (b *ListBlock) Complete(ctx context.Context) error {
	items, err := b.Items(ctx)
	if err != nil {
		return err
	}
	processed, failed := tally(items)
	if failed > 0 {
		return b.fail(ctx, fmt.Sprintf("%d of %d items failed", failed, len(items)), &processed)
	}
	return b.transition(ctx, domain.BlockCompleted, &processed)
}

// Failed flushes item outcomes and fails the block.
func (b *ListBlock) Failed(ctx context.Context, reason string) error {
	items, err := b.Items(ctx)
	if err != nil {
		return err
	}
	processed, _ := tally(items)
	return b.fail(ctx, reason, &processed)
}

// tally counts items that are no longer pending, and the failed ones among them.
func tally(items []Item) (processed, failed int) {
	for _, it := range items {
		switch it.Status {
		case domain.ItemCompleted:
			processed++
		case domain.ItemFailed:
			processed++
			failed++
		}
	}
	return processed, failed
}

// ErrNoHeader is returned by MustHeader when a block carries no header.
var ErrNoHeader = errors.New("list block has no header")

// MustHeader is Header for callers that require one.
func (b *ListBlock) MustHeader(v any) error {
	ok, err := b.Header(v)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoHeader
	}
	return nil
}
