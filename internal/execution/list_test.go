package execution_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/execution"
	"github.com/ramiqadoumi/go-block-flow/internal/taskconfig"
)

func TestListBlock_FailedItemFailsBlock(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	c := e.start(t, taskConfig(func(cfg *taskconfig.TaskConfig) { cfg.MaxStatusReasonLength = 8 }))

	lists, err := c.GetListBlocks(ctx, execution.Values([]int{10, 20, 30}), nil, 3)
	require.NoError(t, err)
	require.Len(t, lists, 1)
	lb := lists[0]
	require.NoError(t, lb.Start(ctx))

	items, err := lb.Items(ctx)
	require.NoError(t, err)
	step := 2
	require.NoError(t, lb.ItemCompleted(ctx, items[0].ID))
	require.NoError(t, lb.ItemFailed(ctx, items[1].ID, "checksum mismatch", &step))

	require.NoError(t, lb.Complete(ctx))
	assert.Equal(t, domain.BlockFailed, lb.Status())

	failed, err := lb.Items(ctx, domain.ItemFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "checksum", failed[0].StatusReason, "reason truncated to the configured length")
	require.NotNil(t, failed[0].Step)
	assert.Equal(t, 2, *failed[0].Step)

	var v int
	require.NoError(t, failed[0].Decode(&v))
	assert.Equal(t, 20, v)

	execs, err := e.store.ListBlockExecutions(ctx, c.ExecutionID())
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.NotNil(t, execs[0].ItemsProcessed)
	assert.Equal(t, 2, *execs[0].ItemsProcessed)
}

func TestListBlock_CommitAtEnd(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	c := e.start(t, taskConfig())

	lists, err := c.GetListBlocks(ctx, execution.Values([]string{"x", "y"}), nil, 5,
		execution.WithItemCommit(execution.ItemCommitAtEnd, 0))
	require.NoError(t, err)
	lb := lists[0]

	items, err := lb.Items(ctx)
	require.NoError(t, err)
	for _, it := range items {
		require.NoError(t, lb.ItemCompleted(ctx, it.ID))
	}

	stored, err := e.store.ListItems(ctx, lb.BlockID(), domain.ItemPending)
	require.NoError(t, err)
	assert.Len(t, stored, 2, "outcomes are buffered until the block ends")

	require.NoError(t, lb.Complete(ctx))
	stored, err = e.store.ListItems(ctx, lb.BlockID(), domain.ItemCompleted)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Equal(t, domain.BlockCompleted, lb.Status())
}

func TestListBlock_CommitPeriodic(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	c := e.start(t, taskConfig())

	lists, err := c.GetListBlocks(ctx, execution.Values([]string{"a", "b", "c", "d", "e"}), nil, 5,
		execution.WithItemCommit(execution.ItemCommitPeriodic, 2))
	require.NoError(t, err)
	lb := lists[0]

	stored, err := e.store.ListItems(ctx, lb.BlockID())
	require.NoError(t, err)
	require.Len(t, stored, 5)

	require.NoError(t, lb.ItemCompleted(ctx, stored[0].ID))
	pending, err := e.store.ListItems(ctx, lb.BlockID(), domain.ItemPending)
	require.NoError(t, err)
	assert.Len(t, pending, 5)

	require.NoError(t, lb.ItemCompleted(ctx, stored[1].ID))
	pending, err = e.store.ListItems(ctx, lb.BlockID(), domain.ItemPending)
	require.NoError(t, err)
	assert.Len(t, pending, 3, "second outcome triggers the batch write")

	require.NoError(t, lb.ItemCompleted(ctx, stored[2].ID))
	require.NoError(t, lb.Flush(ctx))
	pending, err = e.store.ListItems(ctx, lb.BlockID(), domain.ItemPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestListBlock_Header(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	c := e.start(t, taskConfig())

	lists, err := c.GetListBlocks(ctx, execution.Values([]string{"only"}), nil, 1)
	require.NoError(t, err)

	var header struct{ Region string }
	ok, err := lists[0].Header(&header)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, errors.Is(lists[0].MustHeader(&header), execution.ErrNoHeader))
}

func TestListBlock_EmptyListRecordsCheckpoint(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	c := e.start(t, taskConfig())

	lists, err := c.GetListBlocks(ctx, nil, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, lists)

	events, err := e.store.ListEvents(ctx, c.ExecutionID())
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.Type == domain.EventCheckpoint && strings.Contains(ev.Message, "no list items") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestListBlock_LargeValuesCompressed(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	c := e.start(t, taskConfig(func(cfg *taskconfig.TaskConfig) { cfg.CompressionThreshold = 64 }))

	big := strings.Repeat("row,", 100)
	lists, err := c.GetListBlocks(ctx, execution.Values([]string{big, "small"}), nil, 2)
	require.NoError(t, err)

	items, err := lists[0].Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{big, "small"}, itemValues(t, items))
	assert.Less(t, len(items[0].Value), len(big), "large value stored compressed")
}
