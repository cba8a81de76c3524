package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/memstore"
	"github.com/ramiqadoumi/go-block-flow/internal/recovery"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
)

type fixture struct {
	store *memstore.Store
	def   domain.TaskDefinition
	exec  domain.TaskExecution
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	f.store = memstore.New(memstore.WithClock(func() time.Time { return f.clock }))

	ctx := context.Background()
	def, err := f.store.EnsureTaskDefinition(ctx, "billing", "export")
	require.NoError(t, err)
	f.def = def

	f.exec = domain.TaskExecution{
		TaskDefinitionID:  def.ID,
		StartedAt:         f.clock,
		LastKeepAlive:     f.clock,
		Mode:              domain.DeathModeOverride,
		OverrideThreshold: time.Hour,
		ReferenceValue:    "batch-1",
	}
	require.NoError(t, f.store.CreateTaskExecution(ctx, &f.exec))
	return f
}

func listBlock(items ...string) domain.NewBlock {
	nb := domain.NewBlock{Shape: domain.List{Header: []byte("hdr")}}
	for _, it := range items {
		nb.Items = append(nb.Items, []byte(it))
	}
	return nb
}

func TestEnsureTaskDefinition_Idempotent(t *testing.T) {
	f := newFixture(t)
	again, err := f.store.EnsureTaskDefinition(context.Background(), "billing", "export")
	require.NoError(t, err)
	assert.Equal(t, f.def.ID, again.ID)

	_, err = f.store.GetTaskDefinition(context.Background(), "billing", "import")
	var notFound *domain.TaskDefinitionNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestCreateBlocks_IssuesFirstAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{
		listBlock("a", "b"),
		listBlock("c"),
	})
	require.NoError(t, err)
	require.Len(t, issued, 2)

	for _, ib := range issued {
		assert.Equal(t, 1, ib.Execution.Attempt)
		assert.Equal(t, domain.BlockNotStarted, ib.Execution.Status)
		assert.Equal(t, f.exec.ID, ib.Execution.TaskExecutionID)
	}

	items, err := f.store.ListItems(ctx, issued[0].Block.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", string(items[0].Value))
	assert.Equal(t, domain.ItemPending, items[0].Status)
}

func TestCreateBlocks_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{
		listBlock("a"),
		{Shape: nil},
	})
	require.Error(t, err)

	execs, err := f.store.ListBlockExecutions(ctx, f.exec.ID)
	require.NoError(t, err)
	assert.Empty(t, execs, "a failed call must not leave executions behind")
}

func TestReissueBlocks_IncrementsAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{{Shape: domain.NumericRange{From: 0, To: 10}}})
	require.NoError(t, err)
	blockID := issued[0].Block.ID

	again, err := f.store.ReissueBlocks(ctx, f.exec.ID, []int64{blockID})
	require.NoError(t, err)
	assert.Equal(t, 2, again[0].Execution.Attempt)

	again, err = f.store.ReissueBlocks(ctx, f.exec.ID, []int64{blockID})
	require.NoError(t, err)
	assert.Equal(t, 3, again[0].Execution.Attempt)

	_, err = f.store.ReissueBlocks(ctx, f.exec.ID, []int64{blockID, 9999})
	var notFound *domain.BlockNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestChangeBlockStatus_GuardsTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{{Shape: domain.NumericRange{From: 0, To: 10}}})
	require.NoError(t, err)
	execID := issued[0].Execution.ID

	require.NoError(t, f.store.ChangeBlockStatus(ctx, store.StatusChange{BlockExecutionID: execID, Status: domain.BlockStarted, At: f.clock}))
	require.NoError(t, f.store.ChangeBlockStatus(ctx, store.StatusChange{BlockExecutionID: execID, Status: domain.BlockCompleted, At: f.clock}))

	err = f.store.ChangeBlockStatus(ctx, store.StatusChange{BlockExecutionID: execID, Status: domain.BlockFailed, At: f.clock})
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))

	execs, err := f.store.ListBlockExecutions(ctx, f.exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BlockCompleted, execs[0].Status)
}

func TestForcedQueue_ClaimedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{listBlock("x", "y")})
	require.NoError(t, err)
	blockID := issued[0].Block.ID

	item, err := f.store.EnqueueForcedBlock(ctx, blockID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ForcedPending, item.Status)
	assert.Equal(t, f.def.ID, item.TaskDefinitionID)

	pending, err := f.store.PendingForcedBlocks(ctx, f.def.ID, domain.BlockTypeList, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, item.ID, pending[0].QueueItemID)

	got, err := f.store.IssueBlocks(ctx, store.IssueBatch{
		TaskDefinitionID: f.def.ID,
		TaskExecutionID:  f.exec.ID,
		Forced:           []int64{item.ID},
	})
	require.NoError(t, err)
	require.Len(t, got.Forced, 1)
	assert.Equal(t, 2, got.Forced[0].Execution.Attempt)

	got, err = f.store.IssueBlocks(ctx, store.IssueBatch{
		TaskDefinitionID: f.def.ID,
		TaskExecutionID:  f.exec.ID,
		Forced:           []int64{item.ID},
	})
	require.NoError(t, err)
	assert.Empty(t, got.Forced, "a claimed item is skipped")
}

func TestIssueBlocks_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{listBlock("x")})
	require.NoError(t, err)
	item, err := f.store.EnqueueForcedBlock(ctx, issued[0].Block.ID, "ops")
	require.NoError(t, err)

	_, err = f.store.IssueBlocks(ctx, store.IssueBatch{
		TaskDefinitionID: f.def.ID,
		TaskExecutionID:  f.exec.ID,
		Forced:           []int64{item.ID},
		Failed:           []int64{9999},
	})
	var notFound *domain.BlockNotFoundError
	require.True(t, errors.As(err, &notFound))

	execs, err := f.store.ListBlockExecutions(ctx, f.exec.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 1, "only the original execution")
	pending, err := f.store.PendingForcedBlocks(ctx, f.def.ID, domain.BlockTypeList, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestForcedQueue_TypeMismatchLeavesQueueUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{listBlock("x")})
	require.NoError(t, err)
	_, err = f.store.EnqueueForcedBlock(ctx, issued[0].Block.ID, "ops")
	require.NoError(t, err)

	_, err = f.store.PendingForcedBlocks(ctx, f.def.ID, domain.BlockTypeObject, 0)
	var mismatch *domain.BlockTypeMismatchError
	require.True(t, errors.As(err, &mismatch))

	got, err := f.store.PendingForcedBlocks(ctx, f.def.ID, domain.BlockTypeList, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFindBlocksForReprocess_Scope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{
		{Shape: domain.NumericRange{From: 0, To: 10}},
		{Shape: domain.NumericRange{From: 10, To: 20}},
		{Shape: domain.NumericRange{From: 20, To: 30}},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.ChangeBlockStatus(ctx, store.StatusChange{BlockExecutionID: issued[0].Execution.ID, Status: domain.BlockCompleted, At: f.clock}))
	require.NoError(t, f.store.ChangeBlockStatus(ctx, store.StatusChange{BlockExecutionID: issued[1].Execution.ID, Status: domain.BlockFailed, At: f.clock}))

	all, err := f.store.FindBlocksForReprocess(ctx, store.ReprocessQuery{TaskDefinitionID: f.def.ID, ReferenceValue: "batch-1", Scope: store.ReprocessAll})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pending, err := f.store.FindBlocksForReprocess(ctx, store.ReprocessQuery{TaskDefinitionID: f.def.ID, ReferenceValue: "batch-1", Scope: store.ReprocessPendingOrFailed})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, issued[1].Block.ID, pending[0].ID)
	assert.Equal(t, issued[2].Block.ID, pending[1].ID)

	none, err := f.store.FindBlocksForReprocess(ctx, store.ReprocessQuery{TaskDefinitionID: f.def.ID, ReferenceValue: "other", Scope: store.ReprocessAll})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFindCandidates_UsesLatestExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{{Shape: domain.NumericRange{From: 0, To: 10}}})
	require.NoError(t, err)
	require.NoError(t, f.store.ChangeBlockStatus(ctx, store.StatusChange{BlockExecutionID: issued[0].Execution.ID, Status: domain.BlockFailed, At: f.clock}))

	c := recovery.Criteria{
		Query: recovery.Query{
			TaskDefinitionID: f.def.ID,
			BlockType:        domain.BlockTypeNumericRange,
			WindowBegin:      f.clock.Add(-time.Hour),
			WindowEnd:        f.clock.Add(time.Hour),
			RetryLimit:       3,
		},
		Kind: recovery.KindFailed,
		Now:  f.clock,
	}
	got, err := f.store.FindCandidates(ctx, c)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, issued[0].Block.ID, got[0].Block.ID)

	_, err = f.store.ReissueBlocks(ctx, f.exec.ID, []int64{issued[0].Block.ID})
	require.NoError(t, err)
	got, err = f.store.FindCandidates(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, got, "the reissued NOT_STARTED attempt is now current")
}

func TestUpdateItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{listBlock("a", "b", "c")})
	require.NoError(t, err)
	blockID := issued[0].Block.ID
	items, err := f.store.ListItems(ctx, blockID)
	require.NoError(t, err)

	step := 2
	require.NoError(t, f.store.UpdateItems(ctx, blockID, []store.ItemUpdate{
		{ItemID: items[0].ID, Status: domain.ItemCompleted, At: f.clock},
		{ItemID: items[1].ID, Status: domain.ItemFailed, Reason: "bad row", Step: &step, At: f.clock},
	}))

	failed, err := f.store.ListItems(ctx, blockID, domain.ItemFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad row", failed[0].StatusReason)
	assert.Equal(t, 2, *failed[0].Step)

	pending, err := f.store.ListItems(ctx, blockID, domain.ItemPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c", string(pending[0].Value))

	err = f.store.UpdateItems(ctx, blockID, []store.ItemUpdate{{ItemID: 424242, Status: domain.ItemCompleted}})
	assert.Error(t, err)
}

func TestDeleteExecutionsBefore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateBlocks(ctx, f.def.ID, f.exec.ID, []domain.NewBlock{listBlock("a")})
	require.NoError(t, err)
	require.NoError(t, f.store.RecordEvent(ctx, domain.Event{TaskExecutionID: f.exec.ID, Type: domain.EventStart, At: f.clock}))

	n, err := f.store.DeleteExecutionsBefore(ctx, f.def.ID, f.clock)
	require.NoError(t, err)
	assert.Zero(t, n, "cutoff equal to start time keeps the execution")

	f.clock = f.clock.Add(48 * time.Hour)
	n, err = f.store.DeleteExecutionsBefore(ctx, f.def.ID, f.clock.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.store.GetTaskExecution(ctx, f.exec.ID)
	var notFound *domain.TaskExecutionNotFoundError
	assert.True(t, errors.As(err, &notFound))

	events, err := f.store.ListEvents(ctx, f.exec.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCompleteTaskExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.RecordKeepAlive(ctx, f.exec.ID, f.clock.Add(time.Minute)))
	require.NoError(t, f.store.CompleteTaskExecution(ctx, f.exec.ID, store.Completion{At: f.clock.Add(2 * time.Minute), Failed: true}))

	got, err := f.store.GetTaskExecution(ctx, f.exec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsCompleted())
	assert.True(t, got.Failed)
	assert.Equal(t, f.clock.Add(time.Minute), got.LastKeepAlive)
}
