package admission_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-block-flow/internal/admission"
	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/memstore"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type brokenTokens struct{}

var _ admission.TokenStore = brokenTokens{}
var _ admission.TokenStore = (*memstore.Tokens)(nil)

func (brokenTokens) Acquire(context.Context, int64, int64, int, time.Duration) (string, bool, error) {
	return "", false, errors.New("redis: connection refused")
}
func (brokenTokens) Renew(context.Context, int64, string, int64, time.Duration) error { return nil }
func (brokenTokens) Release(context.Context, int64, string, int64) error              { return nil }

// ── helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	store *memstore.Store
	ctrl  *admission.Controller
	def   domain.TaskDefinition
	now   time.Time
}

func newFixture(t *testing.T, tokens admission.TokenStore) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), now: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)}
	f.ctrl = admission.NewController(f.store, tokens, f.store,
		admission.WithClock(func() time.Time { return f.now }))

	def, err := f.store.EnsureTaskDefinition(context.Background(), "crm", "sync")
	require.NoError(t, err)
	f.def = def
	return f
}

func (f *fixture) request(limit int) admission.Request {
	return admission.Request{
		TaskDefinitionID:        f.def.ID,
		Task:                    "crm/sync",
		ConcurrencyLimit:        limit,
		Mode:                    domain.DeathModeKeepAlive,
		KeepAliveInterval:       time.Second,
		KeepAliveDeathThreshold: time.Minute,
		ReferenceValue:          "run-1",
		ServerName:              "host-a",
	}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestStartExecution_Granted(t *testing.T) {
	f := newFixture(t, memstore.NewTokens())
	ctx := context.Background()

	grant, err := f.ctrl.StartExecution(ctx, f.request(1))
	require.NoError(t, err)
	require.True(t, grant.Granted)
	assert.NotEmpty(t, grant.TokenID)

	exec, err := f.store.GetTaskExecution(ctx, grant.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, f.now, exec.StartedAt)
	assert.Equal(t, f.now, exec.LastKeepAlive)
	assert.Equal(t, grant.TokenID, exec.TokenID)
	assert.Equal(t, "run-1", exec.ReferenceValue)
	assert.Equal(t, "host-a", exec.ServerName)
	assert.False(t, exec.IsCompleted())
}

func TestStartExecution_DeniedCompletesAsBlocked(t *testing.T) {
	f := newFixture(t, memstore.NewTokens())
	ctx := context.Background()

	first, err := f.ctrl.StartExecution(ctx, f.request(1))
	require.NoError(t, err)
	require.True(t, first.Granted)

	second, err := f.ctrl.StartExecution(ctx, f.request(1))
	require.NoError(t, err, "denial is not an error")
	assert.False(t, second.Granted)
	assert.NotZero(t, second.ExecutionID)

	exec, err := f.store.GetTaskExecution(ctx, second.ExecutionID)
	require.NoError(t, err)
	assert.True(t, exec.IsCompleted())
	assert.True(t, exec.Blocked)
	assert.False(t, exec.Failed)

	events, err := f.store.ListEvents(ctx, second.ExecutionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventBlocked, events[0].Type)
}

func TestComplete_ReleasesToken(t *testing.T) {
	f := newFixture(t, memstore.NewTokens())
	ctx := context.Background()

	first, err := f.ctrl.StartExecution(ctx, f.request(1))
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Complete(ctx, admission.Completion{
		TaskDefinitionID: f.def.ID,
		Task:             "crm/sync",
		ExecutionID:      first.ExecutionID,
		TokenID:          first.TokenID,
		Failed:           true,
	}))

	exec, err := f.store.GetTaskExecution(ctx, first.ExecutionID)
	require.NoError(t, err)
	assert.True(t, exec.IsCompleted())
	assert.True(t, exec.Failed)

	next, err := f.ctrl.StartExecution(ctx, f.request(1))
	require.NoError(t, err)
	assert.True(t, next.Granted, "the released slot is free again")
}

func TestSendKeepAlive(t *testing.T) {
	f := newFixture(t, memstore.NewTokens())
	ctx := context.Background()

	grant, err := f.ctrl.StartExecution(ctx, f.request(2))
	require.NoError(t, err)

	f.now = f.now.Add(30 * time.Second)
	require.NoError(t, f.ctrl.SendKeepAlive(ctx, admission.KeepAlive{
		TaskDefinitionID: f.def.ID,
		ExecutionID:      grant.ExecutionID,
		TokenID:          grant.TokenID,
		TTL:              time.Minute,
	}))

	exec, err := f.store.GetTaskExecution(ctx, grant.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, f.now, exec.LastKeepAlive)

	err = f.ctrl.SendKeepAlive(ctx, admission.KeepAlive{
		TaskDefinitionID: f.def.ID,
		ExecutionID:      grant.ExecutionID,
		TokenID:          "slot-9",
		TTL:              time.Minute,
	})
	assert.Error(t, err, "renewing a token the run does not hold fails")
}

func TestStartExecution_TokenStoreError(t *testing.T) {
	f := newFixture(t, brokenTokens{})
	ctx := context.Background()

	_, err := f.ctrl.StartExecution(ctx, f.request(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStartExecution_UnlimitedConcurrency(t *testing.T) {
	f := newFixture(t, memstore.NewTokens())
	ctx := context.Background()

	for range 3 {
		grant, err := f.ctrl.StartExecution(ctx, f.request(0))
		require.NoError(t, err)
		assert.True(t, grant.Granted)
	}
}
