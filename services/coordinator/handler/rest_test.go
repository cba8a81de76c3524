package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/memstore"
	"github.com/ramiqadoumi/go-block-flow/internal/recovery"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-block-flow/services/coordinator/handler"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type failingStore struct{ err error }

func (f failingStore) GetTaskDefinition(context.Context, string, string) (domain.TaskDefinition, error) {
	return domain.TaskDefinition{}, f.err
}

func (f failingStore) GetTaskExecution(context.Context, int64) (domain.TaskExecution, error) {
	return domain.TaskExecution{}, f.err
}

func (f failingStore) EnqueueForcedBlock(context.Context, int64, string) (domain.ForcedBlockQueueItem, error) {
	return domain.ForcedBlockQueueItem{}, f.err
}

func (f failingStore) ListBlockExecutions(context.Context, int64) ([]domain.BlockExecution, error) {
	return nil, f.err
}

var (
	_ handler.Store  = failingStore{}
	_ handler.Store  = (*memstore.Store)(nil)
	_ handler.Finder = (*recovery.Finder)(nil)
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	store  *memstore.Store
	router http.Handler
	def    domain.TaskDefinition
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, checks ...telemetry.ReadyFunc) *fixture {
	t.Helper()
	st := memstore.New()
	def, err := st.EnsureTaskDefinition(context.Background(), "billing", "invoices")
	require.NoError(t, err)

	h := handler.NewREST(st, recovery.NewFinder(st), discard(), checks...)
	r := chi.NewRouter()
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", h.Routes)
	return &fixture{store: st, router: r, def: def}
}

// issue creates one execution started a minute ago with n numeric blocks.
func (f *fixture) issue(t *testing.T, n int, mode domain.DeathMode) (domain.TaskExecution, []domain.IssuedBlock) {
	t.Helper()
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	exec := domain.TaskExecution{
		TaskDefinitionID:        f.def.ID,
		StartedAt:               started,
		LastKeepAlive:           started,
		Mode:                    mode,
		KeepAliveInterval:       time.Second,
		KeepAliveDeathThreshold: 5 * time.Second,
		OverrideThreshold:       time.Hour,
	}
	require.NoError(t, f.store.CreateTaskExecution(ctx, &exec))

	blocks := make([]domain.NewBlock, n)
	for i := range n {
		r, err := domain.NewNumericRange(int64(i*10), int64(i*10+10))
		require.NoError(t, err)
		blocks[i] = domain.NewBlock{Shape: r}
	}
	issued, err := f.store.CreateBlocks(ctx, f.def.ID, exec.ID, blocks)
	require.NoError(t, err)
	return exec, issued
}

func (f *fixture) setStatus(t *testing.T, b domain.IssuedBlock, statuses ...domain.BlockExecutionStatus) {
	t.Helper()
	for _, s := range statuses {
		require.NoError(t, f.store.ChangeBlockStatus(context.Background(), store.StatusChange{
			BlockExecutionID: b.Execution.ID, Status: s, At: time.Now(),
		}))
	}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

// ── forced blocks ────────────────────────────────────────────────────────────

func TestForceBlock_Created(t *testing.T) {
	f := newFixture(t)
	_, issued := f.issue(t, 1, domain.DeathModeOverride)

	rec := f.do(http.MethodPost, "/api/v1/forced-blocks",
		handler.ForceBlockRequest{BlockID: issued[0].Block.ID, ForcedBy: "ops"})

	require.Equal(t, http.StatusCreated, rec.Code)
	var item domain.ForcedBlockQueueItem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&item))
	assert.Equal(t, issued[0].Block.ID, item.BlockID)
	assert.Equal(t, domain.ForcedPending, item.Status)
	assert.Equal(t, "ops", item.ForcedBy)
}

func TestForceBlock_Validation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body any
		want string
	}{
		{"not json", "nope", "invalid request body"},
		{"missing block", handler.ForceBlockRequest{ForcedBy: "ops"}, "field 'block_id' must be positive"},
		{"missing forced_by", handler.ForceBlockRequest{BlockID: 7}, "field 'forced_by' is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/v1/forced-blocks", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.want, decodeError(t, rec))
		})
	}
}

func TestForceBlock_UnknownBlock(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/forced-blocks", handler.ForceBlockRequest{BlockID: 999, ForcedBy: "ops"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForceBlock_StoreError(t *testing.T) {
	h := handler.NewREST(failingStore{err: errors.New("db down")}, nil, discard())
	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)

	body, _ := json.Marshal(handler.ForceBlockRequest{BlockID: 1, ForcedBy: "ops"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/forced-blocks", bytes.NewReader(body)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// ── recovery listings ────────────────────────────────────────────────────────

func TestFailedBlocks(t *testing.T) {
	f := newFixture(t)
	_, issued := f.issue(t, 3, domain.DeathModeOverride)
	f.setStatus(t, issued[0], domain.BlockStarted, domain.BlockFailed)
	f.setStatus(t, issued[1], domain.BlockStarted, domain.BlockCompleted)

	rec := f.do(http.MethodGet, "/api/v1/tasks/billing/invoices/failed-blocks?block_type=NUMERIC_RANGE", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []handler.CandidateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, issued[0].Block.ID, got[0].BlockID)
	assert.Equal(t, domain.BlockFailed, got[0].Status)
	assert.Equal(t, domain.BlockTypeNumericRange, got[0].BlockType)
}

func TestFailedBlocks_RetryLimitExhausted(t *testing.T) {
	f := newFixture(t)
	_, issued := f.issue(t, 1, domain.DeathModeOverride)
	f.setStatus(t, issued[0], domain.BlockFailed)

	rec := f.do(http.MethodGet, "/api/v1/tasks/billing/invoices/failed-blocks?block_type=NUMERIC_RANGE&retry_limit=0", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestDeadBlocks(t *testing.T) {
	f := newFixture(t)
	// Keep-alive owner whose last heartbeat is a minute old against a 5s threshold.
	_, issued := f.issue(t, 2, domain.DeathModeKeepAlive)
	f.setStatus(t, issued[0], domain.BlockStarted)
	f.setStatus(t, issued[1], domain.BlockCompleted)

	rec := f.do(http.MethodGet, "/api/v1/tasks/billing/invoices/dead-blocks?block_type=NUMERIC_RANGE&window=1h&limit=10", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []handler.CandidateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, issued[0].Block.ID, got[0].BlockID)
	assert.Equal(t, domain.BlockStarted, got[0].Status)
}

func TestDeadBlocks_OutsideWindow(t *testing.T) {
	f := newFixture(t)
	_, issued := f.issue(t, 1, domain.DeathModeKeepAlive)
	f.setStatus(t, issued[0], domain.BlockStarted)

	rec := f.do(http.MethodGet, "/api/v1/tasks/billing/invoices/dead-blocks?block_type=NUMERIC_RANGE&window=10s", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestRecoveryListing_BadQuery(t *testing.T) {
	f := newFixture(t)

	cases := map[string]string{
		"":                                "query 'block_type' must be a known block type",
		"?block_type=CIRCLE":              "query 'block_type' must be a known block type",
		"?block_type=LIST&window=soon":    "query 'window' must be a positive duration",
		"?block_type=LIST&window=-1h":     "query 'window' must be a positive duration",
		"?block_type=LIST&retry_limit=-1": "query 'retry_limit' must be a non-negative integer",
		"?block_type=LIST&limit=many":     "query 'limit' must be a non-negative integer",
	}
	for query, want := range cases {
		t.Run(query, func(t *testing.T) {
			rec := f.do(http.MethodGet, "/api/v1/tasks/billing/invoices/failed-blocks"+query, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, want, decodeError(t, rec))
		})
	}
}

func TestRecoveryListing_UnknownTask(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/tasks/billing/nope/dead-blocks?block_type=LIST", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ── execution blocks ─────────────────────────────────────────────────────────

func TestExecutionBlocks(t *testing.T) {
	f := newFixture(t)
	exec, issued := f.issue(t, 2, domain.DeathModeOverride)

	rec := f.do(http.MethodGet, "/api/v1/task-executions/"+strconv.FormatInt(exec.ID, 10)+"/blocks", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []domain.BlockExecution
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, issued[0].Execution.ID, got[0].ID)
	assert.Equal(t, domain.BlockNotStarted, got[0].Status)
}

func TestExecutionBlocks_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/task-executions/abc/blocks", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/task-executions/424242/blocks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ── probes ───────────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("redis down") }

	rec := newFixture(t, ok).do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = newFixture(t, ok, down).do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLimitEnqueue_OnlyWrapsForcedBlocks(t *testing.T) {
	st := memstore.New()
	_, err := st.EnsureTaskDefinition(context.Background(), "billing", "invoices")
	require.NoError(t, err)

	reject := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	h := handler.NewREST(st, recovery.NewFinder(st), discard()).LimitEnqueue(reject)
	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/forced-blocks", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/billing/invoices/failed-blocks?block_type=LIST", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
