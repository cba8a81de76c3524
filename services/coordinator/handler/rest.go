package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/recovery"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

const (
	defaultWindow     = 24 * time.Hour
	defaultRetryLimit = 3
)

// Store is the persistence the admin API reads and writes.
type Store interface {
	GetTaskDefinition(ctx context.Context, application, name string) (domain.TaskDefinition, error)
	GetTaskExecution(ctx context.Context, id int64) (domain.TaskExecution, error)
	EnqueueForcedBlock(ctx context.Context, blockID int64, forcedBy string) (domain.ForcedBlockQueueItem, error)
	ListBlockExecutions(ctx context.Context, taskExecutionID int64) ([]domain.BlockExecution, error)
}

// Finder looks up recoverable blocks.
type Finder interface {
	FindDeadBlocks(ctx context.Context, q recovery.Query) ([]recovery.Candidate, error)
	FindFailedBlocks(ctx context.Context, q recovery.Query) ([]recovery.Candidate, error)
}

// REST handles HTTP requests for the coordinator admin API.
type REST struct {
	store   Store
	finder  Finder
	checks  []telemetry.ReadyFunc
	enqueue []func(http.Handler) http.Handler
	now     func() time.Time
	logger  *slog.Logger
}

// NewREST creates a new REST handler. checks are run by Readyz.
func NewREST(store Store, finder Finder, logger *slog.Logger, checks ...telemetry.ReadyFunc) *REST {
	return &REST{store: store, finder: finder, checks: checks, now: time.Now, logger: logger}
}

// LimitEnqueue wraps the forced-block endpoint with mw, typically a rate
// limiter. Reads are not affected.
func (h *REST) LimitEnqueue(mw ...func(http.Handler) http.Handler) *REST {
	h.enqueue = append(h.enqueue, mw...)
	return h
}

// Routes mounts the /api/v1 endpoints on r.
func (h *REST) Routes(r chi.Router) {
	r.With(h.enqueue...).Post("/forced-blocks", h.ForceBlock)
	r.Get("/tasks/{application}/{task}/dead-blocks", h.DeadBlocks)
	r.Get("/tasks/{application}/{task}/failed-blocks", h.FailedBlocks)
	r.Get("/task-executions/{id}/blocks", h.ExecutionBlocks)
}

// ForceBlockRequest is the JSON body for POST /api/v1/forced-blocks.
type ForceBlockRequest struct {
	BlockID  int64  `json:"block_id"`
	ForcedBy string `json:"forced_by"`
}

// CandidateResponse is one entry of a dead- or failed-block listing.
type CandidateResponse struct {
	BlockID         int64                       `json:"block_id"`
	BlockType       domain.BlockType            `json:"block_type"`
	CreatedAt       time.Time                   `json:"created_at"`
	Attempt         int                         `json:"attempt"`
	Status          domain.BlockExecutionStatus `json:"status"`
	TaskExecutionID int64                       `json:"task_execution_id"`
	OwnerStartedAt  time.Time                   `json:"owner_started_at"`
}

// ForceBlock handles POST /api/v1/forced-blocks.
func (h *REST) ForceBlock(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer("coordinator").Start(r.Context(), "coordinator.force_block")
	defer span.End()

	var req ForceBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BlockID <= 0 {
		writeError(w, http.StatusBadRequest, "field 'block_id' must be positive")
		return
	}
	if strings.TrimSpace(req.ForcedBy) == "" {
		writeError(w, http.StatusBadRequest, "field 'forced_by' is required")
		return
	}
	span.SetAttributes(attribute.Int64("block.id", req.BlockID))

	item, err := h.store.EnqueueForcedBlock(ctx, req.BlockID, req.ForcedBy)
	if err != nil {
		var notFound *domain.BlockNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "block not found")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		h.logger.Error("failed to enqueue forced block",
			slog.Int64("block_id", req.BlockID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue block")
		return
	}

	telemetry.AdminForcedBlocks.Inc()
	h.logger.Info("block forced",
		slog.Int64("block_id", req.BlockID),
		slog.Int64("queue_item_id", item.ID),
		slog.String("forced_by", req.ForcedBy),
	)
	writeJSON(w, http.StatusCreated, item)
}

// DeadBlocks handles GET /api/v1/tasks/{application}/{task}/dead-blocks.
func (h *REST) DeadBlocks(w http.ResponseWriter, r *http.Request) {
	h.listCandidates(w, r, recovery.KindDead)
}

// FailedBlocks handles GET /api/v1/tasks/{application}/{task}/failed-blocks.
func (h *REST) FailedBlocks(w http.ResponseWriter, r *http.Request) {
	h.listCandidates(w, r, recovery.KindFailed)
}

func (h *REST) listCandidates(w http.ResponseWriter, r *http.Request, kind recovery.Kind) {
	ctx := r.Context()
	application, task := chi.URLParam(r, "application"), chi.URLParam(r, "task")

	q, msg := h.parseQuery(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	def, err := h.store.GetTaskDefinition(ctx, application, task)
	if err != nil {
		var notFound *domain.TaskDefinitionNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("failed to load task definition",
			slog.String("task", telemetry.TaskLabel(application, task)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	q.TaskDefinitionID = def.ID

	find := h.finder.FindFailedBlocks
	if kind == recovery.KindDead {
		find = h.finder.FindDeadBlocks
	}
	found, err := find(ctx, q)
	if err != nil {
		h.logger.Error("failed to find blocks",
			slog.String("kind", string(kind)),
			slog.String("task", telemetry.TaskLabel(application, task)),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to find blocks")
		return
	}

	resp := make([]CandidateResponse, 0, len(found))
	for _, c := range found {
		resp = append(resp, CandidateResponse{
			BlockID:         c.Block.ID,
			BlockType:       c.Block.Type(),
			CreatedAt:       c.Block.CreatedAt,
			Attempt:         c.Execution.Attempt,
			Status:          c.Execution.Status,
			TaskExecutionID: c.Owner.ID,
			OwnerStartedAt:  c.Owner.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseQuery reads block_type, window, retry_limit and limit. A non-empty
// string is a client error message.
func (h *REST) parseQuery(r *http.Request) (recovery.Query, string) {
	values := r.URL.Query()

	blockType := domain.BlockType(values.Get("block_type"))
	if !blockType.Valid() {
		return recovery.Query{}, "query 'block_type' must be a known block type"
	}

	window := defaultWindow
	if s := values.Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return recovery.Query{}, "query 'window' must be a positive duration"
		}
		window = d
	}

	retryLimit := defaultRetryLimit
	if s := values.Get("retry_limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return recovery.Query{}, "query 'retry_limit' must be a non-negative integer"
		}
		retryLimit = n
	}

	var limit int
	if s := values.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return recovery.Query{}, "query 'limit' must be a non-negative integer"
		}
		limit = n
	}

	begin, end := recovery.Window(h.now(), window)
	return recovery.Query{
		BlockType:   blockType,
		WindowBegin: begin,
		WindowEnd:   end,
		RetryLimit:  retryLimit,
		Limit:       limit,
	}, ""
}

// ExecutionBlocks handles GET /api/v1/task-executions/{id}/blocks.
func (h *REST) ExecutionBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "task execution ID must be a positive integer")
		return
	}

	if _, err := h.store.GetTaskExecution(ctx, id); err != nil {
		var notFound *domain.TaskExecutionNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task execution not found")
			return
		}
		h.logger.Error("failed to load task execution", slog.Int64("task_execution_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load task execution")
		return
	}

	execs, err := h.store.ListBlockExecutions(ctx, id)
	if err != nil {
		h.logger.Error("failed to list block executions", slog.Int64("task_execution_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list block executions")
		return
	}
	if execs == nil {
		execs = []domain.BlockExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and fails on the first unreachable dependency.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := telemetry.CheckAll(r.Context(), h.checks...); err != nil {
		h.logger.Warn("readiness check failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "dependencies not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
