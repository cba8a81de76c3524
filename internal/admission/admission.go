// Package admission limits how many executions of a task may run at once.
// Each granted run holds one execution token. A token expires unless the run
// renews it, so a crashed run frees its slot after its death threshold.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

const deniedMessage = "no execution token available"

// TokenStore holds the execution token slots of every task definition.
// A limit of zero or less grants without holding a slot.
type TokenStore interface {
	Acquire(ctx context.Context, taskDefinitionID, executionID int64, limit int, ttl time.Duration) (token string, ok bool, err error)
	Renew(ctx context.Context, taskDefinitionID int64, token string, executionID int64, ttl time.Duration) error
	Release(ctx context.Context, taskDefinitionID int64, token string, executionID int64) error
}

// Request asks to start one run of a task.
type Request struct {
	TaskDefinitionID int64
	// Task labels metrics.
	Task                    string
	ConcurrencyLimit        int
	Mode                    domain.DeathMode
	KeepAliveInterval       time.Duration
	KeepAliveDeathThreshold time.Duration
	OverrideThreshold       time.Duration
	ReferenceValue          string
	Header                  []byte
	ServerName              string
}

func (r Request) ttl() time.Duration {
	if r.Mode == domain.DeathModeOverride {
		return r.OverrideThreshold
	}
	return r.KeepAliveDeathThreshold
}

// Grant is the outcome of a start request. A denied run still has an
// ExecutionID: its row is recorded and completed as blocked.
type Grant struct {
	Granted     bool
	ExecutionID int64
	TokenID     string
	StartedAt   time.Time
}

// KeepAlive identifies the run whose liveness is being signalled.
type KeepAlive struct {
	TaskDefinitionID int64
	Task             string
	ExecutionID      int64
	TokenID          string
	TTL              time.Duration
}

// Completion ends a granted run and frees its token.
type Completion struct {
	TaskDefinitionID int64
	Task             string
	ExecutionID      int64
	TokenID          string
	Failed           bool
}

// Controller records task execution rows and guards them with tokens.
type Controller struct {
	tasks  store.TaskRepository
	tokens TokenStore
	events store.EventSink
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(c *Controller) { c.logger = l } }

// NewController constructs a Controller.
func NewController(tasks store.TaskRepository, tokens TokenStore, events store.EventSink, opts ...Option) *Controller {
	c := &Controller{
		tasks:  tasks,
		tokens: tokens,
		events: events,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartExecution inserts the run and tries to take a token for it. When no
// token is free the run is completed as blocked and Granted is false.
func (c *Controller) StartExecution(ctx context.Context, req Request) (Grant, error) {
	ctx, span := telemetry.Tracer("admission").Start(ctx, "admission.start_execution")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task_definition.id", req.TaskDefinitionID),
		attribute.Int("concurrency_limit", req.ConcurrencyLimit),
	)

	now := c.now()
	exec := domain.TaskExecution{
		TaskDefinitionID:        req.TaskDefinitionID,
		StartedAt:               now,
		LastKeepAlive:           now,
		Mode:                    req.Mode,
		KeepAliveInterval:       req.KeepAliveInterval,
		KeepAliveDeathThreshold: req.KeepAliveDeathThreshold,
		OverrideThreshold:       req.OverrideThreshold,
		ReferenceValue:          req.ReferenceValue,
		Header:                  req.Header,
		ServerName:              req.ServerName,
	}
	if err := c.tasks.CreateTaskExecution(ctx, &exec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create task execution failed")
		return Grant{}, fmt.Errorf("create task execution: %w", err)
	}
	span.SetAttributes(attribute.Int64("task_execution.id", exec.ID))

	token, ok, err := c.tokens.Acquire(ctx, req.TaskDefinitionID, exec.ID, req.ConcurrencyLimit, req.ttl())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire token failed")
		c.abandon(ctx, exec.ID, false)
		return Grant{}, fmt.Errorf("acquire execution token for task definition %d: %w", req.TaskDefinitionID, err)
	}
	if !ok {
		telemetry.ExecutionsDenied.WithLabelValues(req.Task, "no_token").Inc()
		c.abandon(ctx, exec.ID, true)
		c.logger.Info("execution denied",
			slog.String("task", req.Task),
			slog.Int64("task_execution_id", exec.ID),
			slog.Int("concurrency_limit", req.ConcurrencyLimit),
		)
		return Grant{ExecutionID: exec.ID, StartedAt: now}, nil
	}

	if err := c.tasks.SetExecutionToken(ctx, exec.ID, token); err != nil {
		_ = c.tokens.Release(context.WithoutCancel(ctx), req.TaskDefinitionID, token, exec.ID)
		c.abandon(ctx, exec.ID, false)
		return Grant{}, fmt.Errorf("record execution token %d: %w", exec.ID, err)
	}

	telemetry.ExecutionsStarted.WithLabelValues(req.Task).Inc()
	return Grant{Granted: true, ExecutionID: exec.ID, TokenID: token, StartedAt: now}, nil
}

// abandon completes a run that never got going. Failures are only logged
// because the caller already has an error or a denial to report.
func (c *Controller) abandon(ctx context.Context, executionID int64, blocked bool) {
	ctx = context.WithoutCancel(ctx)
	at := c.now()
	if err := c.tasks.CompleteTaskExecution(ctx, executionID, store.Completion{At: at, Failed: !blocked, Blocked: blocked}); err != nil {
		c.logger.Error("complete abandoned execution",
			slog.Int64("task_execution_id", executionID),
			slog.String("error", err.Error()),
		)
	}
	if !blocked {
		return
	}
	if err := c.events.RecordEvent(ctx, domain.Event{
		TaskExecutionID: executionID,
		Type:            domain.EventBlocked,
		Message:         deniedMessage,
		At:              at,
	}); err != nil {
		c.logger.Warn("record blocked event",
			slog.Int64("task_execution_id", executionID),
			slog.String("error", err.Error()),
		)
	}
}

// SendKeepAlive stamps the run's last keep-alive and extends its token.
func (c *Controller) SendKeepAlive(ctx context.Context, ka KeepAlive) error {
	if err := c.tasks.RecordKeepAlive(ctx, ka.ExecutionID, c.now()); err != nil {
		return fmt.Errorf("record keep-alive %d: %w", ka.ExecutionID, err)
	}
	if err := c.tokens.Renew(ctx, ka.TaskDefinitionID, ka.TokenID, ka.ExecutionID, ka.TTL); err != nil {
		return fmt.Errorf("renew execution token %d: %w", ka.ExecutionID, err)
	}
	return nil
}

// Complete records the run's completion and releases its token. The token
// is released even when the completion write fails.
func (c *Controller) Complete(ctx context.Context, comp Completion) error {
	writeErr := c.tasks.CompleteTaskExecution(ctx, comp.ExecutionID, store.Completion{At: c.now(), Failed: comp.Failed})
	releaseErr := c.tokens.Release(context.WithoutCancel(ctx), comp.TaskDefinitionID, comp.TokenID, comp.ExecutionID)

	if writeErr != nil {
		return fmt.Errorf("complete task execution %d: %w", comp.ExecutionID, writeErr)
	}
	if releaseErr != nil {
		return fmt.Errorf("release execution token %d: %w", comp.ExecutionID, releaseErr)
	}

	outcome := "ok"
	if comp.Failed {
		outcome = "failed"
	}
	telemetry.ExecutionsCompleted.WithLabelValues(comp.Task, outcome).Inc()
	return nil
}
