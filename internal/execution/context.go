// Package execution drives one run of a task: it asks admission control to
// start the run, keeps it alive, hands out blocks and completes it.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-block-flow/internal/admission"
	"github.com/ramiqadoumi/go-block-flow/internal/blocks"
	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/internal/taskconfig"
	"github.com/ramiqadoumi/go-block-flow/pkg/codec"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

// Admission grants, renews and ends execution tokens.
type Admission interface {
	StartExecution(ctx context.Context, req admission.Request) (admission.Grant, error)
	SendKeepAlive(ctx context.Context, ka admission.KeepAlive) error
	Complete(ctx context.Context, c admission.Completion) error
}

// CriticalSection serialises recovery across workers of one task definition.
type CriticalSection interface {
	TryStart(ctx context.Context, taskDefinitionID int64, holder string, timeout time.Duration, attempts int) (bool, error)
	Complete(ctx context.Context, taskDefinitionID int64, holder string) error
}

// Generator produces the blocks of one request.
type Generator interface {
	Generate(ctx context.Context, req blocks.Request) ([]blocks.Issued, error)
}

// Cleaner removes a task's expired data when its cleanup schedule is due.
type Cleaner interface {
	CleanIfDue(ctx context.Context, def domain.TaskDefinition, cfg taskconfig.TaskConfig) (bool, error)
}

// Dependencies are the collaborators of a Context. Cleaner is optional.
// CriticalSection is required only when dead or failed recovery is used.
type Dependencies struct {
	Tasks           store.TaskRepository
	Blocks          store.BlockRepository
	Events          store.EventSink
	Admission       Admission
	Generator       Generator
	CriticalSection CriticalSection
	Cleaner         Cleaner
}

type state int

const (
	stateNotStarted state = iota
	stateStarted
	stateCompleted
)

// Context is a single run of a task. It is not reusable: once completed,
// or once admission was denied, every further call except Complete fails
// with a *domain.UsageError.
type Context struct {
	cfg        taskconfig.TaskConfig
	deps       Dependencies
	codec      *codec.Codec
	now        func() time.Time
	logger     *slog.Logger
	serverName string
	holder     string
	tick       time.Duration

	mu     sync.Mutex
	state  state
	def    domain.TaskDefinition
	grant  admission.Grant
	failed bool
	daemon *KeepAliveDaemon
}

// Option configures a Context.
type Option func(*Context)

func WithClock(now func() time.Time) Option { return func(c *Context) { c.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(c *Context) { c.logger = l } }
func WithServerName(name string) Option     { return func(c *Context) { c.serverName = name } }

// WithKeepAliveTick overrides how often the keep-alive daemon wakes up.
func WithKeepAliveTick(d time.Duration) Option { return func(c *Context) { c.tick = d } }

// New constructs a Context for the task described by cfg.
func New(cfg taskconfig.TaskConfig, deps Dependencies, opts ...Option) *Context {
	host, _ := os.Hostname()
	c := &Context{
		cfg:        cfg,
		deps:       deps,
		codec:      codec.New(cfg.CompressionThreshold),
		now:        time.Now,
		logger:     slog.Default(),
		serverName: host,
		holder:     uuid.NewString(),
		tick:       DefaultTick,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("task", cfg.Task()))
	return c
}

// StartOption configures TryStart.
type StartOption func(*startOptions)

type startOptions struct {
	referenceValue string
	header         any
}

// WithReferenceValue groups this run with earlier runs of the same batch so
// their blocks can be reprocessed.
func WithReferenceValue(v string) StartOption {
	return func(o *startOptions) { o.referenceValue = v }
}

// WithHeader stores an encoded header on the run.
func WithHeader(v any) StartOption {
	return func(o *startOptions) { o.header = v }
}

// TryStart starts the run. It returns false without error when the task is
// disabled or no execution token is free. In keep-alive mode the daemon
// runs until Complete or until ctx is done, so ctx should live as long as
// the run.
func (c *Context) TryStart(ctx context.Context, opts ...StartOption) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateStarted:
		return false, &domain.UsageError{Op: "try start", Reason: "context already started"}
	case stateCompleted:
		return false, &domain.UsageError{Op: "try start", Reason: "context already completed"}
	}

	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}

	task := c.cfg.Task()
	if !c.cfg.Enabled {
		telemetry.ExecutionsDenied.WithLabelValues(task, "disabled").Inc()
		c.logger.Info("task disabled, not starting")
		return false, nil
	}

	def, err := c.deps.Tasks.EnsureTaskDefinition(ctx, c.cfg.Application, c.cfg.Name)
	if err != nil {
		return false, fmt.Errorf("ensure task definition %s: %w", task, err)
	}
	c.def = def

	if c.deps.Cleaner != nil {
		if _, err := c.deps.Cleaner.CleanIfDue(ctx, def, c.cfg); err != nil {
			c.logger.Warn("cleanup failed", slog.String("error", err.Error()))
		}
	}

	var header []byte
	if so.header != nil {
		if header, err = c.codec.Encode(so.header); err != nil {
			return false, fmt.Errorf("encode header: %w", err)
		}
	}

	grant, err := c.deps.Admission.StartExecution(ctx, admission.Request{
		TaskDefinitionID:        def.ID,
		Task:                    task,
		ConcurrencyLimit:        c.cfg.ConcurrencyLimit,
		Mode:                    c.cfg.DeathMode,
		KeepAliveInterval:       c.cfg.KeepAliveInterval,
		KeepAliveDeathThreshold: c.cfg.KeepAliveDeathThreshold,
		OverrideThreshold:       c.cfg.OverrideThreshold,
		ReferenceValue:          so.referenceValue,
		Header:                  header,
		ServerName:              c.serverName,
	})
	if err != nil {
		return false, fmt.Errorf("start execution of %s: %w", task, err)
	}
	if !grant.Granted {
		c.state = stateCompleted
		return false, nil
	}

	c.grant = grant
	c.state = stateStarted
	c.logger = c.logger.With(slog.Int64("task_execution_id", grant.ExecutionID))
	c.record(ctx, domain.EventStart, "")

	if c.cfg.DeathMode == domain.DeathModeKeepAlive {
		daemon := NewKeepAliveDaemon(keepAliveSender(c.deps.Admission, admission.KeepAlive{
			TaskDefinitionID: c.def.ID,
			Task:             task,
			ExecutionID:      grant.ExecutionID,
			TokenID:          grant.TokenID,
			TTL:              c.cfg.DeathTTL(),
		}), c.cfg.KeepAliveInterval,
			DaemonTick(c.tick),
			DaemonTask(task),
			DaemonLogger(c.logger),
		)
		c.daemon = daemon
		daemon.Start(ctx)

		// A run dropped without Complete must stop signalling so that it
		// can be found dead. The daemon never references c.
		logger := c.logger
		runtime.SetFinalizer(c, func(*Context) {
			logger.Warn("task execution abandoned without Complete, stopping keep-alive")
			go daemon.Stop()
		})
	}

	c.logger.Info("task execution started", slog.String("mode", string(c.cfg.DeathMode)))
	return true, nil
}

func keepAliveSender(a Admission, ka admission.KeepAlive) SendFunc {
	return func(ctx context.Context) error {
		return a.SendKeepAlive(ctx, ka)
	}
}

// Complete ends a started run: it stops the daemon, releases the token and
// records the accumulated failed flag. Calls on a context that is not
// started do nothing.
func (c *Context) Complete(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateStarted {
		return nil
	}
	c.state = stateCompleted
	if c.daemon != nil {
		runtime.SetFinalizer(c, nil)
		c.daemon.Stop()
	}

	err := c.deps.Admission.Complete(ctx, admission.Completion{
		TaskDefinitionID: c.def.ID,
		Task:             c.cfg.Task(),
		ExecutionID:      c.grant.ExecutionID,
		TokenID:          c.grant.TokenID,
		Failed:           c.failed,
	})
	c.record(ctx, domain.EventEnd, "")
	if err != nil {
		return fmt.Errorf("complete execution %d: %w", c.grant.ExecutionID, err)
	}
	c.logger.Info("task execution completed", slog.Bool("failed", c.failed))
	return nil
}

// Checkpoint records a diagnostic message against the run.
func (c *Context) Checkpoint(ctx context.Context, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireStarted("checkpoint"); err != nil {
		return err
	}
	return c.recordErr(ctx, domain.EventCheckpoint, msg)
}

// Error records an error message. With treatAsFailed the run is completed
// as failed.
func (c *Context) Error(ctx context.Context, msg string, treatAsFailed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireStarted("error"); err != nil {
		return err
	}
	if treatAsFailed {
		c.failed = true
	}
	return c.recordErr(ctx, domain.EventError, msg)
}

// ExecutionID is the id of the started run, or zero.
func (c *Context) ExecutionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grant.ExecutionID
}

// requireStarted must be called with mu held.
func (c *Context) requireStarted(op string) error {
	switch c.state {
	case stateNotStarted:
		return &domain.UsageError{Op: op, Reason: "context not started"}
	case stateCompleted:
		return &domain.UsageError{Op: op, Reason: "context already completed"}
	}
	return nil
}

func (c *Context) recordErr(ctx context.Context, typ domain.EventType, msg string) error {
	err := c.deps.Events.RecordEvent(ctx, domain.Event{
		TaskExecutionID: c.grant.ExecutionID,
		Type:            typ,
		Message:         msg,
		At:              c.now(),
	})
	if err != nil {
		return fmt.Errorf("record %s event: %w", typ, err)
	}
	return nil
}

// record is recordErr for lifecycle events whose failure must not abort the run.
func (c *Context) record(ctx context.Context, typ domain.EventType, msg string) {
	if err := c.recordErr(ctx, typ, msg); err != nil {
		c.logger.Warn("record event", slog.String("error", err.Error()))
	}
}
