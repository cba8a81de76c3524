package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-block-flow/internal/blocks"
	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

// BlockOption adjusts one block request. Recovery defaults come from the
// task configuration.
type BlockOption func(*generation)

type generation struct {
	failed    blocks.RecoveryOptions
	dead      blocks.RecoveryOptions
	reprocess *blocks.ReprocessOptions
	maxBlocks int
	commit    ItemCommit
}

// WithFailedRecovery reissues failed blocks of runs started within lookback.
func WithFailedRecovery(lookback time.Duration, retryLimit int) BlockOption {
	return func(g *generation) {
		g.failed = blocks.RecoveryOptions{Enabled: true, Lookback: lookback, RetryLimit: retryLimit}
	}
}

// WithDeadRecovery reissues blocks of dead runs started within lookback.
func WithDeadRecovery(lookback time.Duration, retryLimit int) BlockOption {
	return func(g *generation) {
		g.dead = blocks.RecoveryOptions{Enabled: true, Lookback: lookback, RetryLimit: retryLimit}
	}
}

// WithoutRecovery disables the configured dead and failed recovery.
func WithoutRecovery() BlockOption {
	return func(g *generation) {
		g.failed.Enabled = false
		g.dead.Enabled = false
	}
}

// WithReprocess reissues the blocks of runs that carried referenceValue
// instead of generating new ones.
func WithReprocess(referenceValue string, scope store.ReprocessScope) BlockOption {
	return func(g *generation) {
		g.reprocess = &blocks.ReprocessOptions{ReferenceValue: referenceValue, Scope: scope}
	}
}

// WithMaxBlocks overrides the configured block budget.
func WithMaxBlocks(n int) BlockOption {
	return func(g *generation) { g.maxBlocks = n }
}

// WithItemCommit sets how list item outcomes are written.
func WithItemCommit(mode ItemCommitMode, every int) BlockOption {
	return func(g *generation) { g.commit = ItemCommit{Mode: mode, Every: every} }
}

func (c *Context) generation(opts []BlockOption) generation {
	g := generation{
		failed: blocks.RecoveryOptions{
			Enabled:    c.cfg.ReprocessFailed,
			Lookback:   c.cfg.FailedLookback,
			RetryLimit: c.cfg.FailedRetryLimit,
		},
		dead: blocks.RecoveryOptions{
			Enabled:    c.cfg.ReprocessDead,
			Lookback:   c.cfg.DeadLookback,
			RetryLimit: c.cfg.DeadRetryLimit,
		},
		maxBlocks: c.cfg.MaxBlocks,
		commit:    ItemCommit{Mode: ItemCommitSingle},
	}
	for _, opt := range opts {
		opt(&g)
	}
	return g
}

// GetDateRangeBlocks splits [from, to) into blocks of at most maxSpan.
func (c *Context) GetDateRangeBlocks(ctx context.Context, from, to time.Time, maxSpan time.Duration, opts ...BlockOption) ([]*RangeBlock, error) {
	issued, _, err := c.issue(ctx, domain.BlockTypeDateRange, blocks.DateRangeWork{From: from, To: to, MaxSpan: maxSpan}, opts)
	if err != nil {
		return nil, err
	}
	return c.rangeBlocks(issued), nil
}

// GetNumericRangeBlocks splits [from, to) into blocks of at most maxSize numbers.
func (c *Context) GetNumericRangeBlocks(ctx context.Context, from, to, maxSize int64, opts ...BlockOption) ([]*RangeBlock, error) {
	issued, _, err := c.issue(ctx, domain.BlockTypeNumericRange, blocks.NumericRangeWork{From: from, To: to, MaxSize: maxSize}, opts)
	if err != nil {
		return nil, err
	}
	return c.rangeBlocks(issued), nil
}

// GetListBlocks chunks values into blocks of at most maxBlockSize items. A
// non-nil header is attached to every block.
func (c *Context) GetListBlocks(ctx context.Context, values []any, header any, maxBlockSize int, opts ...BlockOption) ([]*ListBlock, error) {
	items, err := c.codec.EncodeAll(values)
	if err != nil {
		return nil, &domain.UsageError{Op: "get list blocks", Reason: err.Error()}
	}
	var encodedHeader []byte
	if header != nil {
		if encodedHeader, err = c.codec.Encode(header); err != nil {
			return nil, &domain.UsageError{Op: "get list blocks", Reason: "header: " + err.Error()}
		}
	}

	work := blocks.ListWork{Items: items, Header: encodedHeader, MaxBlockSize: maxBlockSize}
	issued, g, err := c.issue(ctx, domain.BlockTypeList, work, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*ListBlock, len(issued))
	for i, b := range issued {
		out[i] = &ListBlock{blockHandle: c.handle(b), commit: g.commit}
	}
	return out, nil
}

// GetObjectBlocks wraps payload as one block. A nil payload generates no
// new block, so only forced and recovered blocks are returned.
func (c *Context) GetObjectBlocks(ctx context.Context, payload any, opts ...BlockOption) ([]*ObjectBlock, error) {
	var work blocks.Work
	if payload != nil {
		encoded, err := c.codec.Encode(payload)
		if err != nil {
			return nil, &domain.UsageError{Op: "get object blocks", Reason: err.Error()}
		}
		work = blocks.ObjectWork{Payload: encoded}
	}

	issued, _, err := c.issue(ctx, domain.BlockTypeObject, work, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*ObjectBlock, len(issued))
	for i, b := range issued {
		out[i] = &ObjectBlock{blockHandle: c.handle(b)}
	}
	return out, nil
}

// Values converts a typed slice for GetListBlocks.
func Values[T any](vs []T) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func (c *Context) rangeBlocks(issued []blocks.Issued) []*RangeBlock {
	out := make([]*RangeBlock, len(issued))
	for i, b := range issued {
		out[i] = &RangeBlock{blockHandle: c.handle(b)}
	}
	return out
}

// issue runs the generator, inside the critical section when the request
// reclaims dead or failed blocks.
func (c *Context) issue(ctx context.Context, bt domain.BlockType, work blocks.Work, opts []BlockOption) ([]blocks.Issued, generation, error) {
	c.mu.Lock()
	err := c.requireStarted("get " + string(bt) + " blocks")
	def, grant := c.def, c.grant
	c.mu.Unlock()
	if err != nil {
		return nil, generation{}, err
	}

	g := c.generation(opts)
	req := blocks.Request{
		TaskDefinitionID: def.ID,
		TaskExecutionID:  grant.ExecutionID,
		Task:             c.cfg.Task(),
		BlockType:        bt,
		MaxBlocks:        g.maxBlocks,
		Failed:           g.failed,
		Dead:             g.dead,
		Reprocess:        g.reprocess,
		Work:             work,
	}

	if g.reprocess == nil && (g.failed.Enabled || g.dead.Enabled) {
		release, err := c.enterCriticalSection(ctx, def.ID)
		if err != nil {
			return nil, g, err
		}
		defer release()
	}

	issued, err := c.deps.Generator.Generate(ctx, req)
	if err != nil {
		return nil, g, err
	}
	return issued, g, nil
}

func (c *Context) enterCriticalSection(ctx context.Context, taskDefinitionID int64) (func(), error) {
	if c.deps.CriticalSection == nil {
		return nil, &domain.UsageError{Op: "recover blocks", Reason: "no critical section configured"}
	}
	attempts := max(c.cfg.CriticalSectionAttempts, 1)

	ok, err := c.deps.CriticalSection.TryStart(ctx, taskDefinitionID, c.holder, c.cfg.CriticalSectionTimeout, attempts)
	if err != nil {
		return nil, fmt.Errorf("enter critical section of task definition %d: %w", taskDefinitionID, err)
	}
	if !ok {
		telemetry.CriticalSectionDenied.WithLabelValues(c.cfg.Task()).Inc()
		return nil, &domain.ConcurrencyDeniedError{TaskDefinitionID: taskDefinitionID, Attempts: attempts}
	}

	return func() {
		if err := c.deps.CriticalSection.Complete(context.WithoutCancel(ctx), taskDefinitionID, c.holder); err != nil {
			c.logger.Warn("leave critical section", slog.String("error", err.Error()))
		}
	}, nil
}
