package blocks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/recovery"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

// Source records where an issued block came from.
type Source string

const (
	SourceNew       Source = "new"
	SourceForced    Source = "forced"
	SourceFailed    Source = "failed"
	SourceDead      Source = "dead"
	SourceReprocess Source = "reprocess"
)

const emptyListMessage = "no list items supplied, no list blocks generated"

// Finder is the part of recovery.Finder the generator uses.
type Finder interface {
	FindDeadBlocks(ctx context.Context, q recovery.Query) ([]recovery.Candidate, error)
	FindFailedBlocks(ctx context.Context, q recovery.Query) ([]recovery.Candidate, error)
}

// RecoveryOptions enables reissuing dead or failed blocks found in the
// lookback window before now.
type RecoveryOptions struct {
	Enabled    bool
	Lookback   time.Duration
	RetryLimit int
}

// ReprocessOptions reissues the blocks of an earlier reference value
// instead of generating or recovering anything.
type ReprocessOptions struct {
	ReferenceValue string
	Scope          store.ReprocessScope
}

// Request is one block generation call for one task execution.
type Request struct {
	TaskDefinitionID int64
	TaskExecutionID  int64
	// Task labels metrics.
	Task      string
	BlockType domain.BlockType
	// MaxBlocks caps recovered and range blocks. Zero or less means no cap.
	MaxBlocks int
	Failed    RecoveryOptions
	Dead      RecoveryOptions
	Reprocess *ReprocessOptions
	// Work produces new blocks. Nil generates none.
	Work Work
}

// Issued is a block handed to the caller with the execution created for it.
type Issued struct {
	domain.IssuedBlock
	Source Source
}

// Generator produces the blocks of a generation call and persists one
// execution per block.
type Generator struct {
	repo   store.BlockRepository
	finder Finder
	events store.EventSink
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

func WithClock(now func() time.Time) Option { return func(g *Generator) { g.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(g *Generator) { g.logger = l } }

// NewGenerator constructs a Generator.
func NewGenerator(repo store.BlockRepository, finder Finder, events store.EventSink, opts ...Option) *Generator {
	g := &Generator{
		repo:   repo,
		finder: finder,
		events: events,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the blocks for req.
//
// A reprocess request only reissues the reference value's blocks. Otherwise
// blocks are taken, in order and within the block budget, from the forced
// queue, failed recovery, dead recovery and finally new work.
func (g *Generator) Generate(ctx context.Context, req Request) ([]Issued, error) {
	ctx, span := telemetry.Tracer("blocks").Start(ctx, "blocks.generate")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task_execution.id", req.TaskExecutionID),
		attribute.String("block.type", string(req.BlockType)),
		attribute.Int("max_blocks", req.MaxBlocks),
	)

	issued, err := g.generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate blocks failed")
		return nil, err
	}

	for _, b := range issued {
		telemetry.BlocksIssued.WithLabelValues(req.Task, string(req.BlockType), string(b.Source)).Inc()
	}
	span.SetAttributes(attribute.Int("blocks", len(issued)))
	return issued, nil
}

func (g *Generator) generate(ctx context.Context, req Request) ([]Issued, error) {
	if !req.BlockType.Valid() {
		return nil, &domain.UsageError{Op: "generate blocks", Reason: fmt.Sprintf("unknown block type %q", req.BlockType)}
	}
	if req.Work != nil && req.Work.BlockType() != req.BlockType {
		return nil, &domain.UsageError{Op: "generate blocks", Reason: fmt.Sprintf("%s work for a %s request", req.Work.BlockType(), req.BlockType)}
	}

	if req.Reprocess != nil {
		return g.reprocess(ctx, req)
	}

	// Everything is read and validated first so a failing call writes nothing.
	b := &budget{max: req.MaxBlocks, seen: make(map[int64]bool)}
	plan := store.IssueBatch{TaskDefinitionID: req.TaskDefinitionID, TaskExecutionID: req.TaskExecutionID}

	forced, err := g.repo.PendingForcedBlocks(ctx, req.TaskDefinitionID, req.BlockType, b.remaining(0))
	if err != nil {
		return nil, fmt.Errorf("read forced blocks: %w", err)
	}
	for _, q := range forced {
		plan.Forced = append(plan.Forced, q.QueueItemID)
		b.take(q.Block.ID)
	}

	if req.Failed.Enabled && b.remaining(Unlimited) != 0 {
		if plan.Failed, err = g.find(ctx, req, recovery.KindFailed, req.Failed, b); err != nil {
			return nil, err
		}
	}
	if req.Dead.Enabled && b.remaining(Unlimited) != 0 {
		if plan.Dead, err = g.find(ctx, req, recovery.KindDead, req.Dead, b); err != nil {
			return nil, err
		}
	}

	emptyList := false
	if req.Work != nil {
		if lw, ok := req.Work.(ListWork); ok && lw.Empty() {
			emptyList = true
		} else if plan.New, err = req.Work.Blocks(b.remaining(Unlimited)); err != nil {
			return nil, &domain.UsageError{Op: "generate blocks", Reason: err.Error()}
		}
	}

	var out []Issued
	if len(plan.Forced)+len(plan.Failed)+len(plan.Dead)+len(plan.New) > 0 {
		issued, err := g.repo.IssueBlocks(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("issue blocks: %w", err)
		}
		out = appendIssued(out, issued.Forced, SourceForced)
		out = appendIssued(out, issued.Failed, SourceFailed)
		out = appendIssued(out, issued.Dead, SourceDead)
		out = appendIssued(out, issued.New, SourceNew)
		if n := len(issued.Failed) + len(issued.Dead); n > 0 {
			g.logger.Info("reissued blocks",
				slog.Int64("task_execution_id", req.TaskExecutionID),
				slog.Int("failed", len(issued.Failed)),
				slog.Int("dead", len(issued.Dead)),
			)
		}
	}

	if emptyList {
		if err := g.events.RecordEvent(ctx, domain.Event{
			TaskExecutionID: req.TaskExecutionID,
			Type:            domain.EventCheckpoint,
			Message:         emptyListMessage,
			At:              g.now(),
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// find returns the IDs of recoverable blocks of one kind that fit the budget
// and were not already taken by this call.
func (g *Generator) find(ctx context.Context, req Request, kind recovery.Kind, opts RecoveryOptions, b *budget) ([]int64, error) {
	limit := b.remaining(0)
	if limit > 0 {
		// Blocks already taken may come back and are skipped below.
		limit += len(b.seen)
	}
	begin, end := recovery.Window(g.now(), opts.Lookback)
	q := recovery.Query{
		TaskDefinitionID: req.TaskDefinitionID,
		BlockType:        req.BlockType,
		WindowBegin:      begin,
		WindowEnd:        end,
		RetryLimit:       opts.RetryLimit,
		Limit:            limit,
	}

	var (
		candidates []recovery.Candidate
		err        error
	)
	if kind == recovery.KindDead {
		candidates, err = g.finder.FindDeadBlocks(ctx, q)
	} else {
		candidates, err = g.finder.FindFailedBlocks(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, c := range candidates {
		if b.remaining(Unlimited) == 0 {
			break
		}
		if !b.seen[c.Block.ID] {
			ids = append(ids, c.Block.ID)
			b.take(c.Block.ID)
		}
	}
	return ids, nil
}

func (g *Generator) reprocess(ctx context.Context, req Request) ([]Issued, error) {
	found, err := g.repo.FindBlocksForReprocess(ctx, store.ReprocessQuery{
		TaskDefinitionID: req.TaskDefinitionID,
		ReferenceValue:   req.Reprocess.ReferenceValue,
		Scope:            req.Reprocess.Scope,
	})
	if err != nil {
		return nil, fmt.Errorf("find blocks of reference %q: %w", req.Reprocess.ReferenceValue, err)
	}

	ids := make([]int64, 0, len(found))
	for _, blk := range found {
		if blk.Type() != req.BlockType {
			return nil, &domain.BlockTypeMismatchError{BlockID: blk.ID, Requested: req.BlockType, Stored: blk.Type()}
		}
		ids = append(ids, blk.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	reissued, err := g.repo.ReissueBlocks(ctx, req.TaskExecutionID, ids)
	if err != nil {
		return nil, fmt.Errorf("reissue blocks of reference %q: %w", req.Reprocess.ReferenceValue, err)
	}
	return appendIssued(nil, reissued, SourceReprocess), nil
}

// budget counts the blocks taken by one call against MaxBlocks.
type budget struct {
	max  int
	n    int
	seen map[int64]bool
}

// remaining returns the blocks still allowed, or unlimited when no cap is set.
func (b *budget) remaining(unlimited int) int {
	if b.max <= 0 {
		return unlimited
	}
	return max(b.max-b.n, 0)
}

func (b *budget) take(blockID int64) {
	b.seen[blockID] = true
	b.n++
}

func appendIssued(out []Issued, blocks []domain.IssuedBlock, source Source) []Issued {
	for _, blk := range blocks {
		out = append(out, Issued{IssuedBlock: blk, Source: source})
	}
	return out
}
