package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

// Finder locates blocks whose latest execution is dead or failed and still
// has retry budget left. It only reads; claiming happens when the caller
// creates a new BlockExecution.
type Finder struct {
	source Source
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Finder.
type Option func(*Finder)

func WithClock(now func() time.Time) Option { return func(f *Finder) { f.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(f *Finder) { f.logger = l } }

// NewFinder constructs a Finder reading candidates from source.
func NewFinder(source Source, opts ...Option) *Finder {
	f := &Finder{
		source: source,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FindDeadBlocks returns blocks whose owning execution is no longer alive.
func (f *Finder) FindDeadBlocks(ctx context.Context, q Query) ([]Candidate, error) {
	return f.find(ctx, KindDead, q)
}

// FindFailedBlocks returns blocks whose latest execution failed.
func (f *Finder) FindFailedBlocks(ctx context.Context, q Query) ([]Candidate, error) {
	return f.find(ctx, KindFailed, q)
}

func (f *Finder) find(ctx context.Context, kind Kind, q Query) ([]Candidate, error) {
	ctx, span := telemetry.Tracer("recovery").Start(ctx, "recovery.find_"+string(kind))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task_definition.id", q.TaskDefinitionID),
		attribute.String("block.type", string(q.BlockType)),
		attribute.Int("retry_limit", q.RetryLimit),
		attribute.Int("limit", q.Limit),
	)

	if !q.BlockType.Valid() {
		return nil, &domain.UsageError{Op: "find " + string(kind) + " blocks", Reason: fmt.Sprintf("unknown block type %q", q.BlockType)}
	}
	if !q.WindowBegin.Before(q.WindowEnd) {
		return nil, nil
	}

	start := time.Now()
	candidates, err := f.source.FindCandidates(ctx, Criteria{Query: q, Kind: kind, Now: f.now()})
	telemetry.RecoveryFindDurationSeconds.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find candidates failed")
		return nil, fmt.Errorf("find %s blocks for task definition %d: %w", kind, q.TaskDefinitionID, err)
	}

	for _, c := range candidates {
		if stored := c.Block.Type(); stored != q.BlockType {
			err := &domain.BlockTypeMismatchError{BlockID: c.Block.ID, Requested: q.BlockType, Stored: stored}
			span.RecordError(err)
			span.SetStatus(codes.Error, "block type mismatch")
			return nil, err
		}
	}

	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	if len(candidates) > 0 {
		f.logger.Debug("recovery candidates found",
			slog.String("kind", string(kind)),
			slog.Int64("task_definition_id", q.TaskDefinitionID),
			slog.Int("count", len(candidates)),
		)
	}
	return candidates, nil
}
