// Package cleanup removes expired executions and list items on each task's
// cron schedule.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/internal/taskconfig"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

// Service deletes a task's data older than its retention settings.
type Service struct {
	repo   store.CleanupRepository
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }

// NewService constructs a Service.
func NewService(repo store.CleanupRepository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Due reports whether the schedule has fired since the definition was last
// cleaned. A definition never cleaned is always due; an empty schedule never is.
func Due(def domain.TaskDefinition, schedule string, now time.Time) (bool, error) {
	if schedule == "" {
		return false, nil
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}
	if def.LastCleanedAt == nil {
		return true, nil
	}
	return !sched.Next(*def.LastCleanedAt).After(now), nil
}

// CleanIfDue cleans the definition when its schedule is due and reports
// whether it ran.
func (s *Service) CleanIfDue(ctx context.Context, def domain.TaskDefinition, cfg taskconfig.TaskConfig) (bool, error) {
	now := s.now()
	due, err := Due(def, cfg.CleanupSchedule, now)
	if err != nil || !due {
		return false, err
	}
	// A zero retention would put the cutoff at now and remove live runs.
	if cfg.KeepListItemsFor <= 0 || cfg.KeepGeneralDataFor <= 0 {
		return false, fmt.Errorf("cleanup of %s: retention periods must be positive", cfg.Task())
	}

	items, err := s.repo.DeleteListItemsBefore(ctx, def.ID, now.Add(-cfg.KeepListItemsFor))
	if err != nil {
		return false, fmt.Errorf("delete list items of task definition %d: %w", def.ID, err)
	}
	execs, err := s.repo.DeleteExecutionsBefore(ctx, def.ID, now.Add(-cfg.KeepGeneralDataFor))
	if err != nil {
		return false, fmt.Errorf("delete executions of task definition %d: %w", def.ID, err)
	}
	if err := s.repo.MarkCleaned(ctx, def.ID, now); err != nil {
		return false, fmt.Errorf("mark task definition %d cleaned: %w", def.ID, err)
	}

	telemetry.CleanupRowsDeleted.WithLabelValues("list_items").Add(float64(items))
	telemetry.CleanupRowsDeleted.WithLabelValues("executions").Add(float64(execs))
	s.logger.Info("task data cleaned",
		slog.String("task", cfg.Task()),
		slog.Int64("list_items", items),
		slog.Int64("executions", execs),
	)
	return true, nil
}
