package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/internal/taskconfig"
)

const DefaultSweepInterval = time.Minute

// Leader reports whether this instance should run the sweep. With several
// coordinators only the leader cleans.
type Leader interface {
	IsLeader(ctx context.Context) bool
}

// Sweeper runs CleanIfDue for every task definition on a fixed interval,
// so tasks that stopped starting are still cleaned.
type Sweeper struct {
	svc      *Service
	repo     store.CleanupRepository
	configs  taskconfig.Provider
	leader   Leader
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper constructs a Sweeper. A nil leader always sweeps.
func NewSweeper(svc *Service, repo store.CleanupRepository, configs taskconfig.Provider, leader Leader, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		svc:      svc,
		repo:     repo,
		configs:  configs,
		leader:   leader,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps once immediately and then on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many definitions were cleaned.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if s.leader != nil && !s.leader.IsLeader(ctx) {
		return 0
	}
	defs, err := s.repo.ListTaskDefinitions(ctx)
	if err != nil {
		s.logger.Error("list task definitions", slog.String("error", err.Error()))
		return 0
	}

	cleaned := 0
	for _, def := range defs {
		cfg, err := s.configs.Get(ctx, def.Application, def.Name)
		if err != nil {
			s.logger.Error("load task config",
				slog.String("task", def.Application+"/"+def.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		ran, err := s.svc.CleanIfDue(ctx, def, cfg)
		if err != nil {
			s.logger.Error("cleanup failed",
				slog.String("task", cfg.Task()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ran {
			cleaned++
		}
	}
	return cleaned
}
