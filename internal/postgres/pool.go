// Package postgres implements the persistence contracts on PostgreSQL with
// pgx. Multi-row writes run in one transaction and transient failures are
// retried with backoff.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-block-flow/internal/recovery"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/pkg/retry"
)

// DefaultRetry is used when no retry configuration is supplied.
var DefaultRetry = retry.Config{
	MaxAttempts: 4,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    time.Second,
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Store implements every repository contract over one pool.
type Store struct {
	pool   *pgxpool.Pool
	retry  retry.Config
	now    func() time.Time
	logger *slog.Logger
}

var (
	_ store.TaskRepository    = (*Store)(nil)
	_ store.BlockRepository   = (*Store)(nil)
	_ store.EventRepository   = (*Store)(nil)
	_ store.CleanupRepository = (*Store)(nil)
	_ recovery.Source         = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

func WithRetry(cfg retry.Config) Option     { return func(s *Store) { s.retry = cfg } }
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }
func WithLogger(logger *slog.Logger) Option { return func(s *Store) { s.logger = logger } }

// New wraps pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, retry: DefaultRetry, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
