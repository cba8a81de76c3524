package postgres

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ramiqadoumi/go-block-flow/pkg/retry"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	classConnectionException = "08"
)

// isTransient reports whether err is worth retrying: serialization
// failures, deadlocks, connection exceptions, and errors pgx marks as safe
// to retry because nothing reached the server.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return true
		}
		return strings.HasPrefix(pgErr.Code, classConnectionException)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// withRetry runs fn until it succeeds, fails permanently, or the attempts
// run out.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	cfg := s.retry
	cfg.ShouldRetry = isTransient
	cfg.OnRetry = func(attempt int, err error) {
		telemetry.StoreRetriesTotal.WithLabelValues(op).Inc()
		s.logger.Warn("postgres operation retried",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return retry.Do(ctx, cfg, fn)
}

// inTx runs fn in a transaction, retrying the whole transaction on
// transient errors.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	return s.withRetry(ctx, op, func() error {
		return pgx.BeginFunc(ctx, s.pool, fn)
	})
}
