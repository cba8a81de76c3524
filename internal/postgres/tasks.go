package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

var (
	taskDefinitionColumns = []string{"id", "application", "name", "created_at", "last_cleaned_at"}
	taskExecutionColumns  = []string{
		"id", "task_definition_id", "started_at", "completed_at", "last_keep_alive", "death_mode",
		"keep_alive_interval_ms", "keep_alive_death_threshold_ms", "override_threshold_ms",
		"failed", "blocked", "reference_value", "header", "token_id", "server_name",
	}
)

// columns renders a select list, qualifying each column with alias when set.
func columns(alias string, cols []string) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		if alias != "" {
			b.WriteString(alias)
			b.WriteByte('.')
		}
		b.WriteString(c)
	}
	return b.String()
}

func scanTaskDefinition(row rowScanner) (domain.TaskDefinition, error) {
	var def domain.TaskDefinition
	err := row.Scan(&def.ID, &def.Application, &def.Name, &def.CreatedAt, &def.LastCleanedAt)
	return def, err
}

// taskExecutionRow holds the scan targets of one task_executions row.
type taskExecutionRow struct {
	exec                                domain.TaskExecution
	mode                                string
	intervalMs, thresholdMs, overrideMs int64
}

func (r *taskExecutionRow) dest() []any {
	return []any{
		&r.exec.ID, &r.exec.TaskDefinitionID, &r.exec.StartedAt, &r.exec.CompletedAt, &r.exec.LastKeepAlive, &r.mode,
		&r.intervalMs, &r.thresholdMs, &r.overrideMs,
		&r.exec.Failed, &r.exec.Blocked, &r.exec.ReferenceValue, &r.exec.Header, &r.exec.TokenID, &r.exec.ServerName,
	}
}

func (r *taskExecutionRow) value() domain.TaskExecution {
	exec := r.exec
	exec.Mode = domain.DeathMode(r.mode)
	exec.KeepAliveInterval = time.Duration(r.intervalMs) * time.Millisecond
	exec.KeepAliveDeathThreshold = time.Duration(r.thresholdMs) * time.Millisecond
	exec.OverrideThreshold = time.Duration(r.overrideMs) * time.Millisecond
	return exec
}

func scanTaskExecution(row rowScanner) (domain.TaskExecution, error) {
	var r taskExecutionRow
	if err := row.Scan(r.dest()...); err != nil {
		return domain.TaskExecution{}, err
	}
	return r.value(), nil
}

func (s *Store) EnsureTaskDefinition(ctx context.Context, application, name string) (domain.TaskDefinition, error) {
	var def domain.TaskDefinition
	err := s.withRetry(ctx, "ensure_task_definition", func() error {
		var err error
		def, err = scanTaskDefinition(s.pool.QueryRow(ctx, `
			INSERT INTO task_definitions (application, name, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (application, name) DO UPDATE SET application = EXCLUDED.application
			RETURNING `+columns("", taskDefinitionColumns),
			application, name, s.now()))
		return err
	})
	if err != nil {
		return domain.TaskDefinition{}, fmt.Errorf("ensure task definition %s/%s: %w", application, name, err)
	}
	return def, nil
}

func (s *Store) GetTaskDefinition(ctx context.Context, application, name string) (domain.TaskDefinition, error) {
	def, err := scanTaskDefinition(s.pool.QueryRow(ctx, `
		SELECT `+columns("", taskDefinitionColumns)+`
		FROM task_definitions
		WHERE application = $1 AND name = $2
	`, application, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TaskDefinition{}, &domain.TaskDefinitionNotFoundError{Application: application, Name: name}
		}
		return domain.TaskDefinition{}, fmt.Errorf("get task definition %s/%s: %w", application, name, err)
	}
	return def, nil
}

func (s *Store) CreateTaskExecution(ctx context.Context, exec *domain.TaskExecution) error {
	err := s.withRetry(ctx, "create_task_execution", func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO task_executions
				(task_definition_id, started_at, completed_at, last_keep_alive, death_mode,
				 keep_alive_interval_ms, keep_alive_death_threshold_ms, override_threshold_ms,
				 failed, blocked, reference_value, header, token_id, server_name)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING id
		`,
			exec.TaskDefinitionID, exec.StartedAt, exec.CompletedAt, exec.LastKeepAlive, string(exec.Mode),
			exec.KeepAliveInterval.Milliseconds(), exec.KeepAliveDeathThreshold.Milliseconds(), exec.OverrideThreshold.Milliseconds(),
			exec.Failed, exec.Blocked, exec.ReferenceValue, exec.Header, exec.TokenID, exec.ServerName,
		).Scan(&exec.ID)
	})
	if err != nil {
		return fmt.Errorf("create task execution for definition %d: %w", exec.TaskDefinitionID, err)
	}
	return nil
}

func (s *Store) GetTaskExecution(ctx context.Context, id int64) (domain.TaskExecution, error) {
	exec, err := scanTaskExecution(s.pool.QueryRow(ctx, `
		SELECT `+columns("", taskExecutionColumns)+`
		FROM task_executions
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TaskExecution{}, &domain.TaskExecutionNotFoundError{TaskExecutionID: id}
		}
		return domain.TaskExecution{}, fmt.Errorf("get task execution %d: %w", id, err)
	}
	return exec, nil
}

// updateExecution runs a single-row UPDATE and maps zero affected rows to
// TaskExecutionNotFoundError.
func (s *Store) updateExecution(ctx context.Context, op string, id int64, sql string, args ...any) error {
	var affected int64
	err := s.withRetry(ctx, op, func() error {
		tag, err := s.pool.Exec(ctx, sql, args...)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	if affected == 0 {
		return &domain.TaskExecutionNotFoundError{TaskExecutionID: id}
	}
	return nil
}

func (s *Store) RecordKeepAlive(ctx context.Context, id int64, at time.Time) error {
	return s.updateExecution(ctx, "record_keep_alive", id,
		`UPDATE task_executions SET last_keep_alive = $1 WHERE id = $2`, at, id)
}

func (s *Store) SetExecutionToken(ctx context.Context, id int64, token string) error {
	return s.updateExecution(ctx, "set_execution_token", id,
		`UPDATE task_executions SET token_id = $1 WHERE id = $2`, token, id)
}

func (s *Store) CompleteTaskExecution(ctx context.Context, id int64, c store.Completion) error {
	return s.updateExecution(ctx, "complete_task_execution", id, `
		UPDATE task_executions
		SET completed_at = $1, failed = $2, blocked = $3
		WHERE id = $4
	`, c.At, c.Failed, c.Blocked, id)
}
