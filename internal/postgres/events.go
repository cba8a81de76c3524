package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
)

func (s *Store) RecordEvent(ctx context.Context, e domain.Event) error {
	err := s.withRetry(ctx, "record_event", func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO task_events (task_execution_id, event_type, message, at)
			VALUES ($1, $2, $3, $4)
		`, e.TaskExecutionID, string(e.Type), e.Message, e.At)
		return err
	})
	if err != nil {
		return fmt.Errorf("record %s event for task execution %d: %w", e.Type, e.TaskExecutionID, err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, taskExecutionID int64) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_execution_id, event_type, message, at
		FROM task_events
		WHERE task_execution_id = $1
		ORDER BY id
	`, taskExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list events of task execution %d: %w", taskExecutionID, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Event, error) {
		var (
			e   domain.Event
			typ string
		)
		err := row.Scan(&e.ID, &e.TaskExecutionID, &typ, &e.Message, &e.At)
		e.Type = domain.EventType(typ)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}
