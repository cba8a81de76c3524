package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
)

func (s *Store) ListTaskDefinitions(ctx context.Context) ([]domain.TaskDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+columns("", taskDefinitionColumns)+`
		FROM task_definitions
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list task definitions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.TaskDefinition, error) {
		return scanTaskDefinition(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan task definitions: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteListItemsBefore(ctx context.Context, taskDefinitionID int64, before time.Time) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "delete_list_items", func() error {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM list_block_items i
			USING blocks b
			WHERE b.id = i.block_id
			  AND b.task_definition_id = $1
			  AND b.created_at < $2
		`, taskDefinitionID, before)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete list items of task definition %d: %w", taskDefinitionID, err)
	}
	return n, nil
}

// DeleteExecutionsBefore relies on ON DELETE CASCADE for block executions,
// events, list items and forced queue entries.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, taskDefinitionID int64, before time.Time) (int64, error) {
	var n int64
	err := s.inTx(ctx, "delete_executions", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM task_executions
			WHERE task_definition_id = $1 AND started_at < $2
		`, taskDefinitionID, before)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		if n == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM blocks b
			WHERE b.task_definition_id = $1
			  AND b.created_at < $2
			  AND NOT EXISTS (SELECT 1 FROM block_executions be WHERE be.block_id = b.id)
		`, taskDefinitionID, before)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete executions of task definition %d: %w", taskDefinitionID, err)
	}
	return n, nil
}

func (s *Store) MarkCleaned(ctx context.Context, taskDefinitionID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_definitions SET last_cleaned_at = $1 WHERE id = $2
	`, at, taskDefinitionID)
	if err != nil {
		return fmt.Errorf("mark task definition %d cleaned: %w", taskDefinitionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark cleaned: unknown task definition %d", taskDefinitionID)
	}
	return nil
}
