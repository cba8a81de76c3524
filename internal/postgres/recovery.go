package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ramiqadoumi/go-block-flow/internal/recovery"
)

// candidatesQuery takes the latest execution per block among executions
// whose owner started in the window, then applies the phantom, attempt and
// kind filters. $6 (now) is bound only for the dead predicate.
const candidatesQuery = `
	WITH latest AS (
		SELECT DISTINCT ON (be.block_id) be.*
		FROM block_executions be
		JOIN task_executions te ON te.id = be.task_execution_id
		WHERE te.task_definition_id = $1
		  AND te.started_at >= $2
		  AND te.started_at < $3
		ORDER BY be.block_id, be.id DESC
	)
	SELECT %s, %s, %s
	FROM latest l
	JOIN blocks b ON b.id = l.block_id
	JOIN task_executions te ON te.id = l.task_execution_id
	WHERE b.task_definition_id = $1
	  AND NOT b.is_phantom
	  AND l.attempt < $4
	  AND %s
	ORDER BY b.created_at, b.id
	LIMIT $5`

const (
	failedPredicate = `l.status = 'FAILED'`
	deadPredicate   = `(l.status IN ('NOT_STARTED', 'STARTED') AND (
		(te.death_mode = 'OVERRIDE'
			AND te.started_at < $6::timestamptz - te.override_threshold_ms * INTERVAL '1 millisecond')
		OR (te.death_mode = 'KEEP_ALIVE'
			AND $6::timestamptz - te.last_keep_alive > te.keep_alive_death_threshold_ms * INTERVAL '1 millisecond')
	))`
)

func (s *Store) FindCandidates(ctx context.Context, c recovery.Criteria) ([]recovery.Candidate, error) {
	var limit *int64
	if c.Limit > 0 {
		n := int64(c.Limit)
		limit = &n
	}
	args := []any{c.TaskDefinitionID, c.WindowBegin, c.WindowEnd, c.AttemptLimit(), limit}

	var predicate string
	switch c.Kind {
	case recovery.KindFailed:
		predicate = failedPredicate
	case recovery.KindDead:
		predicate = deadPredicate
		args = append(args, c.Now)
	default:
		return nil, fmt.Errorf("find candidates: unknown kind %q", c.Kind)
	}
	sql := fmt.Sprintf(candidatesQuery,
		columns("b", blockColumns), columns("l", blockExecutionColumns), columns("te", taskExecutionColumns),
		predicate)

	var out []recovery.Candidate
	err := s.withRetry(ctx, "find_"+string(c.Kind)+"_candidates", func() error {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanCandidate)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find %s blocks of task definition %d: %w", c.Kind, c.TaskDefinitionID, err)
	}
	return out, nil
}

func scanCandidate(row pgx.CollectableRow) (recovery.Candidate, error) {
	var (
		blk   blockRow
		exec  blockExecutionRow
		owner taskExecutionRow
	)
	dest := append(blk.dest(), exec.dest()...)
	dest = append(dest, owner.dest()...)
	if err := row.Scan(dest...); err != nil {
		return recovery.Candidate{}, err
	}
	b, err := blk.value()
	if err != nil {
		return recovery.Candidate{}, err
	}
	return recovery.Candidate{Block: b, Execution: exec.value(), Owner: owner.value()}, nil
}
