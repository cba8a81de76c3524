package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
)

var (
	blockColumns = []string{
		"id", "task_definition_id", "created_at", "is_phantom", "block_type",
		"from_date", "to_date", "from_number", "to_number", "header", "payload",
	}
	blockExecutionColumns = []string{
		"id", "block_id", "task_execution_id", "attempt", "status",
		"created_at", "started_at", "completed_at", "items_processed",
	}
	itemColumns = []string{"id", "block_id", "value", "status", "status_reason", "step", "last_updated"}
)

// blockRow holds the scan targets of one blocks row.
type blockRow struct {
	b                    domain.Block
	blockType            string
	fromDate, toDate     *time.Time
	fromNumber, toNumber *int64
	header, payload      []byte
}

func (r *blockRow) dest() []any {
	return []any{
		&r.b.ID, &r.b.TaskDefinitionID, &r.b.CreatedAt, &r.b.IsPhantom, &r.blockType,
		&r.fromDate, &r.toDate, &r.fromNumber, &r.toNumber, &r.header, &r.payload,
	}
}

func (r *blockRow) value() (domain.Block, error) {
	blk := r.b
	switch domain.BlockType(r.blockType) {
	case domain.BlockTypeDateRange:
		if r.fromDate == nil || r.toDate == nil {
			return domain.Block{}, fmt.Errorf("block %d: date range without bounds", blk.ID)
		}
		blk.Shape = domain.DateRange{From: *r.fromDate, To: *r.toDate}
	case domain.BlockTypeNumericRange:
		if r.fromNumber == nil || r.toNumber == nil {
			return domain.Block{}, fmt.Errorf("block %d: numeric range without bounds", blk.ID)
		}
		blk.Shape = domain.NumericRange{From: *r.fromNumber, To: *r.toNumber}
	case domain.BlockTypeList:
		blk.Shape = domain.List{Header: r.header}
	case domain.BlockTypeObject:
		blk.Shape = domain.Object{Payload: r.payload}
	default:
		return domain.Block{}, fmt.Errorf("block %d: unknown block type %q", blk.ID, r.blockType)
	}
	return blk, nil
}

func scanBlock(row rowScanner) (domain.Block, error) {
	var r blockRow
	if err := row.Scan(r.dest()...); err != nil {
		return domain.Block{}, err
	}
	return r.value()
}

// shapeArgs flattens a shape into the typed columns of the blocks table.
func shapeArgs(sh domain.Shape) (fromDate, toDate *time.Time, fromNumber, toNumber *int64, header, payload []byte) {
	switch v := sh.(type) {
	case domain.DateRange:
		return &v.From, &v.To, nil, nil, nil, nil
	case domain.NumericRange:
		return nil, nil, &v.From, &v.To, nil, nil
	case domain.List:
		return nil, nil, nil, nil, v.Header, nil
	case domain.Object:
		return nil, nil, nil, nil, nil, v.Payload
	}
	return nil, nil, nil, nil, nil, nil
}

// blockExecutionRow holds the scan targets of one block_executions row.
type blockExecutionRow struct {
	e      domain.BlockExecution
	status string
}

func (r *blockExecutionRow) dest() []any {
	return []any{
		&r.e.ID, &r.e.BlockID, &r.e.TaskExecutionID, &r.e.Attempt, &r.status,
		&r.e.CreatedAt, &r.e.StartedAt, &r.e.CompletedAt, &r.e.ItemsProcessed,
	}
}

func (r *blockExecutionRow) value() domain.BlockExecution {
	e := r.e
	e.Status = domain.BlockExecutionStatus(r.status)
	return e
}

func scanBlockExecution(row rowScanner) (domain.BlockExecution, error) {
	var r blockExecutionRow
	if err := row.Scan(r.dest()...); err != nil {
		return domain.BlockExecution{}, err
	}
	return r.value(), nil
}

func scanItem(row rowScanner) (domain.ListBlockItem, error) {
	var (
		item   domain.ListBlockItem
		status string
	)
	err := row.Scan(&item.ID, &item.BlockID, &item.Value, &status, &item.StatusReason, &item.Step, &item.LastUpdated)
	item.Status = domain.ItemStatus(status)
	return item, err
}

// ─── issuing ─────────────────────────────────────────────────────────────────

func (s *Store) CreateBlocks(ctx context.Context, taskDefinitionID, taskExecutionID int64, blocks []domain.NewBlock) ([]domain.IssuedBlock, error) {
	if err := checkNewBlocks(blocks); err != nil {
		return nil, err
	}

	var out []domain.IssuedBlock
	err := s.inTx(ctx, "create_blocks", func(tx pgx.Tx) error {
		if err := lockExecution(ctx, tx, taskExecutionID); err != nil {
			return err
		}
		var err error
		out, err = insertBlocks(ctx, tx, taskDefinitionID, taskExecutionID, blocks, s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create blocks for task execution %d: %w", taskExecutionID, err)
	}
	return out, nil
}

func checkNewBlocks(blocks []domain.NewBlock) error {
	for i, nb := range blocks {
		if nb.Shape == nil {
			return fmt.Errorf("create blocks: block %d has no shape", i)
		}
		if len(nb.Items) > 0 && nb.Shape.BlockType() != domain.BlockTypeList {
			return fmt.Errorf("create blocks: block %d is %s but carries list items", i, nb.Shape.BlockType())
		}
	}
	return nil
}

// insertBlocks writes new blocks, their list items and a first execution each.
func insertBlocks(ctx context.Context, tx pgx.Tx, taskDefinitionID, taskExecutionID int64, blocks []domain.NewBlock, now time.Time) ([]domain.IssuedBlock, error) {
	out := make([]domain.IssuedBlock, 0, len(blocks))
	for _, nb := range blocks {
		fromDate, toDate, fromNumber, toNumber, header, payload := shapeArgs(nb.Shape)
		blk, err := scanBlock(tx.QueryRow(ctx, `
			INSERT INTO blocks
				(task_definition_id, block_type, created_at, from_date, to_date, from_number, to_number, header, payload)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING `+columns("", blockColumns),
			taskDefinitionID, string(nb.Shape.BlockType()), now,
			fromDate, toDate, fromNumber, toNumber, header, payload,
		))
		if err != nil {
			return nil, fmt.Errorf("insert block: %w", err)
		}

		if len(nb.Items) > 0 {
			rows := make([][]any, len(nb.Items))
			for i, v := range nb.Items {
				rows[i] = []any{blk.ID, v, string(domain.ItemPending), now}
			}
			if _, err := tx.CopyFrom(ctx,
				pgx.Identifier{"list_block_items"},
				[]string{"block_id", "value", "status", "last_updated"},
				pgx.CopyFromRows(rows),
			); err != nil {
				return nil, fmt.Errorf("copy list items of block %d: %w", blk.ID, err)
			}
		}

		exec, err := insertExecution(ctx, tx, blk.ID, taskExecutionID, now)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.IssuedBlock{Block: blk, Execution: exec})
	}
	return out, nil
}

// lockExecution checks the task execution exists and holds its row until
// the transaction ends.
func lockExecution(ctx context.Context, tx pgx.Tx, taskExecutionID int64) error {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM task_executions WHERE id = $1 FOR SHARE`, taskExecutionID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.TaskExecutionNotFoundError{TaskExecutionID: taskExecutionID}
	}
	return err
}

// insertExecution creates a NOT_STARTED execution numbered one past the
// block's highest attempt.
func insertExecution(ctx context.Context, tx pgx.Tx, blockID, taskExecutionID int64, now time.Time) (domain.BlockExecution, error) {
	exec, err := scanBlockExecution(tx.QueryRow(ctx, `
		INSERT INTO block_executions (block_id, task_execution_id, attempt, status, created_at)
		SELECT $1, $2, COALESCE(MAX(attempt), 0) + 1, $3, $4
		FROM block_executions
		WHERE block_id = $1
		RETURNING `+columns("", blockExecutionColumns),
		blockID, taskExecutionID, string(domain.BlockNotStarted), now,
	))
	if err != nil {
		return domain.BlockExecution{}, fmt.Errorf("insert execution of block %d: %w", blockID, err)
	}
	return exec, nil
}

// lockBlock loads a block and holds its row so concurrent reissues number
// attempts one after the other.
func lockBlock(ctx context.Context, tx pgx.Tx, blockID int64) (domain.Block, error) {
	blk, err := scanBlock(tx.QueryRow(ctx, `
		SELECT `+columns("", blockColumns)+`
		FROM blocks
		WHERE id = $1
		FOR UPDATE
	`, blockID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Block{}, &domain.BlockNotFoundError{BlockID: blockID}
	}
	return blk, err
}

func (s *Store) ReissueBlocks(ctx context.Context, taskExecutionID int64, blockIDs []int64) ([]domain.IssuedBlock, error) {
	var out []domain.IssuedBlock
	err := s.inTx(ctx, "reissue_blocks", func(tx pgx.Tx) error {
		if err := lockExecution(ctx, tx, taskExecutionID); err != nil {
			return err
		}
		var err error
		out, err = reissue(ctx, tx, taskExecutionID, blockIDs, s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reissue blocks for task execution %d: %w", taskExecutionID, err)
	}
	return out, nil
}

func reissue(ctx context.Context, tx pgx.Tx, taskExecutionID int64, blockIDs []int64, now time.Time) ([]domain.IssuedBlock, error) {
	out := make([]domain.IssuedBlock, 0, len(blockIDs))
	for _, id := range blockIDs {
		blk, err := lockBlock(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		exec, err := insertExecution(ctx, tx, id, taskExecutionID, now)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.IssuedBlock{Block: blk, Execution: exec})
	}
	return out, nil
}

func (s *Store) FindBlocksForReprocess(ctx context.Context, q store.ReprocessQuery) ([]domain.Block, error) {
	var out []domain.Block
	err := s.withRetry(ctx, "find_blocks_for_reprocess", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+columns("b", blockColumns)+`
			FROM (
				SELECT DISTINCT ON (be.block_id) be.block_id, be.status
				FROM block_executions be
				JOIN task_executions te ON te.id = be.task_execution_id
				WHERE te.task_definition_id = $1 AND te.reference_value = $2
				ORDER BY be.block_id, be.id DESC
			) latest
			JOIN blocks b ON b.id = latest.block_id
			WHERE NOT b.is_phantom
			  AND ($3::text = $4 OR latest.status <> $5)
			ORDER BY b.created_at, b.id
		`, q.TaskDefinitionID, q.ReferenceValue,
			string(q.Scope), string(store.ReprocessAll), string(domain.BlockCompleted))
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Block, error) {
			return scanBlock(row)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find blocks of reference %q: %w", q.ReferenceValue, err)
	}
	return out, nil
}

// ─── forced queue ────────────────────────────────────────────────────────────

func (s *Store) PendingForcedBlocks(ctx context.Context, taskDefinitionID int64, blockType domain.BlockType, limit int) ([]store.QueuedBlock, error) {
	var maxRows *int64
	if limit > 0 {
		n := int64(limit)
		maxRows = &n
	}

	var out []store.QueuedBlock
	err := s.withRetry(ctx, "pending_forced_blocks", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT q.id, `+columns("b", blockColumns)+`
			FROM forced_block_queue q
			JOIN blocks b ON b.id = q.block_id
			WHERE q.task_definition_id = $1 AND q.status = $2
			ORDER BY q.id
			LIMIT $3
		`, taskDefinitionID, string(domain.ForcedPending), maxRows)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.QueuedBlock, error) {
			var (
				q store.QueuedBlock
				r blockRow
			)
			if err := row.Scan(append([]any{&q.QueueItemID}, r.dest()...)...); err != nil {
				return q, err
			}
			blk, err := r.value()
			q.Block = blk
			return q, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list forced blocks of task definition %d: %w", taskDefinitionID, err)
	}

	for _, q := range out {
		if q.Block.Type() != blockType {
			return nil, &domain.BlockTypeMismatchError{BlockID: q.Block.ID, Requested: blockType, Stored: q.Block.Type()}
		}
	}
	return out, nil
}

func (s *Store) IssueBlocks(ctx context.Context, b store.IssueBatch) (store.IssuedBatch, error) {
	if err := checkNewBlocks(b.New); err != nil {
		return store.IssuedBatch{}, err
	}

	var out store.IssuedBatch
	err := s.inTx(ctx, "issue_blocks", func(tx pgx.Tx) error {
		out = store.IssuedBatch{}
		if err := lockExecution(ctx, tx, b.TaskExecutionID); err != nil {
			return err
		}
		now := s.now()

		var err error
		if out.Forced, err = claimForced(ctx, tx, b.TaskDefinitionID, b.TaskExecutionID, b.Forced, now); err != nil {
			return err
		}
		if out.Failed, err = reissue(ctx, tx, b.TaskExecutionID, b.Failed, now); err != nil {
			return err
		}
		if out.Dead, err = reissue(ctx, tx, b.TaskExecutionID, b.Dead, now); err != nil {
			return err
		}
		out.New, err = insertBlocks(ctx, tx, b.TaskDefinitionID, b.TaskExecutionID, b.New, now)
		return err
	})
	if err != nil {
		return store.IssuedBatch{}, fmt.Errorf("issue blocks for task execution %d: %w", b.TaskExecutionID, err)
	}
	return out, nil
}

// claimForced turns the given queue items into executions. Items another
// run claimed first are skipped.
func claimForced(ctx context.Context, tx pgx.Tx, taskDefinitionID, taskExecutionID int64, queueIDs []int64, now time.Time) ([]domain.IssuedBlock, error) {
	if len(queueIDs) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT q.id, q.block_id
		FROM forced_block_queue q
		WHERE q.id = ANY($1) AND q.task_definition_id = $2 AND q.status = $3
		ORDER BY q.id
		FOR UPDATE SKIP LOCKED
	`, queueIDs, taskDefinitionID, string(domain.ForcedPending))
	if err != nil {
		return nil, err
	}
	type claim struct{ queueID, blockID int64 }
	claims, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (claim, error) {
		var c claim
		err := row.Scan(&c.queueID, &c.blockID)
		return c, err
	})
	if err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return nil, nil
	}

	claimed := make([]int64, len(claims))
	blockIDs := make([]int64, len(claims))
	for i, c := range claims {
		claimed[i], blockIDs[i] = c.queueID, c.blockID
	}
	out, err := reissue(ctx, tx, taskExecutionID, blockIDs, now)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE forced_block_queue SET status = $1 WHERE id = ANY($2)
	`, string(domain.ForcedExecutionCreated), claimed); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) EnqueueForcedBlock(ctx context.Context, blockID int64, forcedBy string) (domain.ForcedBlockQueueItem, error) {
	var (
		item   domain.ForcedBlockQueueItem
		status string
	)
	err := s.withRetry(ctx, "enqueue_forced_block", func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO forced_block_queue (task_definition_id, block_id, forced_by, status, created_at)
			SELECT task_definition_id, id, $2, $3, $4
			FROM blocks
			WHERE id = $1
			RETURNING id, task_definition_id, block_id, forced_by, status, created_at
		`, blockID, forcedBy, string(domain.ForcedPending), s.now()).Scan(
			&item.ID, &item.TaskDefinitionID, &item.BlockID, &item.ForcedBy, &status, &item.CreatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ForcedBlockQueueItem{}, &domain.BlockNotFoundError{BlockID: blockID}
		}
		return domain.ForcedBlockQueueItem{}, fmt.Errorf("enqueue forced block %d: %w", blockID, err)
	}
	item.Status = domain.ForcedStatus(status)
	return item, nil
}

// ─── blocks and executions ───────────────────────────────────────────────────

func (s *Store) GetBlock(ctx context.Context, id int64) (domain.Block, error) {
	blk, err := scanBlock(s.pool.QueryRow(ctx, `
		SELECT `+columns("", blockColumns)+`
		FROM blocks
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Block{}, &domain.BlockNotFoundError{BlockID: id}
		}
		return domain.Block{}, fmt.Errorf("get block %d: %w", id, err)
	}
	return blk, nil
}

// MarkPhantom flags a block as a phantom so discovery skips it.
func (s *Store) MarkPhantom(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE blocks SET is_phantom = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark block %d phantom: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.BlockNotFoundError{BlockID: id}
	}
	return nil
}

func (s *Store) ChangeBlockStatus(ctx context.Context, c store.StatusChange) error {
	err := s.inTx(ctx, "change_block_status", func(tx pgx.Tx) error {
		exec, err := scanBlockExecution(tx.QueryRow(ctx, `
			SELECT `+columns("", blockExecutionColumns)+`
			FROM block_executions
			WHERE id = $1
			FOR UPDATE
		`, c.BlockExecutionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("block execution %d not found", c.BlockExecutionID)
		}
		if err != nil {
			return err
		}
		from := exec.Status
		if err := exec.Transition(c.Status, c.At, c.ItemsProcessed); err != nil {
			return err
		}
		allowed := make([]string, 0, 2)
		for _, st := range domain.Predecessors(c.Status) {
			allowed = append(allowed, string(st))
		}
		tag, err := tx.Exec(ctx, `
			UPDATE block_executions
			SET status = $1, started_at = $2, completed_at = $3, items_processed = $4
			WHERE id = $5 AND status = ANY($6::text[])
		`, string(exec.Status), exec.StartedAt, exec.CompletedAt, exec.ItemsProcessed, exec.ID, allowed)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &domain.InvalidTransitionError{BlockExecutionID: exec.ID, From: from, To: c.Status}
		}
		return nil
	})
	if err != nil {
		var invalid *domain.InvalidTransitionError
		if errors.As(err, &invalid) {
			return invalid
		}
		return fmt.Errorf("change status of block execution %d: %w", c.BlockExecutionID, err)
	}
	return nil
}

func (s *Store) ListBlockExecutions(ctx context.Context, taskExecutionID int64) ([]domain.BlockExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+columns("", blockExecutionColumns)+`
		FROM block_executions
		WHERE task_execution_id = $1
		ORDER BY id
	`, taskExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list block executions of task execution %d: %w", taskExecutionID, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.BlockExecution, error) {
		return scanBlockExecution(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan block executions: %w", err)
	}
	return out, nil
}

// ─── list items ──────────────────────────────────────────────────────────────

func (s *Store) ListItems(ctx context.Context, blockID int64, statuses ...domain.ItemStatus) ([]domain.ListBlockItem, error) {
	filter := make([]string, len(statuses))
	for i, st := range statuses {
		filter[i] = string(st)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+columns("", itemColumns)+`
		FROM list_block_items
		WHERE block_id = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY id
	`, blockID, filter)
	if err != nil {
		return nil, fmt.Errorf("list items of block %d: %w", blockID, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ListBlockItem, error) {
		return scanItem(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan items of block %d: %w", blockID, err)
	}
	if len(out) == 0 {
		if _, err := s.GetBlock(ctx, blockID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) UpdateItems(ctx context.Context, blockID int64, updates []store.ItemUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	err := s.inTx(ctx, "update_items", func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, u := range updates {
			batch.Queue(`
				UPDATE list_block_items
				SET status = $1, status_reason = $2, step = $3, last_updated = $4
				WHERE id = $5 AND block_id = $6
			`, string(u.Status), u.Reason, u.Step, u.At, u.ItemID, blockID)
		}
		results := tx.SendBatch(ctx, batch)
		for _, u := range updates {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return err
			}
			if tag.RowsAffected() == 0 {
				results.Close()
				return fmt.Errorf("item %d does not belong to block %d", u.ItemID, blockID)
			}
		}
		return results.Close()
	})
	if err != nil {
		return fmt.Errorf("update items of block %d: %w", blockID, err)
	}
	return nil
}
