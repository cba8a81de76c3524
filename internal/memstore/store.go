// Package memstore keeps every persistence contract in process memory.
// It backs unit tests and single-process runs; state is lost on exit.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/recovery"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
)

// Store implements the store and recovery contracts. All methods are safe
// for concurrent use and each call is atomic.
type Store struct {
	mu  sync.Mutex
	now func() time.Time
	seq int64

	definitions map[int64]*domain.TaskDefinition
	executions  map[int64]*domain.TaskExecution
	blocks      map[int64]*domain.Block
	blockExecs  []*domain.BlockExecution
	items       map[int64][]*domain.ListBlockItem
	forced      []*domain.ForcedBlockQueueItem
	events      []domain.Event
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

// WithClock sets the time source used for created-at stamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		definitions: make(map[int64]*domain.TaskDefinition),
		executions:  make(map[int64]*domain.TaskExecution),
		blocks:      make(map[int64]*domain.Block),
		items:       make(map[int64][]*domain.ListBlockItem),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// ─── task definitions and executions ─────────────────────────────────────────

func (s *Store) EnsureTaskDefinition(_ context.Context, application, name string) (domain.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def, ok := s.findDefinition(application, name); ok {
		return *def, nil
	}
	def := &domain.TaskDefinition{
		ID:          s.nextID(),
		Application: application,
		Name:        name,
		CreatedAt:   s.now(),
	}
	s.definitions[def.ID] = def
	return *def, nil
}

func (s *Store) GetTaskDefinition(_ context.Context, application, name string) (domain.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def, ok := s.findDefinition(application, name); ok {
		return *def, nil
	}
	return domain.TaskDefinition{}, &domain.TaskDefinitionNotFoundError{Application: application, Name: name}
}

func (s *Store) findDefinition(application, name string) (*domain.TaskDefinition, bool) {
	for _, def := range s.definitions {
		if def.Application == application && def.Name == name {
			return def, true
		}
	}
	return nil, false
}

func (s *Store) CreateTaskExecution(_ context.Context, exec *domain.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[exec.TaskDefinitionID]; !ok {
		return fmt.Errorf("create task execution: unknown task definition %d", exec.TaskDefinitionID)
	}
	exec.ID = s.nextID()
	cp := *exec
	s.executions[cp.ID] = &cp
	return nil
}

func (s *Store) GetTaskExecution(_ context.Context, id int64) (domain.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return domain.TaskExecution{}, &domain.TaskExecutionNotFoundError{TaskExecutionID: id}
	}
	return *exec, nil
}

func (s *Store) RecordKeepAlive(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return &domain.TaskExecutionNotFoundError{TaskExecutionID: id}
	}
	exec.LastKeepAlive = at
	return nil
}

func (s *Store) SetExecutionToken(_ context.Context, id int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return &domain.TaskExecutionNotFoundError{TaskExecutionID: id}
	}
	exec.TokenID = token
	return nil
}

func (s *Store) CompleteTaskExecution(_ context.Context, id int64, c store.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return &domain.TaskExecutionNotFoundError{TaskExecutionID: id}
	}
	at := c.At
	exec.CompletedAt = &at
	exec.Failed = c.Failed
	exec.Blocked = c.Blocked
	return nil
}

// ─── blocks ──────────────────────────────────────────────────────────────────

func (s *Store) CreateBlocks(_ context.Context, taskDefinitionID, taskExecutionID int64, blocks []domain.NewBlock) ([]domain.IssuedBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[taskExecutionID]; !ok {
		return nil, &domain.TaskExecutionNotFoundError{TaskExecutionID: taskExecutionID}
	}
	if err := checkNewBlocks(blocks); err != nil {
		return nil, err
	}
	return s.insertBlocks(taskDefinitionID, taskExecutionID, blocks, s.now()), nil
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

func (s *Store) insertBlocks(taskDefinitionID, taskExecutionID int64, blocks []domain.NewBlock, now time.Time) []domain.IssuedBlock {
	out := make([]domain.IssuedBlock, 0, len(blocks))
	for _, nb := range blocks {
		blk := &domain.Block{
			ID:               s.nextID(),
			TaskDefinitionID: taskDefinitionID,
			CreatedAt:        now,
			Shape:            nb.Shape,
		}
		s.blocks[blk.ID] = blk
		for _, v := range nb.Items {
			s.items[blk.ID] = append(s.items[blk.ID], &domain.ListBlockItem{
				ID:          s.nextID(),
				BlockID:     blk.ID,
				Value:       slices.Clone(v),
				Status:      domain.ItemPending,
				LastUpdated: now,
			})
		}
		exec := s.newExecution(blk.ID, taskExecutionID, 1, now)
		out = append(out, domain.IssuedBlock{Block: *blk, Execution: *exec})
	}
	return out
}

func (s *Store) newExecution(blockID, taskExecutionID int64, attempt int, now time.Time) *domain.BlockExecution {
	exec := &domain.BlockExecution{
		ID:              s.nextID(),
		BlockID:         blockID,
		TaskExecutionID: taskExecutionID,
		Attempt:         attempt,
		Status:          domain.BlockNotStarted,
		CreatedAt:       now,
	}
	s.blockExecs = append(s.blockExecs, exec)
	return exec
}

func (s *Store) lastAttempt(blockID int64) int {
	last := 0
	for _, e := range s.blockExecs {
		if e.BlockID == blockID && e.Attempt > last {
			last = e.Attempt
		}
	}
	return last
}

func (s *Store) ReissueBlocks(_ context.Context, taskExecutionID int64, blockIDs []int64) ([]domain.IssuedBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkBlocks(blockIDs); err != nil {
		return nil, err
	}
	return s.reissue(taskExecutionID, blockIDs, s.now()), nil
}

func (s *Store) checkBlocks(blockIDs []int64) error {
	for _, id := range blockIDs {
		if _, ok := s.blocks[id]; !ok {
			return &domain.BlockNotFoundError{BlockID: id}
		}
	}
	return nil
}

func (s *Store) reissue(taskExecutionID int64, blockIDs []int64, now time.Time) []domain.IssuedBlock {
	out := make([]domain.IssuedBlock, 0, len(blockIDs))
	for _, id := range blockIDs {
		exec := s.newExecution(id, taskExecutionID, s.lastAttempt(id)+1, now)
		out = append(out, domain.IssuedBlock{Block: *s.blocks[id], Execution: *exec})
	}
	return out
}

func (s *Store) FindBlocksForReprocess(_ context.Context, q store.ReprocessQuery) ([]domain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[int64]*domain.BlockExecution)
	for _, e := range s.blockExecs {
		owner, ok := s.executions[e.TaskExecutionID]
		if !ok || owner.TaskDefinitionID != q.TaskDefinitionID || owner.ReferenceValue != q.ReferenceValue {
			continue
		}
		if cur, ok := latest[e.BlockID]; !ok || e.ID > cur.ID {
			latest[e.BlockID] = e
		}
	}

	var out []domain.Block
	for blockID, e := range latest {
		blk := s.blocks[blockID]
		if blk == nil || blk.IsPhantom {
			continue
		}
		if q.Scope == store.ReprocessPendingOrFailed && e.Status == domain.BlockCompleted {
			continue
		}
		out = append(out, *blk)
	}
	sortBlocks(out)
	return out, nil
}

func sortBlocks(blocks []domain.Block) {
	slices.SortFunc(blocks, func(a, b domain.Block) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
}

func (s *Store) PendingForcedBlocks(_ context.Context, taskDefinitionID int64, blockType domain.BlockType, limit int) ([]store.QueuedBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.QueuedBlock
	for _, item := range s.forced {
		if item.TaskDefinitionID != taskDefinitionID || item.Status != domain.ForcedPending {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		blk, ok := s.blocks[item.BlockID]
		if !ok {
			return nil, &domain.BlockNotFoundError{BlockID: item.BlockID}
		}
		if blk.Type() != blockType {
			return nil, &domain.BlockTypeMismatchError{BlockID: blk.ID, Requested: blockType, Stored: blk.Type()}
		}
		out = append(out, store.QueuedBlock{QueueItemID: item.ID, Block: *blk})
	}
	return out, nil
}

func (s *Store) IssueBlocks(_ context.Context, b store.IssueBatch) (store.IssuedBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[b.TaskExecutionID]; !ok {
		return store.IssuedBatch{}, &domain.TaskExecutionNotFoundError{TaskExecutionID: b.TaskExecutionID}
	}
	if err := checkNewBlocks(b.New); err != nil {
		return store.IssuedBatch{}, err
	}
	if err := s.checkBlocks(b.Failed); err != nil {
		return store.IssuedBatch{}, err
	}
	if err := s.checkBlocks(b.Dead); err != nil {
		return store.IssuedBatch{}, err
	}

	var claimed []*domain.ForcedBlockQueueItem
	for _, item := range s.forced {
		if item.TaskDefinitionID == b.TaskDefinitionID && item.Status == domain.ForcedPending && slices.Contains(b.Forced, item.ID) {
			claimed = append(claimed, item)
		}
	}
	forcedIDs := make([]int64, len(claimed))
	for i, item := range claimed {
		forcedIDs[i] = item.BlockID
	}
	if err := s.checkBlocks(forcedIDs); err != nil {
		return store.IssuedBatch{}, err
	}

	now := s.now()
	out := store.IssuedBatch{
		Forced: s.reissue(b.TaskExecutionID, forcedIDs, now),
		Failed: s.reissue(b.TaskExecutionID, b.Failed, now),
		Dead:   s.reissue(b.TaskExecutionID, b.Dead, now),
		New:    s.insertBlocks(b.TaskDefinitionID, b.TaskExecutionID, b.New, now),
	}
	for _, item := range claimed {
		item.Status = domain.ForcedExecutionCreated
	}
	return out, nil
}

func (s *Store) EnqueueForcedBlock(_ context.Context, blockID int64, forcedBy string) (domain.ForcedBlockQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blk, ok := s.blocks[blockID]
	if !ok {
		return domain.ForcedBlockQueueItem{}, &domain.BlockNotFoundError{BlockID: blockID}
	}
	item := &domain.ForcedBlockQueueItem{
		ID:               s.nextID(),
		TaskDefinitionID: blk.TaskDefinitionID,
		BlockID:          blockID,
		ForcedBy:         forcedBy,
		Status:           domain.ForcedPending,
		CreatedAt:        s.now(),
	}
	s.forced = append(s.forced, item)
	return *item, nil
}

func (s *Store) GetBlock(_ context.Context, id int64) (domain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blk, ok := s.blocks[id]
	if !ok {
		return domain.Block{}, &domain.BlockNotFoundError{BlockID: id}
	}
	return *blk, nil
}

// MarkPhantom flags a block as a phantom so discovery skips it.
func (s *Store) MarkPhantom(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blk, ok := s.blocks[id]; ok {
		blk.IsPhantom = true
	}
}

func (s *Store) ChangeBlockStatus(_ context.Context, c store.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.blockExecs {
		if e.ID != c.BlockExecutionID {
			continue
		}
		next := *e
		if err := next.Transition(c.Status, c.At, c.ItemsProcessed); err != nil {
			return err
		}
		*e = next
		return nil
	}
	return fmt.Errorf("change block status: block execution %d not found", c.BlockExecutionID)
}

func (s *Store) ListBlockExecutions(_ context.Context, taskExecutionID int64) ([]domain.BlockExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.BlockExecution
	for _, e := range s.blockExecs {
		if e.TaskExecutionID == taskExecutionID {
			out = append(out, *e)
		}
	}
	return out, nil
}

// ─── list items ──────────────────────────────────────────────────────────────

func (s *Store) ListItems(_ context.Context, blockID int64, statuses ...domain.ItemStatus) ([]domain.ListBlockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[blockID]; !ok {
		return nil, &domain.BlockNotFoundError{BlockID: blockID}
	}
	var out []domain.ListBlockItem
	for _, item := range s.items[blockID] {
		if len(statuses) > 0 && !slices.Contains(statuses, item.Status) {
			continue
		}
		cp := *item
		cp.Value = slices.Clone(item.Value)
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) UpdateItems(_ context.Context, blockID int64, updates []store.ItemUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[int64]*domain.ListBlockItem, len(s.items[blockID]))
	for _, item := range s.items[blockID] {
		byID[item.ID] = item
	}
	for _, u := range updates {
		if _, ok := byID[u.ItemID]; !ok {
			return fmt.Errorf("update items: item %d does not belong to block %d", u.ItemID, blockID)
		}
	}
	for _, u := range updates {
		item := byID[u.ItemID]
		item.Status = u.Status
		item.StatusReason = u.Reason
		item.Step = u.Step
		item.LastUpdated = u.At
	}
	return nil
}

// ─── events ──────────────────────────────────────────────────────────────────

func (s *Store) RecordEvent(_ context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = s.nextID()
	s.events = append(s.events, e)
	return nil
}

func (s *Store) ListEvents(_ context.Context, taskExecutionID int64) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Event
	for _, e := range s.events {
		if e.TaskExecutionID == taskExecutionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ─── recovery ────────────────────────────────────────────────────────────────

// FindCandidates joins every block execution to its block and owner and
// applies recovery.Select.
func (s *Store) FindCandidates(_ context.Context, c recovery.Criteria) ([]recovery.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]recovery.Candidate, 0, len(s.blockExecs))
	for _, e := range s.blockExecs {
		blk, ok := s.blocks[e.BlockID]
		if !ok {
			continue
		}
		owner, ok := s.executions[e.TaskExecutionID]
		if !ok {
			continue
		}
		rows = append(rows, recovery.Candidate{Block: *blk, Execution: *e, Owner: *owner})
	}
	return recovery.Select(rows, c), nil
}

// ─── cleanup ─────────────────────────────────────────────────────────────────

func (s *Store) ListTaskDefinitions(_ context.Context) ([]domain.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.TaskDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, *def)
	}
	slices.SortFunc(out, func(a, b domain.TaskDefinition) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *Store) DeleteListItemsBefore(_ context.Context, taskDefinitionID int64, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, blk := range s.blocks {
		if blk.TaskDefinitionID == taskDefinitionID && blk.CreatedAt.Before(before) {
			n += int64(len(s.items[id]))
			delete(s.items, id)
		}
	}
	return n, nil
}

func (s *Store) DeleteExecutionsBefore(_ context.Context, taskDefinitionID int64, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[int64]bool)
	for id, exec := range s.executions {
		if exec.TaskDefinitionID == taskDefinitionID && exec.StartedAt.Before(before) {
			removed[id] = true
			delete(s.executions, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	s.blockExecs = slices.DeleteFunc(s.blockExecs, func(e *domain.BlockExecution) bool {
		return removed[e.TaskExecutionID]
	})
	s.events = slices.DeleteFunc(s.events, func(e domain.Event) bool {
		return removed[e.TaskExecutionID]
	})

	referenced := make(map[int64]bool, len(s.blockExecs))
	for _, e := range s.blockExecs {
		referenced[e.BlockID] = true
	}
	for id, blk := range s.blocks {
		if blk.TaskDefinitionID == taskDefinitionID && !referenced[id] && blk.CreatedAt.Before(before) {
			delete(s.blocks, id)
			delete(s.items, id)
		}
	}
	s.forced = slices.DeleteFunc(s.forced, func(item *domain.ForcedBlockQueueItem) bool {
		_, ok := s.blocks[item.BlockID]
		return !ok
	})
	return int64(len(removed)), nil
}

func (s *Store) MarkCleaned(_ context.Context, taskDefinitionID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[taskDefinitionID]
	if !ok {
		return fmt.Errorf("mark cleaned: unknown task definition %d", taskDefinitionID)
	}
	def.LastCleanedAt = &at
	return nil
}
