package memstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const pollInterval = 10 * time.Millisecond

// UnlimitedToken is granted when a task has no concurrency limit.
const UnlimitedToken = "unlimited"

type slot struct {
	executionID int64
	expires     time.Time
}

// Tokens is an in-memory execution-token store. A slot whose holder stopped
// renewing it is reclaimed once its TTL passes.
type Tokens struct {
	mu    sync.Mutex
	now   func() time.Time
	slots map[int64]map[string]slot
}

// NewTokens returns an empty token store.
func NewTokens() *Tokens {
	return &Tokens{now: time.Now, slots: make(map[int64]map[string]slot)}
}

func tokenID(i int) string { return "slot-" + strconv.Itoa(i) }

// Acquire takes the first free slot among limit slots. A limit of zero or
// less always grants UnlimitedToken.
func (t *Tokens) Acquire(_ context.Context, taskDefinitionID, executionID int64, limit int, ttl time.Duration) (string, bool, error) {
	if limit <= 0 {
		return UnlimitedToken, true, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	slots := t.slots[taskDefinitionID]
	if slots == nil {
		slots = make(map[string]slot)
		t.slots[taskDefinitionID] = slots
	}
	now := t.now()
	for i := 0; i < limit; i++ {
		id := tokenID(i)
		if cur, ok := slots[id]; ok && now.Before(cur.expires) {
			continue
		}
		slots[id] = slot{executionID: executionID, expires: now.Add(ttl)}
		return id, true, nil
	}
	return "", false, nil
}

// Renew extends the slot if executionID still holds it.
func (t *Tokens) Renew(_ context.Context, taskDefinitionID int64, token string, executionID int64, ttl time.Duration) error {
	if token == UnlimitedToken {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.slots[taskDefinitionID][token]
	if !ok || cur.executionID != executionID {
		return fmt.Errorf("renew token %s: not held by execution %d", token, executionID)
	}
	cur.expires = t.now().Add(ttl)
	t.slots[taskDefinitionID][token] = cur
	return nil
}

// Release frees the slot if executionID still holds it.
func (t *Tokens) Release(_ context.Context, taskDefinitionID int64, token string, executionID int64) error {
	if token == UnlimitedToken {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.slots[taskDefinitionID][token]; ok && cur.executionID == executionID {
		delete(t.slots[taskDefinitionID], token)
	}
	return nil
}

// Locks is an in-memory critical section keyed by task definition.
type Locks struct {
	mu      sync.Mutex
	now     func() time.Time
	lease   time.Duration
	holders map[int64]slot
	owners  map[int64]string
}

// NewLocks returns a lock table whose entries expire after lease unless released.
func NewLocks(lease time.Duration) *Locks {
	return &Locks{
		now:     time.Now,
		lease:   lease,
		holders: make(map[int64]slot),
		owners:  make(map[int64]string),
	}
}

// TryStart polls for the lock for up to timeout on each of attempts tries.
func (l *Locks) TryStart(ctx context.Context, taskDefinitionID int64, holder string, timeout time.Duration, attempts int) (bool, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		deadline := time.Now().Add(timeout)
		for {
			if l.tryLock(taskDefinitionID, holder) {
				return true, nil
			}
			if !time.Now().Before(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
	return false, nil
}

func (l *Locks) tryLock(taskDefinitionID int64, holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.holders[taskDefinitionID]; ok && now.Before(cur.expires) && l.owners[taskDefinitionID] != holder {
		return false
	}
	l.holders[taskDefinitionID] = slot{expires: now.Add(l.lease)}
	l.owners[taskDefinitionID] = holder
	return true
}

// Complete releases the lock if holder owns it.
func (l *Locks) Complete(_ context.Context, taskDefinitionID int64, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owners[taskDefinitionID] == holder {
		delete(l.holders, taskDefinitionID)
		delete(l.owners, taskDefinitionID)
	}
	return nil
}
