package recovery

import (
	"context"
	"sort"
	"time"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
)

// Kind selects which recovery predicate applies.
type Kind string

const (
	KindDead   Kind = "dead"
	KindFailed Kind = "failed"
)

// Query describes one dead- or failed-block search.
type Query struct {
	TaskDefinitionID int64
	BlockType        domain.BlockType
	// WindowBegin and WindowEnd bound the owning TaskExecution's start
	// time as [WindowBegin, WindowEnd).
	WindowBegin time.Time
	WindowEnd   time.Time
	// RetryLimit allows RetryLimit+1 attempts in total.
	RetryLimit int
	// Limit caps the number of results. Zero or less means no cap.
	Limit int
}

// AttemptLimit is the first attempt number that is no longer eligible.
func (q Query) AttemptLimit() int {
	if q.RetryLimit < 0 {
		return 1
	}
	return q.RetryLimit + 1
}

// Window returns [now-lookback, now).
func Window(now time.Time, lookback time.Duration) (begin, end time.Time) {
	return now.Add(-lookback), now
}

// Criteria is a Query bound to a kind and an evaluation instant.
type Criteria struct {
	Query
	Kind Kind
	Now  time.Time
}

// Candidate is a block together with its latest execution in the window
// and the TaskExecution that owns that execution.
type Candidate struct {
	Block     domain.Block
	Execution domain.BlockExecution
	Owner     domain.TaskExecution
}

// Source returns the candidates matching c, already filtered and ordered.
type Source interface {
	FindCandidates(ctx context.Context, c Criteria) ([]Candidate, error)
}

// Select applies the recovery rules to rows in memory. Each row is one
// BlockExecution joined to its block and owner.
//
// Rows outside the window are ignored, the highest execution id per block is
// the block's current state, phantom blocks and exhausted attempts are
// dropped, the kind predicate is applied, and the result is ordered by block
// creation time then block id and capped at c.Limit.
func Select(rows []Candidate, c Criteria) []Candidate {
	latest := make(map[int64]Candidate)
	for _, row := range rows {
		if row.Block.TaskDefinitionID != c.TaskDefinitionID {
			continue
		}
		if !inWindow(row.Owner.StartedAt, c.WindowBegin, c.WindowEnd) {
			continue
		}
		cur, ok := latest[row.Block.ID]
		if !ok || row.Execution.ID > cur.Execution.ID {
			latest[row.Block.ID] = row
		}
	}

	out := make([]Candidate, 0, len(latest))
	for _, cand := range latest {
		if cand.Block.IsPhantom {
			continue
		}
		if cand.Execution.Attempt >= c.AttemptLimit() {
			continue
		}
		if !Matches(cand, c.Kind, c.Now) {
			continue
		}
		out = append(out, cand)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Block, out[j].Block
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out
}

// Matches applies the kind predicate to a candidate's latest execution.
// Failed finding ignores liveness; dead finding ignores everything but
// non-terminal status and the owner's liveness.
func Matches(c Candidate, kind Kind, now time.Time) bool {
	switch kind {
	case KindFailed:
		return c.Execution.Status == domain.BlockFailed
	case KindDead:
		return !c.Execution.Status.IsTerminal() && c.Owner.IsDead(now)
	default:
		return false
	}
}

func inWindow(t, begin, end time.Time) bool {
	return !t.Before(begin) && t.Before(end)
}
