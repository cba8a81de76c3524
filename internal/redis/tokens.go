package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// UnlimitedToken is granted when a task has no concurrency limit.
const UnlimitedToken = "unlimited"

// Tokens keeps execution token slots as Redis keys holding the id of the
// execution that owns them. A slot whose owner stops renewing it expires
// after its TTL and can be taken again.
type Tokens struct {
	client *redis.Client
}

// NewTokens returns a Redis-backed token store.
func NewTokens(client *redis.Client) *Tokens {
	return &Tokens{client: client}
}

func slotToken(i int) string { return "slot-" + strconv.Itoa(i) }

func tokenKey(taskDefinitionID int64, token string) string {
	return fmt.Sprintf("%stoken:%d:%s", keyPrefix, taskDefinitionID, token)
}

// Acquire takes the first free slot among limit slots with SETNX.
func (t *Tokens) Acquire(ctx context.Context, taskDefinitionID, executionID int64, limit int, ttl time.Duration) (string, bool, error) {
	if limit <= 0 {
		return UnlimitedToken, true, nil
	}
	owner := strconv.FormatInt(executionID, 10)
	for i := range limit {
		token := slotToken(i)
		ok, err := t.client.SetNX(ctx, tokenKey(taskDefinitionID, token), owner, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("acquire token %s of task definition %d: %w", token, taskDefinitionID, err)
		}
		if ok {
			return token, true, nil
		}
	}
	return "", false, nil
}

// Renew extends the slot if executionID still holds it.
func (t *Tokens) Renew(ctx context.Context, taskDefinitionID int64, token string, executionID int64, ttl time.Duration) error {
	if token == UnlimitedToken {
		return nil
	}
	n, err := renewScript.Run(ctx, t.client,
		[]string{tokenKey(taskDefinitionID, token)},
		strconv.FormatInt(executionID, 10), ttl.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("renew token %s: %w", token, err)
	}
	if n != 1 {
		return fmt.Errorf("renew token %s: not held by execution %d", token, executionID)
	}
	return nil
}

// Release frees the slot if executionID still holds it.
func (t *Tokens) Release(ctx context.Context, taskDefinitionID int64, token string, executionID int64) error {
	if token == UnlimitedToken || token == "" {
		return nil
	}
	err := releaseScript.Run(ctx, t.client,
		[]string{tokenKey(taskDefinitionID, token)},
		strconv.FormatInt(executionID, 10),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release token %s: %w", token, err)
	}
	return nil
}
