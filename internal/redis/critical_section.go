package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLease bounds how long a crashed holder keeps the section.
	DefaultLease = 30 * time.Second
	pollInterval = 25 * time.Millisecond
)

// CriticalSection serialises block generation per task definition across
// coordinator instances.
type CriticalSection struct {
	client *redis.Client
	lease  time.Duration
}

// NewCriticalSection returns a critical section whose entries expire after
// lease unless released first.
func NewCriticalSection(client *redis.Client, lease time.Duration) *CriticalSection {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &CriticalSection{client: client, lease: lease}
}

func sectionKey(taskDefinitionID int64) string {
	return fmt.Sprintf("%scritical:%d", keyPrefix, taskDefinitionID)
}

// TryStart polls for the section for up to timeout on each of attempts tries.
func (c *CriticalSection) TryStart(ctx context.Context, taskDefinitionID int64, holder string, timeout time.Duration, attempts int) (bool, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for range attempts {
		deadline := time.Now().Add(timeout)
		for {
			ok, err := c.tryLock(ctx, taskDefinitionID, holder)
			if err != nil {
				return false, err
			}
			if ok {
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

// tryLock takes the key with SETNX, or refreshes it when holder already owns it.
func (c *CriticalSection) tryLock(ctx context.Context, taskDefinitionID int64, holder string) (bool, error) {
	key := sectionKey(taskDefinitionID)
	ok, err := c.client.SetNX(ctx, key, holder, c.lease).Result()
	if err != nil {
		return false, fmt.Errorf("critical section SetNX: %w", err)
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, c.client, []string{key}, holder, c.lease.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("critical section renew: %w", err)
	}
	return n == 1, nil
}

// Complete releases the section if holder owns it.
func (c *CriticalSection) Complete(ctx context.Context, taskDefinitionID int64, holder string) error {
	err := releaseScript.Run(ctx, c.client, []string{sectionKey(taskDefinitionID)}, holder).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release critical section of task definition %d: %w", taskDefinitionID, err)
	}
	return nil
}
