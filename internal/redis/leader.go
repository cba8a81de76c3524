package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLeaderTTL is how long leadership survives without renewal.
const DefaultLeaderTTL = 30 * time.Second

// Leader elects one coordinator instance per key. Each call to IsLeader
// acquires or renews the lease, so it must be called more often than ttl.
type Leader struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger
}

// NewLeader returns an elector for name.
func NewLeader(client *redis.Client, name, instanceID string, ttl time.Duration, logger *slog.Logger) *Leader {
	if ttl <= 0 {
		ttl = DefaultLeaderTTL
	}
	return &Leader{
		client:     client,
		key:        keyPrefix + "leader:" + name,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
	}
}

// IsLeader attempts SETNX and otherwise renews the lease if this instance
// owns it. Errors count as not leading.
func (l *Leader) IsLeader(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		l.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		l.logger.Info("acquired leadership",
			slog.String("key", l.key),
			slog.String("instance_id", l.instanceID),
		)
		return true
	}

	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return n == 1
}

// Resign gives up leadership if this instance holds it.
func (l *Leader) Resign(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
