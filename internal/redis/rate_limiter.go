package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript trims arrivals older than the window start, then records the
// new arrival only when fewer than the limit remain. Rejected requests leave
// the window unchanged.
//
// KEYS[1] window key; ARGV: window start, arrival, limit, member, ttl ms.
var admitScript = redis.NewScript(`
	redis.call("zremrangebyscore", KEYS[1], "-inf", ARGV[1])
	if redis.call("zcard", KEYS[1]) >= tonumber(ARGV[3]) then
		return 0
	end
	redis.call("zadd", KEYS[1], ARGV[2], ARGV[4])
	redis.call("pexpire", KEYS[1], ARGV[5])
	return 1
`)

// RateLimiter admits at most limit admin requests per client within a
// sliding window shared by every coordinator instance.
type RateLimiter struct {
	client redis.Scripter
	limit  int
	window time.Duration
	now    func() time.Time
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// LimiterClock sets the time source for arrival stamps.
func LimiterClock(now func() time.Time) LimiterOption {
	return func(r *RateLimiter) { r.now = now }
}

func NewRateLimiter(client redis.Scripter, limit int, window time.Duration, opts ...LimiterOption) *RateLimiter {
	r := &RateLimiter{client: client, limit: limit, window: window, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RateLimiter) Limit() int { return r.limit }

func windowKey(client string) string { return keyPrefix + "admin-window:" + client }

// Allow reports whether client may issue another request now.
func (r *RateLimiter) Allow(ctx context.Context, client string) (bool, error) {
	at := r.now().UnixMicro()
	admitted, err := admitScript.Run(ctx, r.client,
		[]string{windowKey(client)},
		at-r.window.Microseconds(), at, r.limit, uuid.NewString(), r.window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("admit request of %s: %w", client, err)
	}
	return admitted == 1, nil
}
