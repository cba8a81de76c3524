// Package redis coordinates coordinator instances through Redis: execution
// tokens, the per-task critical section, leader election for the cleanup
// sweeper, and rate limiting of the admin API.
package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "blockflow:"

// NewClient creates and returns a new Redis client.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// renewScript extends a key's TTL only while it still holds ARGV[1].
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// releaseScript deletes a key only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)
