package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rl:"

// RedisBackend shares window counters across processes. Each method performs
// a single bounded round trip and reports failure through its ok return, at
// which point the limiter falls back to its local window. Blocks, violations,
// and stats always stay process-local.
type RedisBackend struct {
	rdb     *redis.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedisBackend wraps a Redis client for limiter use. Returns nil when the
// client is nil so callers can pass through an optional cache handle.
func NewRedisBackend(rdb *redis.Client, logger *slog.Logger) *RedisBackend {
	if rdb == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackend{rdb: rdb, logger: logger, timeout: 500 * time.Millisecond}
}

// check reads the current count and TTL for a window key. The second return
// is false when Redis is unreachable.
func (b *RedisBackend) check(key string, limit int, window time.Duration, now time.Time) (Result, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	pipe := b.rdb.Pipeline()
	getCmd := pipe.Get(ctx, redisKeyPrefix+key)
	ttlCmd := pipe.PTTL(ctx, redisKeyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		b.logger.Warn("rate limit redis check failed", slog.String("error", err.Error()))
		return Result{}, false
	}

	count, err := getCmd.Int()
	if err == redis.Nil {
		return Result{Allowed: true, Remaining: limit, ResetTime: now.Add(window)}, true
	}
	if err != nil {
		return Result{}, false
	}

	ttl, err := ttlCmd.Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	reset := now.Add(ttl)

	if count >= limit {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  reset,
			RetryAfter: retryAfterSeconds(now, reset),
			Reason:     ReasonWindowExceeded,
		}, true
	}
	return Result{Allowed: true, Remaining: limit - count, ResetTime: reset}, true
}

// record commits one event to a window key. INCR creates the key at 1; the
// expiry is attached only on creation so the window resets wholesale.
func (b *RedisBackend) record(key string, window time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	count, err := b.rdb.Incr(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		b.logger.Warn("rate limit redis record failed", slog.String("error", err.Error()))
		return false
	}
	if count == 1 {
		b.rdb.Expire(ctx, redisKeyPrefix+key, window)
	}
	return true
}

// reset deletes window keys for an identity prefix. Best effort.
func (b *RedisBackend) reset(prefix, eventType string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pattern := redisKeyPrefix + prefix + "*"
	if eventType != "" {
		pattern = redisKeyPrefix + prefix + eventType
	}

	iter := b.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		b.logger.Warn("rate limit redis reset scan failed", slog.String("error", err.Error()))
		return
	}
	if len(keys) > 0 {
		if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
			b.logger.Warn("rate limit redis reset failed", slog.String("error", err.Error()))
		}
	}
}
