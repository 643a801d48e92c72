package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with fixed windows tracked in Redis, so
// the per-key counters are shared across every gateway instance behind the
// same deployment — the distributed analogue of the teacher's
// internal/cache-backed session tracking (internal/auth/session_store.go).
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "corehub:ratelimit:"}
}

func (r *RedisLimiter) key(k string) string {
	return r.prefix + k
}

// Check uses INCR + a window-scoped key (the key itself expires at the end
// of the window) so a single round trip both increments and bounds the
// window, mirroring the teacher's pattern of rekeying on TTL rather than
// tracking window boundaries client-side.
func (r *RedisLimiter) Check(ctx context.Context, key string, maxRequests int, window time.Duration) Decision {
	redisKey := r.key(key)
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		// Fail open: a Redis outage must not take down the whole gateway's
		// request path. The in-process limiter remains available as a
		// fallback for deployments without Redis configured at all.
		return Decision{Allowed: true}
	}
	if count == 1 {
		r.client.Expire(ctx, redisKey, window)
	}
	if int(count) > maxRequests {
		ttl, _ := r.client.TTL(ctx, redisKey).Result()
		return Decision{Allowed: false, RetryAfterMs: ttl.Milliseconds()}
	}
	return Decision{Allowed: true}
}

func (r *RedisLimiter) Reset(ctx context.Context, key string) {
	r.client.Del(ctx, r.key(key))
}

// Ping verifies Redis connectivity at startup.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis rate limiter: %w", err)
	}
	return nil
}
