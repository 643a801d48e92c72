package blacklist

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisList tracks revoked userIds in Redis so revocation is honored across
// every gateway instance behind the same deployment (mirrors
// ratelimit.RedisLimiter's native-TTL-key pattern).
type RedisList struct {
	client *redis.Client
	prefix string
}

func NewRedisList(client *redis.Client) *RedisList {
	return &RedisList{client: client, prefix: "corehub:blacklist:"}
}

func (r *RedisList) key(userID string) string { return r.prefix + userID }

func (r *RedisList) Add(ctx context.Context, userID string, ttl time.Duration) {
	r.client.Set(ctx, r.key(userID), "1", ttl)
}

// Contains fails open on a Redis error: an outage must not block every
// login attempt gateway-wide just because revocation state is briefly
// unreachable (same fail-open posture as ratelimit.RedisLimiter.Check).
func (r *RedisList) Contains(ctx context.Context, userID string) bool {
	n, err := r.client.Exists(ctx, r.key(userID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}
