package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BurstLimiter implements Limiter over golang.org/x/time/rate instead of a
// hard fixed-window counter: each key gets its own token bucket that
// refills continuously at maxRequests/window rather than resetting all at
// once at a window boundary. Used as the built-in identity's login-attempt
// limiter (spec §4.3) so a burst of attempts spread just inside one window
// and just inside the next doesn't let an attacker double their effective
// rate at the boundary the way a fixed window would.
//
// Grounded on the teacher's internal/middleware/ratelimit.go token-bucket
// pattern, generalized here from one global bucket to one bucket per key.
type BurstLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewBurstLimiter creates an in-process per-key token-bucket limiter.
func NewBurstLimiter() *BurstLimiter {
	return &BurstLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (b *BurstLimiter) bucket(key string, maxRequests int, window time.Duration) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.buckets[key]
	if !ok {
		refill := rate.Every(window / time.Duration(maxRequests))
		l = rate.NewLimiter(refill, maxRequests)
		b.buckets[key] = l
	}
	return l
}

func (b *BurstLimiter) Check(_ context.Context, key string, maxRequests int, window time.Duration) Decision {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	l := b.bucket(key, maxRequests, window)
	if l.Allow() {
		return Decision{Allowed: true}
	}
	reservation := l.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return Decision{Allowed: false, RetryAfterMs: delay.Milliseconds()}
}

func (b *BurstLimiter) Reset(_ context.Context, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buckets, key)
}
