// Package ratelimit implements the gateway's per-key request limiter
// (spec §4.3): a fixed-window counter keyed by userId once authenticated,
// or by remote IP before that, plus the built-in identity's separate
// per-(username,ip) login limiter.
//
// The in-process implementation is a generalization of the teacher's
// internal/middleware/ratelimit.go token-bucket-per-IP pattern, reshaped
// into the window-counter semantics the spec requires (retryAfterMs is only
// meaningful against a window boundary, not a token bucket). RedisLimiter
// (redis.go) tracks windows in Redis instead so limits can be shared across
// gateway instances, mirroring the teacher's internal/cache-backed session
// store; no configuration setting selects it, and cmd/gatewayd wires the
// in-process limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the result of a Check call.
type Decision struct {
	Allowed      bool
	RetryAfterMs int64
}

// Limiter is a window-based per-key counter.
type Limiter interface {
	// Check increments the counter for key and reports whether the request
	// is allowed under (maxRequests, windowMs).
	Check(ctx context.Context, key string, maxRequests int, window time.Duration) Decision
	// Reset clears the counter for key (spec §4.3: "successful login resets
	// the counter for that username").
	Reset(ctx context.Context, key string)
}

type window struct {
	count      int
	windowEnds time.Time
}

// MemLimiter is the default in-process fixed-window limiter.
type MemLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemLimiter creates an in-process limiter.
func NewMemLimiter() *MemLimiter {
	return &MemLimiter{windows: make(map[string]*window)}
}

func (l *MemLimiter) Check(_ context.Context, key string, maxRequests int, winDur time.Duration) Decision {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.windowEnds) {
		w = &window{count: 0, windowEnds: now.Add(winDur)}
		l.windows[key] = w
	}
	w.count++
	if w.count > maxRequests {
		return Decision{Allowed: false, RetryAfterMs: w.windowEnds.Sub(now).Milliseconds()}
	}
	return Decision{Allowed: true}
}

func (l *MemLimiter) Reset(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Config controls whether the per-request limiter is active at all (spec
// §4.3: "Disabled entirely when not configured").
type Config struct {
	Enabled     bool
	MaxRequests int
	Window      time.Duration
}

// RequestLimiter wraps a Limiter with the gateway's key-selection policy:
// userId once authenticated, otherwise "ip:<remoteAddr>" — and always by IP
// for auth.login / identity.login* regardless of session state, to stop a
// brute-forcer from laundering failed-credential attempts through a
// per-user bucket (spec §4.3).
type RequestLimiter struct {
	cfg     Config
	limiter Limiter
}

func NewRequestLimiter(cfg Config, limiter Limiter) *RequestLimiter {
	if limiter == nil {
		limiter = NewMemLimiter()
	}
	return &RequestLimiter{cfg: cfg, limiter: limiter}
}

var loginOperations = map[string]bool{
	"auth.login":               true,
	"identity.login":           true,
	"identity.loginWithSecret": true,
}

// Check applies the configured limit to one inbound operation. userID is ""
// for unauthenticated connections.
func (r *RequestLimiter) Check(ctx context.Context, opType, remoteAddr, userID string) Decision {
	if !r.cfg.Enabled {
		return Decision{Allowed: true}
	}
	key := "ip:" + remoteAddr
	if userID != "" && !loginOperations[opType] {
		key = "user:" + userID
	}
	return r.limiter.Check(ctx, key, r.cfg.MaxRequests, r.cfg.Window)
}

// LoginLimiterConfig configures the built-in identity's login-attempt limiter.
type LoginLimiterConfig struct {
	MaxAttempts int
	Window      time.Duration
}

// LoginLimiter enforces spec §4.3's built-in-identity login rate limit,
// keyed by (username, ip), reset on successful login.
type LoginLimiter struct {
	cfg     LoginLimiterConfig
	limiter Limiter
}

func NewLoginLimiter(cfg LoginLimiterConfig, limiter Limiter) *LoginLimiter {
	if limiter == nil {
		limiter = NewMemLimiter()
	}
	return &LoginLimiter{cfg: cfg, limiter: limiter}
}

func loginKey(username, ip string) string {
	return "login:" + username + ":" + ip
}

// CheckAttempt records one login attempt and reports whether it's allowed.
func (l *LoginLimiter) CheckAttempt(ctx context.Context, username, ip string) Decision {
	return l.limiter.Check(ctx, loginKey(username, ip), l.cfg.MaxAttempts, l.cfg.Window)
}

// ResetOnSuccess clears the attempt counter after a successful login.
func (l *LoginLimiter) ResetOnSuccess(ctx context.Context, username, ip string) {
	l.limiter.Reset(ctx, loginKey(username, ip))
}
