package builtin

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabricgate/corehub/internal/blacklist"
	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/ratelimit"
	"github.com/fabricgate/corehub/internal/registry"
	"github.com/fabricgate/corehub/internal/store"
)

// Config configures the built-in identity manager (spec §4.5 mode B).
type Config struct {
	AdminSecret string
	SessionTTL  time.Duration
	LoginLimit  ratelimit.LoginLimiterConfig
	// BlacklistTTL bounds how long a revoked userId is refused re-login
	// (spec §4.11: "Adds each affected userId to the blacklist with TTL
	// blacklistTtlMs (default bounded)").
	BlacklistTTL time.Duration
}

// Manager owns the built-in identity policy layer: all state lives in the
// Store's system buckets (§6.4), this type is stateless except for the
// login rate limiter, the revocation blacklist, and invalidation hooks.
type Manager struct {
	store      store.Store
	cfg        Config
	login      *ratelimit.LoginLimiter
	blacklist  blacklist.List

	mu       sync.Mutex
	onChange []func()
}

// New creates a built-in identity manager. Callers must call EnsureBuckets
// once at server start before using it. bl may be nil, defaulting to an
// in-process blacklist.MemList.
func New(st store.Store, cfg Config, loginLimiter ratelimit.Limiter, bl blacklist.List) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.LoginLimit.MaxAttempts <= 0 {
		cfg.LoginLimit.MaxAttempts = 5
	}
	if cfg.LoginLimit.Window <= 0 {
		cfg.LoginLimit.Window = time.Minute
	}
	if cfg.BlacklistTTL <= 0 {
		cfg.BlacklistTTL = 15 * time.Minute
	}
	if bl == nil {
		bl = blacklist.NewMemList()
	}
	return &Manager{
		store:     st,
		cfg:       cfg,
		login:     ratelimit.NewLoginLimiter(cfg.LoginLimit, loginLimiter),
		blacklist: bl,
	}
}

// OnInvalidate registers a callback fired whenever a role/ACL/ownership
// mutation (or a user enable/disable) should invalidate every connection's
// authorization cache (spec §4.5: "Invalidation may be global ... provided
// observable behavior matches").
func (m *Manager) OnInvalidate(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

func (m *Manager) invalidate() {
	m.mu.Lock()
	hooks := append([]func(){}, m.onChange...)
	m.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (m *Manager) sessionsBucket() (store.Bucket, error)  { return m.store.Bucket(BucketSessions) }
func (m *Manager) usersBucket() (store.Bucket, error)     { return m.store.Bucket(BucketUsers) }
func (m *Manager) rolesBucket() (store.Bucket, error)     { return m.store.Bucket(BucketRoles) }
func (m *Manager) userRolesBucket() (store.Bucket, error) { return m.store.Bucket(BucketUserRoles) }
func (m *Manager) aclBucket() (store.Bucket, error)       { return m.store.Bucket(BucketACL) }
func (m *Manager) ownersBucket() (store.Bucket, error)    { return m.store.Bucket(BucketResourceOwners) }

func nowMillis() int64 { return time.Now().UnixMilli() }

func (m *Manager) issueSession(ctx context.Context, userID string) (*registry.Session, error) {
	token := uuid.NewString()
	expiresAt := nowMillis() + m.cfg.SessionTTL.Milliseconds()
	sessions, err := m.sessionsBucket()
	if err != nil {
		return nil, err
	}
	if _, err := sessions.Insert(ctx, store.Doc{"token": token, "userId": userID, "expiresAt": float64(expiresAt)}); err != nil {
		return nil, err
	}
	roles, err := m.RolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	exp := expiresAt
	return &registry.Session{UserID: userID, Roles: roles, ExpiresAt: &exp, Token: token}, nil
}

// LoginWithSecret authenticates the virtual superadmin (spec §4.5):
// constant-time compare against the configured adminSecret.
func (m *Manager) LoginWithSecret(ctx context.Context, secret string) (*registry.Session, error) {
	if m.cfg.AdminSecret == "" {
		return nil, gatewayerr.Unauth("built-in identity admin secret is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(m.cfg.AdminSecret)) != 1 {
		return nil, gatewayerr.Unauth("Invalid credentials")
	}
	if m.blacklist.Contains(ctx, SuperadminID) {
		return nil, gatewayerr.Revoked()
	}
	expiresAt := nowMillis() + m.cfg.SessionTTL.Milliseconds()
	return &registry.Session{
		UserID:    SuperadminID,
		Roles:     []string{"superadmin"},
		ExpiresAt: &expiresAt,
		Token:     uuid.NewString(),
	}, nil
}

// Login authenticates a stored user by username/password (spec §4.5).
func (m *Manager) Login(ctx context.Context, username, password, remoteAddr string) (*registry.Session, error) {
	decision := m.login.CheckAttempt(ctx, username, remoteAddr)
	if !decision.Allowed {
		return nil, gatewayerr.Limited(decision.RetryAfterMs)
	}

	users, err := m.usersBucket()
	if err != nil {
		return nil, err
	}
	doc, found, err := users.FindOne(ctx, []store.Filter{{Field: "username", Op: store.OpEq, Value: username}})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, gatewayerr.Unauth("Invalid credentials")
	}
	userID, _ := doc["id"].(string)
	if m.blacklist.Contains(ctx, userID) {
		return nil, gatewayerr.Revoked()
	}
	enabled, _ := doc["enabled"].(bool)
	if !enabled {
		return nil, gatewayerr.Unauth("Account disabled")
	}
	hash, _ := doc["passwordHash"].(string)
	ok, err := VerifyPassword(password, hash)
	if err != nil || !ok {
		return nil, gatewayerr.Unauth("Invalid credentials")
	}

	if NeedsRehash(hash) {
		if newHash, err := HashPassword(password); err == nil {
			_, _ = users.Update(ctx, userID, store.Doc{"passwordHash": newHash})
		}
	}

	m.login.ResetOnSuccess(ctx, username, remoteAddr)
	return m.issueSession(ctx, userID)
}

// Logout deletes the session row for token (spec §4.5).
func (m *Manager) Logout(ctx context.Context, token string) error {
	sessions, err := m.sessionsBucket()
	if err != nil {
		return err
	}
	doc, found, err := sessions.FindOne(ctx, []store.Filter{{Field: "token", Op: store.OpEq, Value: token}})
	if err != nil || !found {
		return err
	}
	id, _ := doc["id"].(string)
	_, err = sessions.Delete(ctx, id)
	return err
}

// RevokeUser deletes every stored session row for userID and adds userID to
// the revocation blacklist for the configured BlacklistTTL (spec §4.11:
// "Adds each affected userId to the blacklist ... subsequent login
// attempts ... return SESSION_REVOKED"). It does not touch any connection;
// the supervisor is responsible for closing live sockets bound to userID.
func (m *Manager) RevokeUser(ctx context.Context, userID string) error {
	sessions, err := m.sessionsBucket()
	if err != nil {
		return err
	}
	rows, err := sessions.Where(ctx, []store.Filter{{Field: "userId", Op: store.OpEq, Value: userID}})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if id, ok := row["id"].(string); ok {
			_, _ = sessions.Delete(ctx, id)
		}
	}
	m.blacklist.Add(ctx, userID, m.cfg.BlacklistTTL)
	m.invalidate()
	return nil
}

// RefreshSession issues a new token and invalidates the old one atomically
// (spec §4.5).
func (m *Manager) RefreshSession(ctx context.Context, oldToken string) (*registry.Session, error) {
	var result *registry.Session
	err := m.store.Transaction(ctx, func(tx store.Tx) error {
		b, err := tx.Bucket(BucketSessions)
		if err != nil {
			return err
		}
		doc, found, err := b.FindOne(ctx, []store.Filter{{Field: "token", Op: store.OpEq, Value: oldToken}})
		if err != nil {
			return err
		}
		if !found {
			return gatewayerr.Unauth("Session expired")
		}
		userID, _ := doc["userId"].(string)
		oldID, _ := doc["id"].(string)
		if _, err := b.Delete(ctx, oldID); err != nil {
			return err
		}
		newToken := uuid.NewString()
		expiresAt := nowMillis() + m.cfg.SessionTTL.Milliseconds()
		if _, err := b.Insert(ctx, store.Doc{"token": newToken, "userId": userID, "expiresAt": float64(expiresAt)}); err != nil {
			return err
		}
		roles, err := m.RolesForUser(ctx, userID)
		if err != nil {
			return err
		}
		result = &registry.Session{UserID: userID, Roles: roles, ExpiresAt: &expiresAt, Token: newToken}
		return nil
	})
	if err != nil {
		return nil, gatewayerr.As(err)
	}
	return result, nil
}

// SweepExpiredSessions deletes every session row past its expiresAt.
// Login/RefreshSession/session validation already reject an expired token
// on the spot, so this is a housekeeping pass rather than a correctness
// requirement — it bounds how much expired-session junk accumulates in the
// sessions bucket between logins, meant to be driven by a periodic
// scheduler (spec §4.5: session cleanup).
func (m *Manager) SweepExpiredSessions(ctx context.Context) (int, error) {
	sessions, err := m.sessionsBucket()
	if err != nil {
		return 0, err
	}
	rows, err := sessions.Where(ctx, []store.Filter{{Field: "expiresAt", Op: store.OpLt, Value: float64(nowMillis())}})
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if id, ok := row["id"].(string); ok {
			_, _ = sessions.Delete(ctx, id)
		}
	}
	return len(rows), nil
}

// RolesForUser resolves a user's role names, including the implicit
// "superadmin" role for the virtual superadmin.
func (m *Manager) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	if userID == SuperadminID {
		return []string{"superadmin"}, nil
	}
	userRoles, err := m.userRolesBucket()
	if err != nil {
		return nil, err
	}
	rows, err := userRoles.Where(ctx, []store.Filter{{Field: "userId", Op: store.OpEq, Value: userID}})
	if err != nil {
		return nil, err
	}
	roles, err := m.rolesBucket()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		roleID, _ := row["roleId"].(string)
		roleDoc, err := roles.Get(ctx, roleID)
		if err != nil {
			continue
		}
		if name, ok := roleDoc["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// MyAccess reports the effective permission set for a session: its roles
// plus every ACL entry naming the user or one of their roles.
func (m *Manager) MyAccess(ctx context.Context, session *registry.Session) (map[string]any, error) {
	if session.UserID == SuperadminID {
		return map[string]any{"superadmin": true, "roles": []string{"superadmin"}}, nil
	}
	acl, err := m.aclBucket()
	if err != nil {
		return nil, err
	}
	all, err := acl.All(ctx)
	if err != nil {
		return nil, err
	}
	grants := make([]map[string]any, 0)
	for _, entry := range all {
		subjType, _ := entry["subjectType"].(string)
		subjID, _ := entry["subjectId"].(string)
		match := (subjType == "user" && subjID == session.UserID)
		if !match && subjType == "role" {
			for _, r := range session.Roles {
				if r == subjID {
					match = true
					break
				}
			}
		}
		if match {
			grants = append(grants, map[string]any{
				"resourceType": entry["resourceType"],
				"resourceName": entry["resourceName"],
				"operations":   entry["operations"],
			})
		}
	}
	return map[string]any{"roles": session.Roles, "grants": grants}, nil
}
