// Package registry implements the connection registry (spec §4.2): an
// in-memory map from connection id to connection record, with
// copy-on-read enumeration so mutating operations (add/remove) never block
// behind a slow iterator (stats, admin revocation).
package registry

import (
	"sync"
	"time"
)

// Sender abstracts the transport used to deliver a frame to a connection.
// The supervisor's per-connection writer implements this; tests can swap in
// a fake that records frames instead of touching a socket.
type Sender interface {
	Send(frame []byte) error
	Close(code int, reason string) error
}

// Session is the authenticated identity bound to a connection (spec §3.1).
// It is intentionally a plain value — both identity.Builtin and an external
// Validator produce one, and the registry never reaches back into either
// package to interpret it.
type Session struct {
	UserID    string
	Roles     []string
	ExpiresAt *int64 // wall-clock ms, nil = never expires
	Token     string
}

// Expired reports whether the session's expiry (if any) has passed nowMs.
func (s *Session) Expired(nowMs int64) bool {
	return s != nil && s.ExpiresAt != nil && *s.ExpiresAt <= nowMs
}

// HasRole reports whether the session carries the named role.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Connection is the opaque per-WebSocket record (spec §3.1).
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
	Sender      Sender

	mu         sync.RWMutex
	session    *Session
	storeSubs  map[string]struct{}
	rulesSubs  map[string]struct{}
	lastPongAt time.Time

	// authEpoch supports the per-connection cache-invalidation design
	// described in spec §9 ("Per-connection cache invalidation"): the
	// authorization package bumps a global epoch on any identity mutation,
	// and compares it against the epoch this connection last refreshed at.
	authEpoch int64
}

// NewConnection creates a registry record. It does not register it; call
// Registry.Add.
func NewConnection(id, remoteAddr string, sender Sender) *Connection {
	return &Connection{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		Sender:      sender,
		storeSubs:   make(map[string]struct{}),
		rulesSubs:   make(map[string]struct{}),
		lastPongAt:  time.Now(),
	}
}

// Session returns the connection's current session, or nil if unauthenticated.
func (c *Connection) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetSession atomically replaces the connection's session. Per spec
// invariant 3.2.2, this always implicitly invalidates authorization caches
// scoped to the connection: it resets AuthEpoch to -1 here so the next
// authorization check is forced to recompute.
func (c *Connection) SetSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	c.authEpoch = -1
}

// ClearSession removes any session (logout, expiry, revocation).
func (c *Connection) ClearSession() {
	c.SetSession(nil)
}

// AuthEpoch returns the epoch this connection's authorization cache was last
// refreshed at.
func (c *Connection) AuthEpoch() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authEpoch
}

// SetAuthEpoch records the epoch the connection's authorization cache is now
// current as of.
func (c *Connection) SetAuthEpoch(epoch int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authEpoch = epoch
}

// AddStoreSub records a store subscription id owned by this connection.
func (c *Connection) AddStoreSub(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeSubs[id] = struct{}{}
}

// RemoveStoreSub drops a store subscription id. Returns false if it was not present.
func (c *Connection) RemoveStoreSub(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.storeSubs[id]; !ok {
		return false
	}
	delete(c.storeSubs, id)
	return true
}

// AddRulesSub records a rules subscription id owned by this connection.
func (c *Connection) AddRulesSub(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rulesSubs[id] = struct{}{}
}

// RemoveRulesSub drops a rules subscription id. Returns false if not present.
func (c *Connection) RemoveRulesSub(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rulesSubs[id]; !ok {
		return false
	}
	delete(c.rulesSubs, id)
	return true
}

// SubCounts reports the live store/rules subscription counts (spec §8: the
// server.connections invariant about subscribe/unsubscribe/close counting).
func (c *Connection) SubCounts() (store, rules int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.storeSubs), len(c.rulesSubs)
}

// StoreSubIDs returns a snapshot of this connection's store subscription ids.
func (c *Connection) StoreSubIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.storeSubs))
	for id := range c.storeSubs {
		ids = append(ids, id)
	}
	return ids
}

// RulesSubIDs returns a snapshot of this connection's rules subscription ids.
func (c *Connection) RulesSubIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.rulesSubs))
	for id := range c.rulesSubs {
		ids = append(ids, id)
	}
	return ids
}

// Touch records a pong arrival (spec §4.4).
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPongAt = time.Now()
}

// LastPong returns the last pong (or connect) time.
func (c *Connection) LastPong() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPongAt
}

// Registry tracks all live connections.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	perIP   map[string]int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		perIP: make(map[string]int),
	}
}

// Add registers a connection. ip is the bare remote host (no port) used for
// the per-IP connection cap (spec §4.11).
func (r *Registry) Add(c *Connection, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	r.perIP[ip]++
}

// Remove unregisters a connection by id. Safe to call more than once; only
// the first call has effect (spec invariant 3.2.1).
func (r *Registry) Remove(id string, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return
	}
	delete(r.conns, id)
	if r.perIP[ip] > 0 {
		r.perIP[ip]--
		if r.perIP[ip] == 0 {
			delete(r.perIP, ip)
		}
	}
}

// Get looks up a connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// CountForIP returns the number of currently-registered connections from ip.
func (r *Registry) CountForIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perIP[ip]
}

// Snapshot returns a point-in-time copy of all live connections. The slice
// itself and the *Connection pointers are safe to use after the call
// returns without holding the registry lock (copy-on-read, spec §4.2).
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Filter returns the snapshot of connections matching pred.
func (r *Registry) Filter(pred func(*Connection) bool) []*Connection {
	all := r.Snapshot()
	out := make([]*Connection, 0, len(all))
	for _, c := range all {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of currently registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ByUserID filters the registry for connections whose session matches userID.
func ByUserID(userID string) func(*Connection) bool {
	return func(c *Connection) bool {
		s := c.Session()
		return s != nil && s.UserID == userID
	}
}

// ByRole filters the registry for connections whose session carries role.
func ByRole(role string) func(*Connection) bool {
	return func(c *Connection) bool {
		return c.Session().HasRole(role)
	}
}
