// Package supervisor implements the gateway's connection lifecycle (spec
// §4.11): WebSocket accept (origin check, per-IP cap, registration,
// welcome), the serial-read/concurrent-dispatch frame loop, cleanup on
// close, graceful shutdown, and admin session revocation.
//
// Grounded on the teacher's internal/handlers/websocket.go (the
// upgrade-then-readPump/writePump connection lifecycle, CheckOrigin
// allowlist pattern) and internal/websocket/hub.go (register/broadcast
// shape), adapted from its channel-driven hub actor onto corehub's
// directly mutex-guarded registry.Registry — the hub's single goroutine
// exists there to serialize access to its own sessions map, a job
// registry.Registry already does with fine-grained locking, so a second
// actor goroutine in front of it would be redundant machinery.
package supervisor

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fabricgate/corehub/internal/dispatcher"
	"github.com/fabricgate/corehub/internal/heartbeat"
	"github.com/fabricgate/corehub/internal/identity/builtin"
	"github.com/fabricgate/corehub/internal/logger"
	"github.com/fabricgate/corehub/internal/protocol"
	"github.com/fabricgate/corehub/internal/registry"
)

// Config controls connection-admission policy.
type Config struct {
	// OriginAllowlist, if non-empty, restricts the Origin header on
	// upgrade requests that carry one. No Origin header at all (e.g.
	// non-browser clients) is always permitted (spec §4.11).
	OriginAllowlist []string
	// MaxConnectionsPerIP caps concurrent connections from one remote
	// host. Zero means unlimited.
	MaxConnectionsPerIP int
	WriteTimeout        time.Duration
	RequiresAuth        bool
}

// RevokeFilter selects which live sessions an admin revocation targets.
// Exactly one of UserID or Role should be set.
type RevokeFilter struct {
	UserID string
	Role   string
}

// Supervisor owns the registry, the WebSocket upgrader, and the
// accept/shutdown state machine for one gateway instance.
type Supervisor struct {
	cfg        Config
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	heartbeat  *heartbeat.Manager
	builtin    *builtin.Manager // nil unless IdentityBuiltIn
	upgrader   websocket.Upgrader

	mu        sync.RWMutex
	accepting bool
	stopOnce  sync.Once

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc
}

// New builds a Supervisor. hb and mgr may be nil (heartbeat disabled /
// external or no identity respectively).
func New(cfg Config, reg *registry.Registry, disp *dispatcher.Dispatcher, hb *heartbeat.Manager, mgr *builtin.Manager) *Supervisor {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &Supervisor{
		cfg:        cfg,
		registry:   reg,
		dispatcher: disp,
		heartbeat:  hb,
		builtin:    mgr,
		accepting:  true,
		cancels:    make(map[string]context.CancelFunc),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Supervisor) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.OriginAllowlist) == 0 {
		return true
	}
	for _, allowed := range s.cfg.OriginAllowlist {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Supervisor) isAccepting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepting
}

// ServeHTTP upgrades one inbound request to a WebSocket connection and runs
// its lifecycle to completion. Intended to be wired as the handler behind
// the HTTP transport's /ws route.
func (s *Supervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.isAccepting() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// CheckOrigin rejection or a failed handshake both land here; the
		// upgrader has already written the HTTP error response.
		return
	}

	ip := remoteIP(r)
	if s.cfg.MaxConnectionsPerIP > 0 && s.registry.CountForIP(ip) >= s.cfg.MaxConnectionsPerIP {
		closeWithCode(conn, 4003, "too_many_connections")
		return
	}

	sender := &wsSender{conn: conn, writeTimeout: s.cfg.WriteTimeout}
	rc := registry.NewConnection(uuid.NewString(), ip, sender)
	s.registry.Add(rc, ip)
	if s.heartbeat != nil {
		s.heartbeat.Register(rc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelsMu.Lock()
	s.cancels[rc.ID] = cancel
	s.cancelsMu.Unlock()

	logger.Supervisor().Info().Str("connId", rc.ID).Str("remoteAddr", ip).Msg("connection established")

	welcome := protocol.NewWelcome(time.Now().UnixMilli(), s.cfg.RequiresAuth)
	if frame, err := protocol.Marshal(welcome); err == nil {
		_ = sender.Send(frame)
	}

	s.readLoop(ctx, conn, rc)

	s.cleanup(rc)
}

// readLoop reads frames serially off the socket but dispatches each one on
// its own goroutine, so multiple handlers from the same connection may be
// in flight simultaneously (spec §5) without blocking the next read.
func (s *Supervisor) readLoop(ctx context.Context, conn *websocket.Conn, rc *registry.Connection) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			closeWithCode(conn, 1003, "binary frames not supported")
			return
		}

		frameCopy := append([]byte(nil), frame...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.dispatcher.Dispatch(ctx, rc, frameCopy)
		}()
	}
}

func (s *Supervisor) cleanup(conn *registry.Connection) {
	s.cancelsMu.Lock()
	if cancel, ok := s.cancels[conn.ID]; ok {
		cancel()
		delete(s.cancels, conn.ID)
	}
	s.cancelsMu.Unlock()

	if s.heartbeat != nil {
		s.heartbeat.Unregister(conn.ID)
	}
	s.registry.Remove(conn.ID, conn.RemoteAddr)
	_ = conn.Sender.Close(1000, "")
	logger.Supervisor().Info().Str("connId", conn.ID).Msg("connection closed")
}

// Stop implements graceful shutdown (spec §4.11). Idempotent.
func (s *Supervisor) Stop(ctx context.Context, gracePeriodMs int64) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.accepting = false
		s.mu.Unlock()

		if gracePeriodMs > 0 {
			sys := protocol.NewShutdownSystem(gracePeriodMs)
			s.broadcastSystem(sys)
			s.waitForDrain(ctx, time.Duration(gracePeriodMs)*time.Millisecond)
		}

		for _, conn := range s.registry.Snapshot() {
			_ = conn.Sender.Close(1000, "server shutting down")
			s.registry.Remove(conn.ID, conn.RemoteAddr)
			if s.heartbeat != nil {
				s.heartbeat.Unregister(conn.ID)
			}
		}
	})
}

// waitForDrain blocks until every connection has closed, the grace period
// elapses, or ctx is cancelled — whichever comes first.
func (s *Supervisor) waitForDrain(ctx context.Context, gracePeriod time.Duration) {
	deadline := time.Now().Add(gracePeriod)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.registry.Count() > 0 && time.Now().Before(deadline) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) broadcastSystem(sys protocol.System) {
	frame, err := protocol.Marshal(sys)
	if err != nil {
		return
	}
	for _, conn := range s.registry.Snapshot() {
		// Per-connection send errors during shutdown broadcast are
		// swallowed (spec §7): one unreachable client must not block
		// notifying the rest.
		_ = conn.Sender.Send(frame)
	}
}

// RevokeSession revokes every live connection authenticated as userID,
// returning the count affected. Unauthenticated connections are never
// matched (spec §4.11).
func (s *Supervisor) RevokeSession(ctx context.Context, userID string) int {
	return s.revoke(ctx, registry.ByUserID(userID), []string{userID})
}

// RevokeSessions revokes every live connection matching filter.UserID or
// filter.Role (whichever is set), returning the count affected.
func (s *Supervisor) RevokeSessions(ctx context.Context, filter RevokeFilter) int {
	var pred func(*registry.Connection) bool
	switch {
	case filter.UserID != "":
		pred = registry.ByUserID(filter.UserID)
	case filter.Role != "":
		pred = registry.ByRole(filter.Role)
	default:
		return 0
	}

	matched := s.registry.Filter(pred)
	userIDs := make(map[string]struct{}, len(matched))
	for _, conn := range matched {
		if sess := conn.Session(); sess != nil {
			userIDs[sess.UserID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(userIDs))
	for id := range userIDs {
		ids = append(ids, id)
	}
	return s.revoke(ctx, pred, ids)
}

func (s *Supervisor) revoke(ctx context.Context, pred func(*registry.Connection) bool, userIDs []string) int {
	if s.builtin != nil {
		for _, userID := range userIDs {
			if userID == "" {
				continue
			}
			if err := s.builtin.RevokeUser(ctx, userID); err != nil {
				logger.Supervisor().Warn().Err(err).Str("userId", userID).Msg("failed to revoke stored sessions")
			}
		}
	}

	matched := s.registry.Filter(func(c *registry.Connection) bool {
		return c.Session() != nil && pred(c)
	})

	sys := protocol.NewSessionRevokedSystem("Session revoked by administrator")
	frame, err := protocol.Marshal(sys)
	for _, conn := range matched {
		if err == nil {
			_ = conn.Sender.Send(frame)
		}
		_ = conn.Sender.Close(4002, "session_revoked")
		s.registry.Remove(conn.ID, conn.RemoteAddr)
		if s.heartbeat != nil {
			s.heartbeat.Unregister(conn.ID)
		}
	}
	return len(matched)
}

// Count returns the number of live connections.
func (s *Supervisor) Count() int { return s.registry.Count() }

func remoteIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
