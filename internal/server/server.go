// Package server implements the gateway's server façade (spec §4.12):
// start/stop, a handful of read-only accessors (isRunning, port,
// connectionCount, getConnections, getStats), and the administrative
// revocation API, all backed by a gin HTTP server that upgrades /ws to
// the connection supervisor, exposes /healthz for liveness probes, and
// /metrics for scraping the same aggregate getStats returns.
//
// Grounded on the teacher's cmd/main.go: an http.Server built from a
// gin.Engine, started in a goroutine, stopped via http.Server.Shutdown
// with a bounded context — reshaped into a reusable type so several
// gateways can be started and stopped in one process (the teacher's main
// assumes a single process lifetime; corehub's tests start and stop several
// gateways in one binary). A Server that has been stopped refuses WebSocket
// upgrades even if Start is called on it again.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fabricgate/corehub/internal/dispatcher"
	"github.com/fabricgate/corehub/internal/heartbeat"
	"github.com/fabricgate/corehub/internal/logger"
	"github.com/fabricgate/corehub/internal/registry"
	"github.com/fabricgate/corehub/internal/supervisor"
)

// Config configures one gateway instance. Addr is passed straight to
// net.Listen; use ":0" to let the OS pick a free port (Port() then
// reports the one actually bound).
type Config struct {
	Name string
	Addr string

	Supervisor supervisor.Config
	Heartbeat  heartbeat.Config
	Dispatcher dispatcher.Config

	// ShutdownGracePeriod is passed to the supervisor's Stop as the
	// connection-drain budget (spec §4.11).
	ShutdownGracePeriod time.Duration
}

// Server is the gateway's top-level façade, wiring the registry,
// dispatcher, heartbeat manager, and connection supervisor behind a
// single start/stop lifecycle and a small public API for operators.
type Server struct {
	cfg Config

	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	heartbeat  *heartbeat.Manager
	supervisor *supervisor.Supervisor

	mu        sync.Mutex
	httpSrv   *http.Server
	listener  net.Listener
	port      int
	running   bool
	startedAt time.Time
}

// New wires the gateway's collaborators but does not start listening;
// call Start to bind the listener and begin accepting connections.
func New(cfg Config) *Server {
	reg := registry.New()

	s := &Server{cfg: cfg, registry: reg}

	var hb *heartbeat.Manager
	if cfg.Heartbeat.Interval > 0 {
		hb = heartbeat.New(cfg.Heartbeat, s.onHeartbeatTimeout)
	}
	s.heartbeat = hb

	dcfg := cfg.Dispatcher
	dcfg.Registry = reg
	if dcfg.ServerName == "" {
		dcfg.ServerName = cfg.Name
	}
	s.dispatcher = dispatcher.New(dcfg, s.IsRunning)

	s.supervisor = supervisor.New(cfg.Supervisor, reg, s.dispatcher, hb, dcfg.Builtin)

	return s
}

func (s *Server) onHeartbeatTimeout(conn *registry.Connection) {
	_ = conn.Sender.Close(heartbeat.CloseCodeHeartbeatTimeout, heartbeat.CloseReasonHeartbeatTimeout)
	s.registry.Remove(conn.ID, conn.RemoteAddr)
	if s.heartbeat != nil {
		s.heartbeat.Unregister(conn.ID)
	}
}

// Start binds the configured address and begins accepting WebSocket
// connections. Returns once the listener is bound; the HTTP server runs
// on its own goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", s.handleMetrics)
	router.GET("/ws", gin.WrapF(s.supervisor.ServeHTTP))

	s.httpSrv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.dispatcher.SetPort(s.port)
	s.startedAt = time.Now()
	s.running = true
	s.mu.Unlock()

	if s.heartbeat != nil {
		go s.heartbeat.Run()
	}

	logger.Server().Info().Str("name", s.cfg.Name).Int("port", s.port).Msg("gateway starting")

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Server().Error().Err(err).Msg("http server exited unexpectedly")
		}
	}()

	return nil
}

// Stop gracefully shuts the gateway down: stop accepting new
// connections, give live connections up to gracePeriod to drain (spec
// §4.11), then close the HTTP listener. Safe to call once; a second
// call is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	httpSrv := s.httpSrv
	s.mu.Unlock()

	logger.Server().Info().Str("name", s.cfg.Name).Msg("gateway stopping")

	s.supervisor.Stop(ctx, s.cfg.ShutdownGracePeriod.Milliseconds())

	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}

	if httpSrv != nil {
		return httpSrv.Shutdown(ctx)
	}
	return nil
}

// handleMetrics renders GetStats as Prometheus text exposition format:
// every numeric or boolean leaf becomes one gauge line named
// gateway_<flattened path>. No metrics client library is in play here —
// the stats snapshot is already computed for getStats, this just walks it
// into the wire format /metrics consumers expect.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	raw, err := json.Marshal(s.GetStats())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	var buf bytes.Buffer
	writeMetricLines(&buf, "gateway", flat)
	_, _ = w.Write(buf.Bytes())
}

func writeMetricLines(buf *bytes.Buffer, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			writeMetricLines(buf, prefix+"_"+sanitizeMetricName(k), child)
		}
	case float64:
		fmt.Fprintf(buf, "%s %v\n", prefix, v)
	case bool:
		n := 0
		if v {
			n = 1
		}
		fmt.Fprintf(buf, "%s %d\n", prefix, n)
	}
}

func sanitizeMetricName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"stopped"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Port returns the bound listener port, valid only after Start succeeds.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int { return s.registry.Count() }

// ConnectionInfo is one row of GetConnections' result (spec §4.12).
type ConnectionInfo struct {
	ID                 string   `json:"id"`
	RemoteAddr         string   `json:"remoteAddr"`
	ConnectedAt        int64    `json:"connectedAt"`
	UserID             string   `json:"userId,omitempty"`
	Roles              []string `json:"roles,omitempty"`
	StoreSubscriptions int      `json:"storeSubscriptions"`
	RulesSubscriptions int      `json:"rulesSubscriptions"`
}

// GetConnections returns a snapshot of every live connection.
func (s *Server) GetConnections() []ConnectionInfo {
	snapshot := s.registry.Snapshot()
	out := make([]ConnectionInfo, 0, len(snapshot))
	for _, c := range snapshot {
		info := ConnectionInfo{
			ID:          c.ID,
			RemoteAddr:  c.RemoteAddr,
			ConnectedAt: c.ConnectedAt.UnixMilli(),
		}
		if sess := c.Session(); sess != nil {
			info.UserID = sess.UserID
			info.Roles = sess.Roles
		}
		info.StoreSubscriptions, info.RulesSubscriptions = c.SubCounts()
		out = append(out, info)
	}
	return out
}

// GetStats returns the same aggregate the server.stats operation
// returns over the wire (spec §4.12), for in-process callers (e.g. a
// CLI or an operator HTTP handler) that want it without round-tripping
// through a WebSocket connection.
func (s *Server) GetStats() map[string]any {
	return s.dispatcher.StatsSnapshot()
}

// RevokeSession closes every live connection authenticated as userID and
// blacklists it, returning the affected count (spec §4.11).
func (s *Server) RevokeSession(ctx context.Context, userID string) int {
	return s.supervisor.RevokeSession(ctx, userID)
}

// RevokeSessions closes every live connection matching filter, returning
// the affected count (spec §4.11).
func (s *Server) RevokeSessions(ctx context.Context, filter supervisor.RevokeFilter) int {
	return s.supervisor.RevokeSessions(ctx, filter)
}
