// Package heartbeat implements the gateway's per-connection ping/pong
// liveness check (spec §4.4).
//
// Per spec §9 ("Heartbeat and timers"): a single scheduler goroutine drives
// every connection's heartbeat rather than one goroutine/timer per
// connection, to bound cost at high fan-out. The scheduler wakes at a fixed
// resolution, well below the configured interval/timeout, and for each
// registered connection decides whether it's due for a ping or has
// overstayed its pong.
package heartbeat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fabricgate/corehub/internal/logger"
	"github.com/fabricgate/corehub/internal/protocol"
	"github.com/fabricgate/corehub/internal/registry"
)

// Config controls the heartbeat. Disabled entirely when Interval is zero
// (spec §4.4: "Disabled entirely when not configured").
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

type entry struct {
	conn       *registry.Connection
	lastPingAt time.Time
}

// Manager runs the single heartbeat scheduler for the whole server.
type Manager struct {
	cfg        Config
	resolution time.Duration
	onTimeout  func(conn *registry.Connection)

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a heartbeat manager. onTimeout is invoked (off the scheduler
// goroutine is fine to call directly; implementations must not block) when
// a connection's pong has not arrived within Timeout of its last ping.
func New(cfg Config, onTimeout func(conn *registry.Connection)) *Manager {
	resolution := cfg.Interval / 4
	if resolution <= 0 {
		resolution = time.Second
	}
	return &Manager{
		cfg:        cfg,
		resolution: resolution,
		onTimeout:  onTimeout,
		entries:    make(map[string]*entry),
		stopCh:     make(chan struct{}),
	}
}

// Enabled reports whether heartbeating is configured at all.
func (m *Manager) Enabled() bool { return m.cfg.Interval > 0 }

// Register starts tracking a connection. No-op if heartbeat is disabled.
func (m *Manager) Register(conn *registry.Connection) {
	if !m.Enabled() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[conn.ID] = &entry{conn: conn, lastPingAt: time.Now()}
}

// Unregister stops tracking a connection (spec §4.4: "Timers MUST be
// cleared on connection close").
func (m *Manager) Unregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, connID)
}

// Run drives the scheduler loop until Stop is called. Intended to be run in
// its own goroutine by the server façade.
func (m *Manager) Run() {
	if !m.Enabled() {
		return
	}
	ticker := time.NewTicker(m.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

// Stop halts the scheduler loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) tick() {
	now := time.Now()

	m.mu.Lock()
	due := make([]*entry, 0, len(m.entries))
	timedOut := make([]*registry.Connection, 0)
	for id, e := range m.entries {
		if now.Sub(e.conn.LastPong()) > m.cfg.Timeout {
			timedOut = append(timedOut, e.conn)
			delete(m.entries, id)
			continue
		}
		if now.Sub(e.lastPingAt) >= m.cfg.Interval {
			e.lastPingAt = now
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	for _, e := range due {
		frame, err := json.Marshal(protocol.NewPing(now.UnixMilli()))
		if err != nil {
			continue
		}
		if err := e.conn.Sender.Send(frame); err != nil {
			logger.Supervisor().Debug().Str("connId", e.conn.ID).Err(err).Msg("heartbeat ping failed")
		}
	}

	for _, c := range timedOut {
		logger.Supervisor().Info().Str("connId", c.ID).Msg("heartbeat timeout, closing connection")
		if m.onTimeout != nil {
			m.onTimeout(c)
		}
	}
}

// HandlePong updates a connection's last-pong timestamp (spec §4.1, §4.4).
// The dispatcher records an arriving {type:"pong"} frame by calling
// conn.Touch directly, which is the same operation.
func HandlePong(conn *registry.Connection) {
	conn.Touch()
}

const (
	// CloseCodeHeartbeatTimeout is the WebSocket close code for §4.4 timeouts.
	CloseCodeHeartbeatTimeout = 4001
	CloseReasonHeartbeatTimeout = "heartbeat_timeout"
)
