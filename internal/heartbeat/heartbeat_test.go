package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricgate/corehub/internal/registry"
)

// fakeSender records the code/reason of the last Close call instead of
// touching a socket.
type fakeSender struct {
	mu     sync.Mutex
	closed bool
	code   int
	reason string
}

func (f *fakeSender) Send([]byte) error { return nil }

func (f *fakeSender) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeSender) closeCall() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code, f.reason
}

// TestTickClosesStaleConnectionWithHeartbeatTimeoutCode drives tick directly
// against a connection whose last pong is already older than cfg.Timeout and
// asserts onTimeout's caller closes with 4001/"heartbeat_timeout" (spec
// §4.4, §6.1, §8), not the generic WebSocket 1001 going-away code.
func TestTickClosesStaleConnectionWithHeartbeatTimeoutCode(t *testing.T) {
	sender := &fakeSender{}
	conn := registry.NewConnection("c1", "10.0.0.1", sender)

	var mu sync.Mutex
	var timedOut *registry.Connection
	onTimeout := func(c *registry.Connection) {
		mu.Lock()
		defer mu.Unlock()
		timedOut = c
		_ = c.Sender.Close(CloseCodeHeartbeatTimeout, CloseReasonHeartbeatTimeout)
	}

	m := New(Config{Interval: time.Minute, Timeout: time.Millisecond}, onTimeout)
	m.Register(conn)

	time.Sleep(5 * time.Millisecond)
	m.tick()

	mu.Lock()
	got := timedOut
	mu.Unlock()
	require.NotNil(t, got, "tick must report the stale connection to onTimeout")
	assert.Equal(t, conn.ID, got.ID)

	closed, code, reason := sender.closeCall()
	require.True(t, closed, "onTimeout must close the connection's sender")
	assert.Equal(t, CloseCodeHeartbeatTimeout, code)
	assert.Equal(t, 4001, code)
	assert.Equal(t, CloseReasonHeartbeatTimeout, reason)
	assert.Equal(t, "heartbeat_timeout", reason)
}

// TestTickUnregistersTimedOutConnection confirms a timed-out entry is
// removed so a later tick does not call onTimeout again for it (spec §4.4:
// timers are cleared once a connection is gone).
func TestTickUnregistersTimedOutConnection(t *testing.T) {
	sender := &fakeSender{}
	conn := registry.NewConnection("c2", "10.0.0.2", sender)

	var calls int
	var mu sync.Mutex
	onTimeout := func(c *registry.Connection) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	m := New(Config{Interval: time.Minute, Timeout: time.Millisecond}, onTimeout)
	m.Register(conn)

	time.Sleep(5 * time.Millisecond)
	m.tick()
	m.tick()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

// TestTickPingsConnectionsDueForAPing covers the companion branch: a
// connection whose pong is still fresh but whose last ping predates the
// configured interval gets a ping frame instead of being closed.
func TestTickPingsConnectionsDueForAPing(t *testing.T) {
	sender := &fakeSender{}
	conn := registry.NewConnection("c3", "10.0.0.3", sender)

	m := New(Config{Interval: time.Millisecond, Timeout: time.Hour}, nil)
	m.Register(conn)

	time.Sleep(5 * time.Millisecond)
	m.tick()

	closed, _, _ := sender.closeCall()
	assert.False(t, closed, "a connection due for a ping must not be closed")
}

// TestRegisterNoopWhenDisabled covers spec §4.4's "disabled entirely when
// not configured": Register must not track connections when Interval is
// zero, so a later tick can never fire onTimeout for them.
func TestRegisterNoopWhenDisabled(t *testing.T) {
	sender := &fakeSender{}
	conn := registry.NewConnection("c4", "10.0.0.4", sender)

	called := false
	m := New(Config{}, func(*registry.Connection) { called = true })
	assert.False(t, m.Enabled())

	m.Register(conn)
	time.Sleep(2 * time.Millisecond)
	m.tick()

	assert.False(t, called)
}
