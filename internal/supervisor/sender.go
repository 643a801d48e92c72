package supervisor

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsSender implements registry.Sender over a gorilla/websocket connection.
// gorilla/websocket forbids concurrent writes to the same connection; the
// dispatcher (replies), the heartbeat scheduler (pings), and admin
// revocation (system messages) may all call Send on the same connection
// concurrently, so every write is serialized behind mu — the single-writer
// discipline the teacher's per-connection writePump goroutine enforced via
// a channel, reshaped here into a mutex since corehub's dispatcher writes
// replies synchronously rather than handing them to a pump.
type wsSender struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (s *wsSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSender) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
