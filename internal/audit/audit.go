// Package audit implements the gateway's optional operation audit trail
// (spec §4.10: "emit audit entry if configured"). Grounded on the
// teacher's internal/middleware/auditlog.go — same event shape (actor,
// action, resource, status, duration, error) and the same redaction
// policy for sensitive fields — generalized from one HTTP request per
// event to one dispatched gateway operation per event, and from a
// Postgres-backed sink to an in-memory ring buffer so the gateway has no
// hard dependency on the Store for its own audit trail.
package audit

import (
	"sync"
	"time"
)

// sensitiveFields mirrors the teacher's redaction list; values under these
// keys are never recorded, at any nesting depth.
var sensitiveFields = map[string]bool{
	"password":     true,
	"passwordHash": true,
	"token":        true,
	"secret":       true,
	"apiKey":       true,
	"api_key":      true,
}

// Entry is one recorded operation (spec §4.10's "audit entry").
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	UserID     string         `json:"userId,omitempty"`
	ConnID     string         `json:"connId"`
	RemoteAddr string         `json:"remoteAddr"`
	Operation  string         `json:"operation"`
	Resource   string         `json:"resource,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Success    bool           `json:"success"`
	ErrorCode  string         `json:"errorCode,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Sink records audit entries. Implementations must not block the
// dispatcher's request path for long; RingSink.Record never does I/O.
type Sink interface {
	Record(e Entry)
	Query(filter Filter) []Entry
}

// Filter narrows a Query call. Zero-value fields are unconstrained.
type Filter struct {
	UserID    string
	Operation string
	Since     time.Time
	Limit     int
}

// RingSink is the default in-memory sink: a fixed-capacity ring buffer, so
// audit logging can never grow the gateway's memory footprint unbounded.
type RingSink struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	next     int
	full     bool
}

// NewRingSink creates a sink retaining the most recent capacity entries.
func NewRingSink(capacity int) *RingSink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingSink{entries: make([]Entry, capacity), capacity: capacity}
}

// Record redacts e.Details and appends it, overwriting the oldest entry
// once the ring is full.
func (s *RingSink) Record(e Entry) {
	e.Details = redact(e.Details)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.next] = e
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
}

// Query returns entries matching filter, most recent first.
func (s *RingSink) Query(filter Filter) []Entry {
	s.mu.Lock()
	ordered := s.orderedLocked()
	s.mu.Unlock()

	out := make([]Entry, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Operation != "" && e.Operation != filter.Operation {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// orderedLocked returns the ring's contents in chronological order. Caller
// must hold s.mu.
func (s *RingSink) orderedLocked() []Entry {
	if !s.full {
		return append([]Entry{}, s.entries[:s.next]...)
	}
	out := make([]Entry, 0, s.capacity)
	out = append(out, s.entries[s.next:]...)
	out = append(out, s.entries[:s.next]...)
	return out
}

func redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if sensitiveFields[k] {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}
