package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingSinkWrapsAtCapacity(t *testing.T) {
	s := NewRingSink(3)
	for i := 0; i < 5; i++ {
		s.Record(Entry{Operation: "store.get", Timestamp: time.Now()})
	}
	all := s.Query(Filter{})
	require.Len(t, all, 3)
}

func TestRingSinkQueryFiltersAndOrdersMostRecentFirst(t *testing.T) {
	s := NewRingSink(10)
	base := time.Now()
	s.Record(Entry{UserID: "alice", Operation: "store.insert", Timestamp: base})
	s.Record(Entry{UserID: "bob", Operation: "store.insert", Timestamp: base.Add(time.Second)})
	s.Record(Entry{UserID: "alice", Operation: "store.delete", Timestamp: base.Add(2 * time.Second)})

	results := s.Query(Filter{UserID: "alice"})
	require.Len(t, results, 2)
	assert.Equal(t, "store.delete", results[0].Operation, "most recent first")
	assert.Equal(t, "store.insert", results[1].Operation)
}

func TestRingSinkRedactsSensitiveFields(t *testing.T) {
	s := NewRingSink(10)
	s.Record(Entry{Operation: "identity.login", Details: map[string]any{
		"username": "alice",
		"password": "hunter2",
		"nested":   map[string]any{"token": "abc", "ok": true},
	}})
	got := s.Query(Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, "[REDACTED]", got[0].Details["password"])
	assert.Equal(t, "alice", got[0].Details["username"])
	nested := got[0].Details["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["token"])
	assert.Equal(t, true, nested["ok"])
}

func TestRingSinkQueryRespectsLimitAndSince(t *testing.T) {
	s := NewRingSink(10)
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Record(Entry{Operation: "store.get", Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	limited := s.Query(Filter{Limit: 2})
	assert.Len(t, limited, 2)

	since := s.Query(Filter{Since: base.Add(3 * time.Second)})
	assert.Len(t, since, 2)
}
