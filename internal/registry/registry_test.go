package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct{}

func (fakeSender) Send([]byte) error        { return nil }
func (fakeSender) Close(int, string) error { return nil }

func TestSetSessionBumpsAuthEpochToUnrefreshed(t *testing.T) {
	c := NewConnection("c1", "127.0.0.1", fakeSender{})
	c.SetAuthEpoch(5)
	c.SetSession(&Session{UserID: "u1"})
	assert.Equal(t, int64(-1), c.AuthEpoch())
}

func TestStoreSubTracking(t *testing.T) {
	c := NewConnection("c1", "127.0.0.1", fakeSender{})
	c.AddStoreSub("sub-1")
	c.AddStoreSub("sub-2")
	store, rules := c.SubCounts()
	assert.Equal(t, 2, store)
	assert.Equal(t, 0, rules)
	assert.True(t, c.RemoveStoreSub("sub-1"))
	assert.False(t, c.RemoveStoreSub("sub-1"))
	assert.ElementsMatch(t, []string{"sub-2"}, c.StoreSubIDs())
}

func TestRulesSubTracking(t *testing.T) {
	c := NewConnection("c1", "127.0.0.1", fakeSender{})
	c.AddRulesSub("r1")
	assert.True(t, c.RemoveRulesSub("r1"))
	assert.False(t, c.RemoveRulesSub("r1"))
	assert.Empty(t, c.RulesSubIDs())
}

func TestSessionExpired(t *testing.T) {
	var s *Session
	assert.False(t, s.Expired(1000))

	s = &Session{UserID: "u1"}
	assert.False(t, s.Expired(1000), "no expiry means never expired")

	exp := int64(500)
	s.ExpiresAt = &exp
	assert.True(t, s.Expired(1000))
	assert.False(t, s.Expired(100))
}

func TestRegistryAddRemoveAndPerIPCount(t *testing.T) {
	r := New()
	c1 := NewConnection("c1", "10.0.0.1", fakeSender{})
	c2 := NewConnection("c2", "10.0.0.1", fakeSender{})
	r.Add(c1, "10.0.0.1")
	r.Add(c2, "10.0.0.1")
	assert.Equal(t, 2, r.CountForIP("10.0.0.1"))
	assert.Equal(t, 2, r.Count())

	r.Remove("c1", "10.0.0.1")
	assert.Equal(t, 1, r.CountForIP("10.0.0.1"))
	_, ok := r.Get("c1")
	assert.False(t, ok)

	// Double-remove is a no-op (spec invariant 3.2.1).
	r.Remove("c1", "10.0.0.1")
	assert.Equal(t, 1, r.CountForIP("10.0.0.1"))
}

func TestRegistryFilterByUserIDAndRole(t *testing.T) {
	r := New()
	c1 := NewConnection("c1", "10.0.0.1", fakeSender{})
	c1.SetSession(&Session{UserID: "u1", Roles: []string{"admin"}})
	c2 := NewConnection("c2", "10.0.0.2", fakeSender{})
	c2.SetSession(&Session{UserID: "u2", Roles: []string{"reader"}})
	r.Add(c1, "10.0.0.1")
	r.Add(c2, "10.0.0.2")

	byUser := r.Filter(ByUserID("u1"))
	require.Len(t, byUser, 1)
	assert.Equal(t, "c1", byUser[0].ID)

	byRole := r.Filter(ByRole("reader"))
	require.Len(t, byRole, 1)
	assert.Equal(t, "c2", byRole[0].ID)
}

func TestSnapshotIsCopyOnRead(t *testing.T) {
	r := New()
	r.Add(NewConnection("c1", "10.0.0.1", fakeSender{}), "10.0.0.1")
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	r.Add(NewConnection("c2", "10.0.0.2", fakeSender{}), "10.0.0.2")
	assert.Len(t, snap, 1, "prior snapshot must not observe later mutations")
	assert.Equal(t, 2, r.Count())
}
