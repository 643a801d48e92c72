package external

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fabricgate/corehub/internal/registry"
)

func TestPermissionsCheckerFuncDelegatesToWrappedFunction(t *testing.T) {
	var gotOp, gotResource string
	f := PermissionsCheckerFunc(func(ctx context.Context, session *registry.Session, operation, resource string) bool {
		gotOp, gotResource = operation, resource
		return operation == "read"
	})

	var checker PermissionsChecker = f
	assert.True(t, checker.Check(context.Background(), nil, "read", "widgets"))
	assert.Equal(t, "read", gotOp)
	assert.Equal(t, "widgets", gotResource)
	assert.False(t, checker.Check(context.Background(), nil, "write", "widgets"))
}

func TestExpiresAtMillisZeroTimeIsNil(t *testing.T) {
	assert.Nil(t, expiresAtMillis(time.Time{}))
}

func TestExpiresAtMillisConvertsToEpochMillis(t *testing.T) {
	when := time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)
	got := expiresAtMillis(when)
	if assert.NotNil(t, got) {
		assert.Equal(t, when.UnixMilli(), *got)
	}
}

// TestValidatorProducedSessionHonorsDispatcherExpiryRecheck documents the
// contract package doc calls out: a Validator reports ExpiresAt but never
// itself enforces it past parse time — the dispatcher is the one that
// rejects with "Token has expired" (spec §4.5.A) by calling
// registry.Session.Expired on every operation.
func TestValidatorProducedSessionHonorsDispatcherExpiryRecheck(t *testing.T) {
	past := time.Now().Add(-time.Minute).UnixMilli()
	session := &registry.Session{UserID: "u1", ExpiresAt: &past}
	assert.True(t, session.Expired(time.Now().UnixMilli()))

	future := time.Now().Add(time.Hour).UnixMilli()
	fresh := &registry.Session{UserID: "u1", ExpiresAt: &future}
	assert.False(t, fresh.Expired(time.Now().UnixMilli()))
}
