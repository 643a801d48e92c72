// Package external implements session & identity mode A (spec §4.5): the
// gateway is configured with an external Validator and never touches the
// Store's identity buckets itself. Three adapters are provided — bearer
// JWT, OIDC id-token, and SAML assertion — any of which can be wrapped in
// a PermissionsChecker for the authorization pipeline's permissions
// callback (spec §4.6 step 5).
package external

import (
	"context"
	"time"

	"github.com/fabricgate/corehub/internal/registry"
)

// Validator resolves an opaque bearer token into a session, or nil if the
// token does not correspond to a valid session (spec: "validate(token) →
// session | null"). Implementations report ExpiresAt; apart from what the
// token format checks at parse time (the JWT adapter rejects a token whose
// exp has passed), expiry is rechecked by the authorization pipeline on
// every operation (spec §4.6 step 2).
type Validator interface {
	Validate(ctx context.Context, token string) (*registry.Session, error)
}

// PermissionsChecker is the optional permissions.check callback (spec §4.6
// step 5): given the caller's session and the operation/resource it's
// attempting, report whether it's allowed.
type PermissionsChecker interface {
	Check(ctx context.Context, session *registry.Session, operation, resource string) bool
}

// PermissionsCheckerFunc adapts a plain function to PermissionsChecker.
type PermissionsCheckerFunc func(ctx context.Context, session *registry.Session, operation, resource string) bool

func (f PermissionsCheckerFunc) Check(ctx context.Context, session *registry.Session, operation, resource string) bool {
	return f(ctx, session, operation, resource)
}

// expiresAtMillis converts a time.Time expiry into the epoch-millisecond
// pointer registry.Session expects, or nil for a token with no expiry.
func expiresAtMillis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
