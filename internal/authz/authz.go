// Package authz implements the per-operation authorization pipeline (spec
// §4.6): auth-gate, session-expiry recheck, system-bucket guard, tier/role
// check, permissions callback, and the built-in ACL/owner check. The
// dispatcher calls Check once per inbound operation before routing to a
// handler.
package authz

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/identity/builtin"
	"github.com/fabricgate/corehub/internal/identity/external"
	"github.com/fabricgate/corehub/internal/registry"
)

// Mode selects the gateway's single authorization strategy, fixed at
// construction (spec §9: "never branch per request on which mode").
type Mode int

const (
	ModeNone Mode = iota
	ModeExternal
	ModeBuiltIn
)

// Request describes the operation being authorized. Bucket is set for
// store.* operations that name a bucket; it drives both the system-bucket
// guard and the built-in ACL/owner check.
type Request struct {
	Type   string
	Bucket string
}

// Authorizer holds the single authorization strategy selected at server
// construction and the shared invalidation epoch used for per-connection
// cache staleness checks (spec §9's epoch design note).
type Authorizer struct {
	mode     Mode
	required bool

	permCheck external.PermissionsChecker
	builtin   *builtin.Manager

	epoch atomic.Int64
}

// NewNone builds an Authorizer with no authentication configured: every
// operation is permitted without a session.
func NewNone() *Authorizer {
	return &Authorizer{mode: ModeNone}
}

// NewExternal builds an Authorizer for external-validator mode. permCheck
// may be nil.
func NewExternal(required bool, permCheck external.PermissionsChecker) *Authorizer {
	return &Authorizer{mode: ModeExternal, required: required, permCheck: permCheck}
}

// NewBuiltIn builds an Authorizer backed by the built-in identity manager.
// It registers itself on mgr.OnInvalidate so any role/ACL/ownership
// mutation bumps the shared epoch (spec §4.5, §9).
func NewBuiltIn(mgr *builtin.Manager) *Authorizer {
	a := &Authorizer{mode: ModeBuiltIn, required: true, builtin: mgr}
	mgr.OnInvalidate(a.bumpEpoch)
	return a
}

func (a *Authorizer) bumpEpoch() { a.epoch.Add(1) }

// Epoch returns the current global invalidation epoch.
func (a *Authorizer) Epoch() int64 { return a.epoch.Load() }

// RequiresAuth reports whether the welcome frame should advertise
// requiresAuth:true (spec §6.1).
func (a *Authorizer) RequiresAuth() bool {
	return a.mode != ModeNone && a.required
}

var exemptOps = map[string]bool{
	"auth.login":              true,
	"auth.logout":             true,
	"auth.whoami":             true,
	"identity.login":          true,
	"identity.loginWithSecret": true,
	"identity.logout":         true,
}

func isExempt(opType string) bool { return exemptOps[opType] }

func nowMillis() int64 { return time.Now().UnixMilli() }

// Check runs the ordered pipeline of spec §4.6 for one operation on one
// connection. A nil return means the operation is admitted.
func (a *Authorizer) Check(ctx context.Context, conn *registry.Connection, req Request) error {
	if isExempt(req.Type) {
		return nil
	}

	session := conn.Session()

	if a.RequiresAuth() && session == nil {
		return gatewayerr.Unauth("Authentication required")
	}

	if session != nil && session.Expired(nowMillis()) {
		conn.ClearSession()
		return gatewayerr.Unauth("Session expired")
	}

	if req.Bucket != "" && strings.HasPrefix(req.Bucket, "_") {
		return gatewayerr.Forbid("system bucket")
	}

	if a.mode == ModeNone {
		return nil
	}

	// Refresh the connection's cached epoch; a stale epoch means some
	// identity mutation happened since the session was last checked, but
	// since this implementation holds no per-connection cached decision
	// (only the epoch marker), refreshing it here is sufficient to keep
	// the bound in spec §8 ("reflects Y within the cache-invalidation
	// bound") — there's no cached permission to discard.
	conn.SetAuthEpoch(a.Epoch())

	tier, hasTier := tierForOp(req.Type)
	if hasTier {
		if tier == tierSuperadmin {
			if !session.HasRole("superadmin") {
				return gatewayerr.Forbid(fmt.Sprintf("operation %q requires superadmin", req.Type))
			}
		} else if !sessionMeetsTier(session, tier) && !hasCustomRole(session) {
			return gatewayerr.Forbid(fmt.Sprintf("operation %q requires %s", req.Type, tier))
		}
	}

	if a.mode == ModeExternal && a.permCheck != nil {
		resource := req.Bucket
		if resource == "" {
			resource = req.Type
		}
		if !a.permCheck.Check(ctx, session, req.Type, resource) {
			return gatewayerr.Forbid(fmt.Sprintf("No permission for %s on %s", req.Type, resource))
		}
	}

	if a.mode == ModeBuiltIn && req.Bucket != "" {
		perm, ok := storePermission(req.Type)
		if ok {
			allowed, err := a.builtin.Authorize(ctx, session, perm, "bucket", req.Bucket)
			if err != nil {
				return gatewayerr.As(err)
			}
			if !allowed {
				return gatewayerr.Forbid(fmt.Sprintf("No permission for %s on %s", req.Type, req.Bucket))
			}
		}
	}

	return nil
}
