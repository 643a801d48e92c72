package authz

import "github.com/fabricgate/corehub/internal/registry"

// tier is the predefined role-to-permission ladder of spec §4.6 step 4,
// plus "superadmin" — a stricter gate applied to identity/procedure
// management operations that sits above the admin/write/read ladder
// rather than inside it (an "admin"-tier session does not automatically
// satisfy a superadmin requirement).
type tier string

const (
	tierRead       tier = "read"
	tierWrite      tier = "write"
	tierAdmin      tier = "admin"
	tierSuperadmin tier = "superadmin"
)

// opTiers enumerates every operation named in spec §4.6 step 4 explicitly.
// Operations absent from this table (and outside the "rules." prefix that
// tierForOp handles) skip the tier/role check entirely. store.transaction
// is checked once, as a write-tier operation.
//
// Identity/procedure management tiers are a literal reading of the spec
// text: "Identity operations ... require superadmin" is the default for
// every identity.* op, with the explicitly named exceptions
// (identity.createUser, identity.listUsers, role management beyond
// listing) downgraded to admin, and the self-service lookups
// (whoami/myAccess/listRoles/getUserRoles) left at read so any
// authenticated session can call them. This is recorded as an Open
// Question resolution in DESIGN.md.
var opTiers = map[string]tier{
	// Admin tier.
	"server.stats":        tierAdmin,
	"server.connections":  tierAdmin,
	"store.defineBucket":  tierAdmin,
	"store.dropBucket":    tierAdmin,
	"audit.query":         tierAdmin,

	// Write tier.
	"store.insert":      tierWrite,
	"store.update":      tierWrite,
	"store.delete":      tierWrite,
	"store.clear":       tierWrite,
	"store.transaction": tierWrite,
	"procedures.call":   tierWrite,

	// Read tier.
	"store.get":         tierRead,
	"store.all":         tierRead,
	"store.where":       tierRead,
	"store.findOne":     tierRead,
	"store.count":       tierRead,
	"store.first":       tierRead,
	"store.last":        tierRead,
	"store.paginate":    tierRead,
	"store.sum":         tierRead,
	"store.avg":         tierRead,
	"store.min":         tierRead,
	"store.max":         tierRead,
	"store.subscribe":   tierRead,
	"store.unsubscribe": tierRead,
	"store.buckets":     tierRead,
	"store.stats":       tierRead,
	"procedures.get":    tierRead,

	// Identity self-service (read: any authenticated session).
	"identity.whoami":       tierRead,
	"identity.myAccess":     tierRead,
	"identity.listRoles":    tierRead,
	"identity.getUserRoles": tierRead,
	"identity.refreshSession": tierRead,

	// Admin-tier identity/procedure exceptions.
	"identity.createUser": tierAdmin,
	"identity.listUsers":  tierAdmin,
	"identity.createRole": tierAdmin,
	"identity.updateRole": tierAdmin,
	"identity.deleteRole": tierAdmin,
	"identity.assignRole": tierAdmin,
	"identity.removeRole": tierAdmin,
	"procedures.list":     tierAdmin,

	// Superadmin-tier identity/procedure management (the default for
	// every other identity.* op, named explicitly where store ops would
	// otherwise collide).
	"identity.getUser":       tierSuperadmin,
	"identity.updateUser":    tierSuperadmin,
	"identity.deleteUser":    tierSuperadmin,
	"identity.enableUser":    tierSuperadmin,
	"identity.disableUser":   tierSuperadmin,
	"identity.changePassword": tierSuperadmin,
	"identity.resetPassword": tierSuperadmin,
	"identity.grant":         tierSuperadmin,
	"identity.revoke":        tierSuperadmin,
	"identity.getAcl":        tierSuperadmin,
	"identity.getOwner":      tierSuperadmin,
	"identity.transferOwner": tierSuperadmin,
	"procedures.register":    tierSuperadmin,
	"procedures.unregister":  tierSuperadmin,
	"procedures.update":      tierSuperadmin,
}

// Ops under the "rules." prefix are always read tier ("all rules.*").
func tierForOp(opType string) (tier, bool) {
	if t, ok := opTiers[opType]; ok {
		return t, true
	}
	if len(opType) > 6 && opType[:6] == "rules." {
		return tierRead, true
	}
	return "", false
}

// storePermission maps a store.* operation to the read/write/admin
// permission the built-in ACL/owner check (spec §4.6 step 6) evaluates.
// Non-store operations return ok=false.
func storePermission(opType string) (string, bool) {
	switch opType {
	case "store.defineBucket", "store.dropBucket":
		return "admin", true
	case "store.insert", "store.update", "store.delete", "store.clear", "store.transaction":
		return "write", true
	case "store.get", "store.all", "store.where", "store.findOne", "store.count",
		"store.first", "store.last", "store.paginate", "store.sum", "store.avg",
		"store.min", "store.max", "store.subscribe", "store.unsubscribe":
		return "read", true
	default:
		return "", false
	}
}

// sessionMeetsTier applies the admin/writer/reader → admin/write/read
// ladder (spec §4.6 step 4): admin grants all, writer grants write+read,
// reader grants read only.
func sessionMeetsTier(session *registry.Session, t tier) bool {
	if session == nil {
		return false
	}
	if session.HasRole("superadmin") || session.HasRole("admin") {
		return true
	}
	switch t {
	case tierRead:
		return session.HasRole("writer") || session.HasRole("reader")
	case tierWrite:
		return session.HasRole("writer")
	default:
		return false
	}
}

// hasCustomRole reports whether session carries no role from the
// predefined {admin, writer, reader} set, meaning it bypasses the generic
// tier ladder entirely and falls through to the permissions callback
// (spec §4.6 step 4 final bullet). Superadmin is not "custom" — it's
// always evaluated via sessionMeetsTier above.
func hasCustomRole(session *registry.Session) bool {
	if session == nil {
		return false
	}
	for _, r := range session.Roles {
		if r == "admin" || r == "writer" || r == "reader" || r == "superadmin" {
			return false
		}
	}
	return true
}
