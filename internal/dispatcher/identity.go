package dispatcher

import (
	"context"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/protocol"
	"github.com/fabricgate/corehub/internal/registry"
)

// handleAuth routes the mode-A external-validator operations (spec §4.5.A):
// auth.login/logout/whoami. auth.whoami reports presence regardless of
// identity mode; login/logout require an external Validator to be wired.
func (d *Dispatcher) handleAuth(ctx context.Context, conn *registry.Connection, req *protocol.Request) (any, error) {
	switch req.Type {
	case "auth.login":
		if d.cfg.IdentityMode != IdentityExternal || d.cfg.Validator == nil {
			return nil, gatewayerr.UnknownOp(req.Type)
		}
		token := req.StringField("token")
		session, err := d.cfg.Validator.Validate(ctx, token)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		if session == nil {
			return nil, gatewayerr.Unauth("Invalid credentials")
		}
		if session.Expired(nowMillis()) {
			return nil, gatewayerr.Unauth("Token has expired")
		}
		conn.SetSession(session)
		return map[string]any{"userId": session.UserID, "roles": session.Roles}, nil

	case "auth.logout":
		conn.ClearSession()
		return map[string]any{"loggedOut": true}, nil

	case "auth.whoami":
		session := conn.Session()
		if session == nil {
			return map[string]any{"authenticated": false}, nil
		}
		return map[string]any{"authenticated": true, "userId": session.UserID, "roles": session.Roles}, nil

	default:
		return nil, gatewayerr.UnknownOp(req.Type)
	}
}

// handleIdentity routes mode-B built-in-identity operations (spec §4.5.B).
// Every case requires IdentityBuiltIn; in any other mode the whole
// identity.* namespace is simply unwired.
func (d *Dispatcher) handleIdentity(ctx context.Context, conn *registry.Connection, req *protocol.Request) (any, error) {
	if d.cfg.IdentityMode != IdentityBuiltIn || d.cfg.Builtin == nil {
		return nil, gatewayerr.UnknownOp(req.Type)
	}
	mgr := d.cfg.Builtin

	switch req.Type {
	case "identity.loginWithSecret":
		session, err := mgr.LoginWithSecret(ctx, req.StringField("secret"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		conn.SetSession(session)
		return map[string]any{"userId": session.UserID, "roles": session.Roles, "token": session.Token}, nil

	case "identity.login":
		session, err := mgr.Login(ctx, req.StringField("username"), req.StringField("password"), conn.RemoteAddr)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		conn.SetSession(session)
		return map[string]any{"userId": session.UserID, "roles": session.Roles, "token": session.Token}, nil

	case "identity.logout":
		session := conn.Session()
		if session != nil {
			_ = mgr.Logout(ctx, session.Token)
		}
		conn.ClearSession()
		return map[string]any{"loggedOut": true}, nil

	case "identity.refreshSession":
		session := conn.Session()
		if session == nil {
			return nil, gatewayerr.Unauth("Authentication required")
		}
		newSession, err := mgr.RefreshSession(ctx, session.Token)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		conn.SetSession(newSession)
		return map[string]any{"token": newSession.Token}, nil

	case "identity.whoami":
		session := conn.Session()
		if session == nil {
			return map[string]any{"authenticated": false}, nil
		}
		return map[string]any{"authenticated": true, "userId": session.UserID, "roles": session.Roles}, nil

	case "identity.myAccess":
		session := conn.Session()
		if session == nil {
			return nil, gatewayerr.Unauth("Authentication required")
		}
		access, err := mgr.MyAccess(ctx, session)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return access, nil

	case "identity.createUser":
		user, err := mgr.CreateUser(ctx, req.StringField("username"), req.StringField("password"), req.StringField("displayName"), req.StringField("email"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return user, nil

	case "identity.getUser":
		user, err := mgr.GetUser(ctx, req.StringField("userId"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return user, nil

	case "identity.updateUser":
		var displayName, email *string
		if s := req.StringField("displayName"); s != "" {
			displayName = &s
		}
		if s := req.StringField("email"); s != "" {
			email = &s
		}
		user, err := mgr.UpdateUser(ctx, req.StringField("userId"), displayName, email)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return user, nil

	case "identity.deleteUser":
		if err := mgr.DeleteUser(ctx, req.StringField("userId")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"deleted": true}, nil

	case "identity.listUsers":
		var offset, limit int
		_, _ = req.Field("offset", &offset)
		_, _ = req.Field("limit", &limit)
		users, total, err := mgr.ListUsers(ctx, offset, limit)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"items": users, "total": total}, nil

	case "identity.enableUser":
		if err := mgr.EnableUser(ctx, req.StringField("userId")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"enabled": true}, nil

	case "identity.disableUser":
		if err := mgr.DisableUser(ctx, req.StringField("userId")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"disabled": true}, nil

	case "identity.changePassword":
		session := conn.Session()
		if session == nil {
			return nil, gatewayerr.Unauth("Authentication required")
		}
		if err := mgr.ChangePassword(ctx, session.UserID, req.StringField("currentPassword"), req.StringField("newPassword")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"changed": true}, nil

	case "identity.resetPassword":
		if err := mgr.ResetPassword(ctx, req.StringField("userId"), req.StringField("newPassword")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"changed": true}, nil

	case "identity.createRole":
		var permissions []string
		_, _ = req.Field("permissions", &permissions)
		role, err := mgr.CreateRole(ctx, req.StringField("name"), req.StringField("description"), permissions)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return role, nil

	case "identity.updateRole":
		var permissions []string
		_, _ = req.Field("permissions", &permissions)
		role, err := mgr.UpdateRole(ctx, req.StringField("roleId"), req.StringField("description"), permissions)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return role, nil

	case "identity.deleteRole":
		if err := mgr.DeleteRole(ctx, req.StringField("roleId")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"deleted": true}, nil

	case "identity.listRoles":
		roles, err := mgr.ListRoles(ctx)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return roles, nil

	case "identity.assignRole":
		if err := mgr.AssignRole(ctx, req.StringField("userId"), req.StringField("roleName")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"assigned": true}, nil

	case "identity.removeRole":
		if err := mgr.RemoveRole(ctx, req.StringField("userId"), req.StringField("roleName")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"removed": true}, nil

	case "identity.getUserRoles":
		roles, err := mgr.GetUserRoles(ctx, req.StringField("userId"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return roles, nil

	case "identity.grant":
		var operations []string
		_, _ = req.Field("operations", &operations)
		entry, err := mgr.Grant(ctx, req.StringField("subjectType"), req.StringField("subjectId"), req.StringField("resourceType"), req.StringField("resourceName"), operations)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return entry, nil

	case "identity.revoke":
		if err := mgr.Revoke(ctx, req.StringField("subjectType"), req.StringField("subjectId"), req.StringField("resourceType"), req.StringField("resourceName")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"revoked": true}, nil

	case "identity.getAcl":
		acl, err := mgr.GetAcl(ctx, req.StringField("resourceType"), req.StringField("resourceName"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return acl, nil

	case "identity.getOwner":
		owner, err := mgr.GetOwner(ctx, req.StringField("resourceType"), req.StringField("resourceName"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"owner": owner}, nil

	case "identity.transferOwner":
		if err := mgr.TransferOwner(ctx, req.StringField("resourceType"), req.StringField("resourceName"), req.StringField("userId")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"transferred": true}, nil

	default:
		return nil, gatewayerr.UnknownOp(req.Type)
	}
}
