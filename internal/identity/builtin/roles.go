package builtin

import (
	"context"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/store"
)

// Role is the public view of a stored role.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	System      bool     `json:"system"`
	Description string   `json:"description,omitempty"`
}

func toRole(doc store.Doc) Role {
	r := Role{}
	if v, ok := doc["id"].(string); ok {
		r.ID = v
	}
	if v, ok := doc["name"].(string); ok {
		r.Name = v
	}
	if v, ok := doc["system"].(bool); ok {
		r.System = v
	}
	if v, ok := doc["description"].(string); ok {
		r.Description = v
	}
	if raw, ok := doc["permissions"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				r.Permissions = append(r.Permissions, s)
			}
		}
	}
	return r
}

func isSystemRoleName(name string) bool {
	for _, n := range systemRoles {
		if n == name {
			return true
		}
	}
	return false
}

func (m *Manager) CreateRole(ctx context.Context, name, description string, permissions []string) (*Role, error) {
	roles, err := m.rolesBucket()
	if err != nil {
		return nil, err
	}
	_, exists, err := roles.FindOne(ctx, []store.Filter{{Field: "name", Op: store.OpEq, Value: name}})
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, gatewayerr.Exists("role already exists")
	}
	perms := make([]any, len(permissions))
	for i, p := range permissions {
		perms[i] = p
	}
	doc, err := roles.Insert(ctx, store.Doc{"name": name, "permissions": perms, "system": false, "description": description})
	if err != nil {
		return nil, err
	}
	r := toRole(doc)
	return &r, nil
}

func (m *Manager) UpdateRole(ctx context.Context, roleID, description string, permissions []string) (*Role, error) {
	roles, err := m.rolesBucket()
	if err != nil {
		return nil, err
	}
	patch := store.Doc{"description": description}
	if permissions != nil {
		perms := make([]any, len(permissions))
		for i, p := range permissions {
			perms[i] = p
		}
		patch["permissions"] = perms
	}
	doc, err := roles.Update(ctx, roleID, patch)
	if err != nil {
		return nil, gatewayerr.NotFoundErr("role")
	}
	m.invalidate()
	r := toRole(doc)
	return &r, nil
}

// DeleteRole refuses to remove any of the four system roles, and on
// success deletes every _user_roles row referencing it and invalidates
// every connection's authorization cache (spec §4.5).
func (m *Manager) DeleteRole(ctx context.Context, roleID string) error {
	roles, err := m.rolesBucket()
	if err != nil {
		return err
	}
	doc, err := roles.Get(ctx, roleID)
	if err != nil {
		return gatewayerr.NotFoundErr("role")
	}
	if name, _ := doc["name"].(string); isSystemRoleName(name) {
		return gatewayerr.Forbid("system roles cannot be deleted")
	}
	ok, err := roles.Delete(ctx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return gatewayerr.NotFoundErr("role")
	}

	userRoles, err := m.userRolesBucket()
	if err != nil {
		return err
	}
	rows, err := userRoles.Where(ctx, []store.Filter{{Field: "roleId", Op: store.OpEq, Value: roleID}})
	if err != nil {
		return err
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		if _, err := userRoles.Delete(ctx, id); err != nil {
			return err
		}
	}
	m.invalidate()
	return nil
}

func (m *Manager) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := m.rolesBucket()
	if err != nil {
		return nil, err
	}
	docs, err := roles.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Role, 0, len(docs))
	for _, d := range docs {
		out = append(out, toRole(d))
	}
	return out, nil
}

func (m *Manager) roleIDByName(ctx context.Context, name string) (string, error) {
	roles, err := m.rolesBucket()
	if err != nil {
		return "", err
	}
	doc, found, err := roles.FindOne(ctx, []store.Filter{{Field: "name", Op: store.OpEq, Value: name}})
	if err != nil {
		return "", err
	}
	if !found {
		return "", gatewayerr.NotFoundErr("role")
	}
	id, _ := doc["id"].(string)
	return id, nil
}

// AssignRole grants roleName to userID.
func (m *Manager) AssignRole(ctx context.Context, userID, roleName string) error {
	roleID, err := m.roleIDByName(ctx, roleName)
	if err != nil {
		return err
	}
	userRoles, err := m.userRolesBucket()
	if err != nil {
		return err
	}
	_, exists, err := userRoles.FindOne(ctx, []store.Filter{
		{Field: "userId", Op: store.OpEq, Value: userID},
		{Field: "roleId", Op: store.OpEq, Value: roleID},
	})
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := userRoles.Insert(ctx, store.Doc{"userId": userID, "roleId": roleID}); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

// RemoveRole revokes roleName from userID.
func (m *Manager) RemoveRole(ctx context.Context, userID, roleName string) error {
	roleID, err := m.roleIDByName(ctx, roleName)
	if err != nil {
		return err
	}
	userRoles, err := m.userRolesBucket()
	if err != nil {
		return err
	}
	doc, found, err := userRoles.FindOne(ctx, []store.Filter{
		{Field: "userId", Op: store.OpEq, Value: userID},
		{Field: "roleId", Op: store.OpEq, Value: roleID},
	})
	if err != nil {
		return err
	}
	if !found {
		return gatewayerr.NotFoundErr("role assignment")
	}
	id, _ := doc["id"].(string)
	if _, err := userRoles.Delete(ctx, id); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

func (m *Manager) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	return m.RolesForUser(ctx, userID)
}
