package builtin

import (
	"context"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/store"
)

// User is the public view of a stored user — passwordHash is never
// included (spec §4.5: "Never include passwordHash in any response
// payload").
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Enabled     bool   `json:"enabled"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

func toUser(doc store.Doc) User {
	u := User{Enabled: true}
	if v, ok := doc["id"].(string); ok {
		u.ID = v
	}
	if v, ok := doc["username"].(string); ok {
		u.Username = v
	}
	if v, ok := doc["enabled"].(bool); ok {
		u.Enabled = v
	}
	if v, ok := doc["displayName"].(string); ok {
		u.DisplayName = v
	}
	if v, ok := doc["email"].(string); ok {
		u.Email = v
	}
	return u
}

// CreateUser validates the password, hashes it, and inserts a new user row.
func (m *Manager) CreateUser(ctx context.Context, username, password, displayName, email string) (*User, error) {
	if err := ValidatePasswordLength(password); err != nil {
		return nil, gatewayerr.Validation(err.Error())
	}
	users, err := m.usersBucket()
	if err != nil {
		return nil, err
	}
	_, exists, err := users.FindOne(ctx, []store.Filter{{Field: "username", Op: store.OpEq, Value: username}})
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, gatewayerr.Exists("username already exists")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, gatewayerr.Internal("failed to hash password")
	}
	doc, err := users.Insert(ctx, store.Doc{
		"username": username, "passwordHash": hash, "enabled": true,
		"displayName": displayName, "email": email,
	})
	if err != nil {
		return nil, err
	}
	u := toUser(doc)
	return &u, nil
}

func (m *Manager) GetUser(ctx context.Context, userID string) (*User, error) {
	users, err := m.usersBucket()
	if err != nil {
		return nil, err
	}
	doc, err := users.Get(ctx, userID)
	if err != nil {
		return nil, gatewayerr.NotFoundErr("user")
	}
	u := toUser(doc)
	return &u, nil
}

// UpdateUser partially merges displayName/email. Username/password are
// changed through their own dedicated operations.
func (m *Manager) UpdateUser(ctx context.Context, userID string, displayName, email *string) (*User, error) {
	users, err := m.usersBucket()
	if err != nil {
		return nil, err
	}
	patch := store.Doc{}
	if displayName != nil {
		patch["displayName"] = *displayName
	}
	if email != nil {
		patch["email"] = *email
	}
	doc, err := users.Update(ctx, userID, patch)
	if err != nil {
		return nil, gatewayerr.NotFoundErr("user")
	}
	u := toUser(doc)
	return &u, nil
}

// DeleteUser removes the user and every side effect the spec requires:
// sessions, ACL entries naming the user, and ownership rows.
func (m *Manager) DeleteUser(ctx context.Context, userID string) error {
	if userID == SuperadminID {
		return gatewayerr.Forbid("cannot delete the virtual superadmin")
	}
	users, err := m.usersBucket()
	if err != nil {
		return err
	}
	ok, err := users.Delete(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return gatewayerr.NotFoundErr("user")
	}
	if err := m.deleteSessionsForUser(ctx, userID); err != nil {
		return err
	}
	if err := m.deleteACLForSubject(ctx, "user", userID); err != nil {
		return err
	}
	if err := m.deleteOwnershipForUser(ctx, userID); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

func (m *Manager) ListUsers(ctx context.Context, offset, limit int) ([]User, int, error) {
	users, err := m.usersBucket()
	if err != nil {
		return nil, 0, err
	}
	docs, total, err := users.Paginate(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	out := make([]User, 0, len(docs))
	for _, d := range docs {
		out = append(out, toUser(d))
	}
	return out, total, nil
}

func (m *Manager) setEnabled(ctx context.Context, userID string, enabled bool) error {
	if userID == SuperadminID {
		return gatewayerr.Forbid("cannot change the virtual superadmin")
	}
	users, err := m.usersBucket()
	if err != nil {
		return err
	}
	if _, err := users.Update(ctx, userID, store.Doc{"enabled": enabled}); err != nil {
		return gatewayerr.NotFoundErr("user")
	}
	if !enabled {
		if err := m.deleteSessionsForUser(ctx, userID); err != nil {
			return err
		}
	}
	m.invalidate()
	return nil
}

func (m *Manager) EnableUser(ctx context.Context, userID string) error  { return m.setEnabled(ctx, userID, true) }
func (m *Manager) DisableUser(ctx context.Context, userID string) error { return m.setEnabled(ctx, userID, false) }

// ChangePassword requires the caller's current password.
func (m *Manager) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if err := ValidatePasswordLength(newPassword); err != nil {
		return gatewayerr.Validation(err.Error())
	}
	users, err := m.usersBucket()
	if err != nil {
		return err
	}
	doc, err := users.Get(ctx, userID)
	if err != nil {
		return gatewayerr.NotFoundErr("user")
	}
	hash, _ := doc["passwordHash"].(string)
	ok, err := VerifyPassword(currentPassword, hash)
	if err != nil || !ok {
		return gatewayerr.Unauth("Invalid credentials")
	}
	return m.setPassword(ctx, userID, newPassword)
}

// ResetPassword is an admin operation: no current password required.
func (m *Manager) ResetPassword(ctx context.Context, userID, newPassword string) error {
	if err := ValidatePasswordLength(newPassword); err != nil {
		return gatewayerr.Validation(err.Error())
	}
	return m.setPassword(ctx, userID, newPassword)
}

func (m *Manager) setPassword(ctx context.Context, userID, newPassword string) error {
	hash, err := HashPassword(newPassword)
	if err != nil {
		return gatewayerr.Internal("failed to hash password")
	}
	users, err := m.usersBucket()
	if err != nil {
		return err
	}
	if _, err := users.Update(ctx, userID, store.Doc{"passwordHash": hash}); err != nil {
		return gatewayerr.NotFoundErr("user")
	}
	return m.deleteSessionsForUser(ctx, userID)
}

func (m *Manager) deleteSessionsForUser(ctx context.Context, userID string) error {
	sessions, err := m.sessionsBucket()
	if err != nil {
		return err
	}
	rows, err := sessions.Where(ctx, []store.Filter{{Field: "userId", Op: store.OpEq, Value: userID}})
	if err != nil {
		return err
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		if _, err := sessions.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) deleteACLForSubject(ctx context.Context, subjectType, subjectID string) error {
	acl, err := m.aclBucket()
	if err != nil {
		return err
	}
	rows, err := acl.Where(ctx, []store.Filter{
		{Field: "subjectType", Op: store.OpEq, Value: subjectType},
		{Field: "subjectId", Op: store.OpEq, Value: subjectID},
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		if _, err := acl.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) deleteOwnershipForUser(ctx context.Context, userID string) error {
	owners, err := m.ownersBucket()
	if err != nil {
		return err
	}
	rows, err := owners.Where(ctx, []store.Filter{{Field: "userId", Op: store.OpEq, Value: userID}})
	if err != nil {
		return err
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		if _, err := owners.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
