package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricgate/corehub/internal/ratelimit"
	"github.com/fabricgate/corehub/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	require.NoError(t, EnsureBuckets(context.Background(), st))
	m := New(st, Config{AdminSecret: "top-secret", SessionTTL: time.Hour}, ratelimit.NewMemLimiter(), nil)
	return m, st
}

func TestEnsureBucketsSeedsSystemRoles(t *testing.T) {
	_, st := newTestManager(t)
	roles, err := st.Bucket(BucketRoles)
	require.NoError(t, err)
	docs, err := roles.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 4)
}

func TestLoginWithSecretAuthenticatesSuperadmin(t *testing.T) {
	m, _ := newTestManager(t)
	sess, err := m.LoginWithSecret(context.Background(), "top-secret")
	require.NoError(t, err)
	assert.Equal(t, SuperadminID, sess.UserID)
	assert.Equal(t, []string{"superadmin"}, sess.Roles)
}

func TestLoginWithSecretRejectsWrongSecret(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.LoginWithSecret(context.Background(), "wrong")
	assert.Error(t, err)
}

func TestCreateUserAndLogin(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	u, err := m.CreateUser(ctx, "alice", "hunter2pass", "Alice", "alice@example.com")
	require.NoError(t, err)
	assert.True(t, u.Enabled)

	sess, err := m.Login(ctx, "alice", "hunter2pass", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, sess.UserID)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateUser(ctx, "bob", "correctpass", "", "")
	require.NoError(t, err)
	_, err = m.Login(ctx, "bob", "wrongpass", "127.0.0.1")
	assert.Error(t, err)
}

func TestCreateUserRejectsShortPassword(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateUser(context.Background(), "shorty", "abc", "", "")
	assert.Error(t, err)
}

func TestCreateUserRejectsDuplicateUsername(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateUser(ctx, "carol", "longenoughpw", "", "")
	require.NoError(t, err)
	_, err = m.CreateUser(ctx, "carol", "anotherlongpw", "", "")
	assert.Error(t, err)
}

func TestDeleteUserCascadesSessionsAndACL(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	u, err := m.CreateUser(ctx, "dave", "longenoughpw", "", "")
	require.NoError(t, err)
	_, err = m.Login(ctx, "dave", "longenoughpw", "127.0.0.1")
	require.NoError(t, err)
	_, err = m.Grant(ctx, "user", u.ID, "bucket", "widgets", []string{"read"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteUser(ctx, u.ID))

	sessions, err := m.sessionsBucket()
	require.NoError(t, err)
	rows, err := sessions.Where(ctx, []store.Filter{{Field: "userId", Op: store.OpEq, Value: u.ID}})
	require.NoError(t, err)
	assert.Empty(t, rows)

	acl, err := m.aclBucket()
	require.NoError(t, err)
	aclRows, err := acl.Where(ctx, []store.Filter{{Field: "subjectId", Op: store.OpEq, Value: u.ID}})
	require.NoError(t, err)
	assert.Empty(t, aclRows)
}

func TestDeleteUserForbidsSuperadmin(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.DeleteUser(context.Background(), SuperadminID)
	assert.Error(t, err)
}

func TestDisableUserRevokesSessionsAndBlocksLogin(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	u, err := m.CreateUser(ctx, "erin", "longenoughpw", "", "")
	require.NoError(t, err)
	_, err = m.Login(ctx, "erin", "longenoughpw", "127.0.0.1")
	require.NoError(t, err)

	require.NoError(t, m.DisableUser(ctx, u.ID))

	_, err = m.Login(ctx, "erin", "longenoughpw", "127.0.0.1")
	assert.Error(t, err)
}

func TestRevokeUserDeletesSessionsAndBlocksReloginUntilItExpires(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	u, err := m.CreateUser(ctx, "frank", "longenoughpw", "", "")
	require.NoError(t, err)
	_, err = m.Login(ctx, "frank", "longenoughpw", "127.0.0.1")
	require.NoError(t, err)

	require.NoError(t, m.RevokeUser(ctx, u.ID))

	sessions, err := st.Bucket(BucketSessions)
	require.NoError(t, err)
	rows, err := sessions.Where(ctx, []store.Filter{{Field: "userId", Op: store.OpEq, Value: u.ID}})
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = m.Login(ctx, "frank", "longenoughpw", "127.0.0.1")
	assert.Error(t, err)
}

func TestSweepExpiredSessionsDeletesOnlyPastExpiry(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateUser(ctx, "grace", "longenoughpw", "", "")
	require.NoError(t, err)
	sess, err := m.Login(ctx, "grace", "longenoughpw", "127.0.0.1")
	require.NoError(t, err)

	sessions, err := st.Bucket(BucketSessions)
	require.NoError(t, err)
	doc, found, err := sessions.FindOne(ctx, []store.Filter{{Field: "token", Op: store.OpEq, Value: sess.Token}})
	require.NoError(t, err)
	require.True(t, found)
	id, _ := doc["id"].(string)
	_, err = sessions.Update(ctx, id, store.Doc{"expiresAt": float64(time.Now().Add(-time.Minute).UnixMilli())})
	require.NoError(t, err)

	n, err := m.SweepExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := sessions.Where(ctx, []store.Filter{{Field: "token", Op: store.OpEq, Value: sess.Token}})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestChangePasswordRequiresCurrentPassword(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	u, err := m.CreateUser(ctx, "frank", "originalpw1", "", "")
	require.NoError(t, err)

	err = m.ChangePassword(ctx, u.ID, "wrongpw", "newlongpw1")
	assert.Error(t, err)

	require.NoError(t, m.ChangePassword(ctx, u.ID, "originalpw1", "newlongpw1"))
	_, err = m.Login(ctx, "frank", "newlongpw1", "127.0.0.1")
	assert.NoError(t, err)
}

func TestRoleCreateAssignAndDeleteCascades(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	u, err := m.CreateUser(ctx, "grace", "longenoughpw", "", "")
	require.NoError(t, err)

	_, err = m.CreateRole(ctx, "editor", "can edit", []string{"edit"})
	require.NoError(t, err)

	require.NoError(t, m.AssignRole(ctx, u.ID, "editor"))
	roles, err := m.GetUserRoles(ctx, u.ID)
	require.NoError(t, err)
	assert.Contains(t, roles, "editor")

	roleID, err := m.roleIDByName(ctx, "editor")
	require.NoError(t, err)
	require.NoError(t, m.DeleteRole(ctx, roleID))

	roles, err = m.GetUserRoles(ctx, u.ID)
	require.NoError(t, err)
	assert.NotContains(t, roles, "editor")
}

func TestDeleteRoleForbidsSystemRole(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	roleID, err := m.roleIDByName(ctx, "admin")
	require.NoError(t, err)
	err = m.DeleteRole(ctx, roleID)
	assert.Error(t, err)
}

func TestGrantValidatesOperations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Grant(ctx, "user", "u1", "bucket", "widgets", []string{"bogus"})
	assert.Error(t, err)

	entry, err := m.Grant(ctx, "user", "u1", "bucket", "widgets", []string{"read", "write"})
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, entry.Operations)
}

func TestGrantUpsertsExistingEntry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Grant(ctx, "user", "u1", "bucket", "widgets", []string{"read"})
	require.NoError(t, err)
	entry, err := m.Grant(ctx, "user", "u1", "bucket", "widgets", []string{"admin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, entry.Operations)

	all, err := m.GetAcl(ctx, "bucket", "widgets")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRevokeRemovesEntry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Grant(ctx, "user", "u1", "bucket", "widgets", []string{"read"})
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, "user", "u1", "bucket", "widgets"))
	err = m.Revoke(ctx, "user", "u1", "bucket", "widgets")
	assert.Error(t, err)
}

func TestTransferOwnerAndGetOwner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	owner, err := m.GetOwner(ctx, "bucket", "widgets")
	require.NoError(t, err)
	assert.Empty(t, owner)

	require.NoError(t, m.TransferOwner(ctx, "bucket", "widgets", "u1"))
	owner, err = m.GetOwner(ctx, "bucket", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)

	require.NoError(t, m.TransferOwner(ctx, "bucket", "widgets", "u2"))
	owner, err = m.GetOwner(ctx, "bucket", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "u2", owner)
}

func TestDropResourceDeletesAclAndOwnership(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.TransferOwner(ctx, "bucket", "widgets", "u1"))
	_, err := m.Grant(ctx, "user", "u2", "bucket", "widgets", []string{"read"})
	require.NoError(t, err)

	require.NoError(t, m.DropResource(ctx, "bucket", "widgets"))

	owner, err := m.GetOwner(ctx, "bucket", "widgets")
	require.NoError(t, err)
	assert.Empty(t, owner)

	acl, err := m.GetAcl(ctx, "bucket", "widgets")
	require.NoError(t, err)
	assert.Empty(t, acl)
}

func TestInvalidateFiresOnMutations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	calls := 0
	m.OnInvalidate(func() { calls++ })

	_, err := m.CreateRole(ctx, "viewer", "", []string{"view"})
	require.NoError(t, err)
	assert.Zero(t, calls, "CreateRole does not affect existing sessions")

	u, err := m.CreateUser(ctx, "henry", "longenoughpw", "", "")
	require.NoError(t, err)
	require.NoError(t, m.AssignRole(ctx, u.ID, "viewer"))
	assert.Equal(t, 1, calls)
}
