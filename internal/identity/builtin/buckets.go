package builtin

import (
	"context"
	"fmt"

	"github.com/fabricgate/corehub/internal/store"
)

// System bucket names (spec §6.4). Names beginning with "_" are reserved
// for the gateway's own management; the authorization pipeline's
// system-bucket guard (spec §4.6 step 3) forbids client access to them.
const (
	BucketUsers          = "_users"
	BucketRoles          = "_roles"
	BucketSessions       = "_sessions"
	BucketUserRoles      = "_user_roles"
	BucketACL            = "_acl"
	BucketResourceOwners = "_resource_owners"
)

// SuperadminID is the virtual superadmin's user id. This user is never
// persisted to _users and cannot be deleted or disabled (spec §4.5).
const SuperadminID = "__superadmin__"

// System roles, seeded at server start if absent (spec §6.4). All four are
// marked system=true and cannot be deleted (spec: "system roles ...
// cannot be deleted").
var systemRoles = []string{"superadmin", "admin", "writer", "reader"}

// EnsureBuckets creates the identity system buckets if they don't already
// exist and seeds the four system roles. Safe to call every server start.
func EnsureBuckets(ctx context.Context, st store.Store) error {
	defs := map[string]store.BucketConfig{
		BucketUsers: {Schema: map[string]store.FieldSpec{
			"username":     {Type: store.FieldString, Required: true},
			"passwordHash": {Type: store.FieldString, Required: true},
			"enabled":      {Type: store.FieldBool, Required: true},
			"displayName":  {Type: store.FieldString},
			"email":        {Type: store.FieldString},
		}},
		BucketRoles: {Schema: map[string]store.FieldSpec{
			"name":        {Type: store.FieldString, Required: true},
			"permissions": {Type: store.FieldAny},
			"system":      {Type: store.FieldBool, Required: true},
			"description": {Type: store.FieldString},
		}},
		BucketSessions: {Schema: map[string]store.FieldSpec{
			"token":     {Type: store.FieldString, Required: true},
			"userId":    {Type: store.FieldString, Required: true},
			"expiresAt": {Type: store.FieldNumber, Required: true},
		}},
		BucketUserRoles: {Schema: map[string]store.FieldSpec{
			"userId": {Type: store.FieldString, Required: true},
			"roleId": {Type: store.FieldString, Required: true},
		}},
		BucketACL: {Schema: map[string]store.FieldSpec{
			"subjectType":  {Type: store.FieldString, Required: true},
			"subjectId":    {Type: store.FieldString, Required: true},
			"resourceType": {Type: store.FieldString, Required: true},
			"resourceName": {Type: store.FieldString, Required: true},
			"operations":   {Type: store.FieldAny, Required: true},
		}},
		BucketResourceOwners: {Schema: map[string]store.FieldSpec{
			"resourceType": {Type: store.FieldString, Required: true},
			"resourceName": {Type: store.FieldString, Required: true},
			"userId":       {Type: store.FieldString, Required: true},
		}},
	}
	for name, cfg := range defs {
		if bucketExists(st, name) {
			continue
		}
		if err := st.DefineBucket(name, cfg); err != nil {
			return fmt.Errorf("define bucket %q: %w", name, err)
		}
	}

	roles, err := st.Bucket(BucketRoles)
	if err != nil {
		return err
	}
	for _, name := range systemRoles {
		_, found, err := roles.FindOne(ctx, []store.Filter{{Field: "name", Op: store.OpEq, Value: name}})
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if _, err := roles.Insert(ctx, store.Doc{
			"name": name, "permissions": []any{}, "system": true, "description": "",
		}); err != nil {
			return fmt.Errorf("seed role %q: %w", name, err)
		}
	}
	return nil
}

func bucketExists(st store.Store, name string) bool {
	for _, b := range st.Buckets() {
		if b == name {
			return true
		}
	}
	return false
}
