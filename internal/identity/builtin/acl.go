package builtin

import (
	"context"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/registry"
	"github.com/fabricgate/corehub/internal/store"
)

// validAclOps is the closed operations set an ACL grant may name (spec §4.6).
var validAclOps = map[string]bool{"read": true, "write": true, "admin": true}

// AclEntry is the public view of one ACL row.
type AclEntry struct {
	ID           string   `json:"id"`
	SubjectType  string   `json:"subjectType"`
	SubjectID    string   `json:"subjectId"`
	ResourceType string   `json:"resourceType"`
	ResourceName string   `json:"resourceName"`
	Operations   []string `json:"operations"`
}

func toAclEntry(doc store.Doc) AclEntry {
	e := AclEntry{}
	if v, ok := doc["id"].(string); ok {
		e.ID = v
	}
	if v, ok := doc["subjectType"].(string); ok {
		e.SubjectType = v
	}
	if v, ok := doc["subjectId"].(string); ok {
		e.SubjectID = v
	}
	if v, ok := doc["resourceType"].(string); ok {
		e.ResourceType = v
	}
	if v, ok := doc["resourceName"].(string); ok {
		e.ResourceName = v
	}
	if raw, ok := doc["operations"].([]any); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok {
				e.Operations = append(e.Operations, s)
			}
		}
	}
	return e
}

// Grant creates or replaces the ACL entry for (subjectType, subjectId,
// resourceType, resourceName). operations must be a non-empty subset of
// {read, write, admin} or this returns VALIDATION_ERROR.
func (m *Manager) Grant(ctx context.Context, subjectType, subjectID, resourceType, resourceName string, operations []string) (*AclEntry, error) {
	if len(operations) == 0 {
		return nil, gatewayerr.Validation("operations must not be empty")
	}
	for _, op := range operations {
		if !validAclOps[op] {
			return nil, gatewayerr.Validation("unknown ACL operation " + op)
		}
	}
	acl, err := m.aclBucket()
	if err != nil {
		return nil, err
	}
	filters := []store.Filter{
		{Field: "subjectType", Op: store.OpEq, Value: subjectType},
		{Field: "subjectId", Op: store.OpEq, Value: subjectID},
		{Field: "resourceType", Op: store.OpEq, Value: resourceType},
		{Field: "resourceName", Op: store.OpEq, Value: resourceName},
	}
	ops := make([]any, len(operations))
	for i, o := range operations {
		ops[i] = o
	}

	existing, found, err := acl.FindOne(ctx, filters)
	if err != nil {
		return nil, err
	}
	var doc store.Doc
	if found {
		id, _ := existing["id"].(string)
		doc, err = acl.Update(ctx, id, store.Doc{"operations": ops})
	} else {
		doc, err = acl.Insert(ctx, store.Doc{
			"subjectType": subjectType, "subjectId": subjectID,
			"resourceType": resourceType, "resourceName": resourceName,
			"operations": ops,
		})
	}
	if err != nil {
		return nil, err
	}
	m.invalidate()
	e := toAclEntry(doc)
	return &e, nil
}

// Revoke deletes the ACL entry for (subjectType, subjectId, resourceType,
// resourceName), if any.
func (m *Manager) Revoke(ctx context.Context, subjectType, subjectID, resourceType, resourceName string) error {
	acl, err := m.aclBucket()
	if err != nil {
		return err
	}
	doc, found, err := acl.FindOne(ctx, []store.Filter{
		{Field: "subjectType", Op: store.OpEq, Value: subjectType},
		{Field: "subjectId", Op: store.OpEq, Value: subjectID},
		{Field: "resourceType", Op: store.OpEq, Value: resourceType},
		{Field: "resourceName", Op: store.OpEq, Value: resourceName},
	})
	if err != nil {
		return err
	}
	if !found {
		return gatewayerr.NotFoundErr("ACL entry")
	}
	id, _ := doc["id"].(string)
	if _, err := acl.Delete(ctx, id); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

// GetAcl lists every ACL entry naming the given resource.
func (m *Manager) GetAcl(ctx context.Context, resourceType, resourceName string) ([]AclEntry, error) {
	acl, err := m.aclBucket()
	if err != nil {
		return nil, err
	}
	rows, err := acl.Where(ctx, []store.Filter{
		{Field: "resourceType", Op: store.OpEq, Value: resourceType},
		{Field: "resourceName", Op: store.OpEq, Value: resourceName},
	})
	if err != nil {
		return nil, err
	}
	out := make([]AclEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, toAclEntry(r))
	}
	return out, nil
}

// GetOwner returns the userId that owns (resourceType, resourceName), or
// "" if the resource has no recorded owner.
func (m *Manager) GetOwner(ctx context.Context, resourceType, resourceName string) (string, error) {
	owners, err := m.ownersBucket()
	if err != nil {
		return "", err
	}
	doc, found, err := owners.FindOne(ctx, []store.Filter{
		{Field: "resourceType", Op: store.OpEq, Value: resourceType},
		{Field: "resourceName", Op: store.OpEq, Value: resourceName},
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	userID, _ := doc["userId"].(string)
	return userID, nil
}

// TransferOwner sets (resourceType, resourceName)'s owner to userID,
// creating the ownership row if none exists yet.
func (m *Manager) TransferOwner(ctx context.Context, resourceType, resourceName, userID string) error {
	owners, err := m.ownersBucket()
	if err != nil {
		return err
	}
	doc, found, err := owners.FindOne(ctx, []store.Filter{
		{Field: "resourceType", Op: store.OpEq, Value: resourceType},
		{Field: "resourceName", Op: store.OpEq, Value: resourceName},
	})
	if err != nil {
		return err
	}
	if found {
		id, _ := doc["id"].(string)
		_, err = owners.Update(ctx, id, store.Doc{"userId": userID})
	} else {
		_, err = owners.Insert(ctx, store.Doc{"resourceType": resourceType, "resourceName": resourceName, "userId": userID})
	}
	if err != nil {
		return err
	}
	m.invalidate()
	return nil
}

// Authorize implements the built-in ACL/owner check (spec §4.6 step 6):
// allow if the caller is the superadmin, the owner of the resource, or has
// an ACL entry — directly or through one of their roles — granting perm.
func (m *Manager) Authorize(ctx context.Context, session *registry.Session, perm, resourceType, resourceName string) (bool, error) {
	if session == nil {
		return false, nil
	}
	if session.UserID == SuperadminID {
		return true, nil
	}
	if owner, err := m.GetOwner(ctx, resourceType, resourceName); err != nil {
		return false, err
	} else if owner != "" && owner == session.UserID {
		return true, nil
	}

	acl, err := m.aclBucket()
	if err != nil {
		return false, err
	}
	rows, err := acl.Where(ctx, []store.Filter{
		{Field: "resourceType", Op: store.OpEq, Value: resourceType},
		{Field: "resourceName", Op: store.OpEq, Value: resourceName},
	})
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		subjType, _ := row["subjectType"].(string)
		subjID, _ := row["subjectId"].(string)
		match := subjType == "user" && subjID == session.UserID
		if !match && subjType == "role" {
			for _, r := range session.Roles {
				if r == subjID {
					match = true
					break
				}
			}
		}
		if !match {
			continue
		}
		if raw, ok := row["operations"].([]any); ok {
			for _, o := range raw {
				if s, ok := o.(string); ok && s == perm {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// DropResource deletes every ACL and ownership row referencing
// (resourceType, resourceName). Called when a store bucket is dropped
// (spec §4.6: ACL/ownership rows must not outlive the resource they guard).
func (m *Manager) DropResource(ctx context.Context, resourceType, resourceName string) error {
	acl, err := m.aclBucket()
	if err != nil {
		return err
	}
	rows, err := acl.Where(ctx, []store.Filter{
		{Field: "resourceType", Op: store.OpEq, Value: resourceType},
		{Field: "resourceName", Op: store.OpEq, Value: resourceName},
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

	owners, err := m.ownersBucket()
	if err != nil {
		return err
	}
	ownerRows, err := owners.Where(ctx, []store.Filter{
		{Field: "resourceType", Op: store.OpEq, Value: resourceType},
		{Field: "resourceName", Op: store.OpEq, Value: resourceName},
	})
	if err != nil {
		return err
	}
	for _, row := range ownerRows {
		id, _ := row["id"].(string)
		if _, err := owners.Delete(ctx, id); err != nil {
			return err
		}
	}
	m.invalidate()
	return nil
}
