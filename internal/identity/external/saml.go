package external

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/crewjam/saml"

	"github.com/fabricgate/corehub/internal/registry"
)

// SAMLValidator validates base64-encoded SAML Response XML against a
// configured service provider, grounded on the teacher's
// internal/auth/saml.go (crewjam/saml-backed SSO), narrowed from the
// teacher's full ACS-handler-plus-cookie-session flow down to the
// gateway's single Validator seam: the "token" a client presents to
// auth.login is the base64 SAMLResponse value it already received from
// its IdP redirect, and Validate returns the session built from the
// assertion's NameID and group attribute.
type SAMLValidator struct {
	sp          *saml.ServiceProvider
	groupsAttr  string
}

// NewSAMLValidator wraps an already-configured ServiceProvider. groupsAttr
// names the assertion attribute holding the caller's role/group list
// (e.g. "http://schemas.xmlsoap.org/claims/Group").
func NewSAMLValidator(sp *saml.ServiceProvider, groupsAttr string) *SAMLValidator {
	return &SAMLValidator{sp: sp, groupsAttr: groupsAttr}
}

func (v *SAMLValidator) Validate(ctx context.Context, token string) (*registry.Session, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, nil
	}
	assertion, err := v.sp.ParseXMLResponse(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("parse saml assertion: %w", err)
	}
	if assertion.Subject == nil || assertion.Subject.NameID == nil || assertion.Subject.NameID.Value == "" {
		return nil, nil
	}

	var roles []string
	var expiresAt *int64
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			if attr.Name != v.groupsAttr {
				continue
			}
			for _, val := range attr.Values {
				roles = append(roles, val.Value)
			}
		}
	}
	for _, stmt := range assertion.AuthnStatements {
		if stmt.SessionNotOnOrAfter != nil {
			expiresAt = expiresAtMillis(*stmt.SessionNotOnOrAfter)
		}
	}

	return &registry.Session{
		UserID:    assertion.Subject.NameID.Value,
		Roles:     roles,
		ExpiresAt: expiresAt,
		Token:     token,
	}, nil
}
