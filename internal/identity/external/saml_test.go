package external

import (
	"context"
	"testing"

	"github.com/crewjam/saml"
	"github.com/stretchr/testify/assert"
)

func TestSAMLValidatorRejectsNonBase64Token(t *testing.T) {
	v := NewSAMLValidator(&saml.ServiceProvider{}, "group")
	session, err := v.Validate(context.Background(), "not-valid-base64!!!")
	assert.NoError(t, err)
	assert.Nil(t, session)
}

func TestSAMLValidatorRejectsUnparsableAssertion(t *testing.T) {
	v := NewSAMLValidator(&saml.ServiceProvider{}, "group")
	// Valid base64, but not a SAML response the service provider can parse.
	session, err := v.Validate(context.Background(), "aGVsbG8gd29ybGQ=")
	assert.Error(t, err)
	assert.Nil(t, session)
}
