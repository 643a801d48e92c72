package external

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "correct-horse-battery-staple"

func signTestToken(t *testing.T, secret string, c claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTValidatorAcceptsValidSignatureAndClaims(t *testing.T) {
	v := NewJWTValidator([]byte(testSecret), "")
	token := signTestToken(t, testSecret, claims{
		UserID: "user-1",
		Roles:  []string{"admin", "viewer"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	session, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, []string{"admin", "viewer"}, session.Roles)
	assert.Equal(t, token, session.Token)
	require.NotNil(t, session.ExpiresAt)
	assert.False(t, session.Expired(time.Now().UnixMilli()))
}

func TestJWTValidatorRejectsWrongSignature(t *testing.T) {
	v := NewJWTValidator([]byte(testSecret), "")
	token := signTestToken(t, "a-completely-different-secret", claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	session, err := v.Validate(context.Background(), token)
	assert.NoError(t, err)
	assert.Nil(t, session)
}

// TestJWTValidatorRejectsExpiredToken covers the token-expiry rejection path
// (spec §4.5.A, "Token has expired"): a token whose exp has already passed
// never produces a session, so auth.login falls through to the dispatcher's
// rejection regardless of whether it reports "Invalid credentials" or
// "Token has expired".
func TestJWTValidatorRejectsExpiredToken(t *testing.T) {
	v := NewJWTValidator([]byte(testSecret), "")
	token := signTestToken(t, testSecret, claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	session, err := v.Validate(context.Background(), token)
	assert.NoError(t, err)
	assert.Nil(t, session)
}

func TestJWTValidatorRejectsIssuerMismatch(t *testing.T) {
	v := NewJWTValidator([]byte(testSecret), "https://issuer.example")
	token := signTestToken(t, testSecret, claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://someone-else.example",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	session, err := v.Validate(context.Background(), token)
	assert.NoError(t, err)
	assert.Nil(t, session)
}

func TestJWTValidatorRejectsMissingUserID(t *testing.T) {
	v := NewJWTValidator([]byte(testSecret), "")
	token := signTestToken(t, testSecret, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	session, err := v.Validate(context.Background(), token)
	assert.NoError(t, err)
	assert.Nil(t, session)
}

func TestJWTValidatorRejectsMalformedToken(t *testing.T) {
	v := NewJWTValidator([]byte(testSecret), "")
	session, err := v.Validate(context.Background(), "not-a-jwt")
	assert.NoError(t, err)
	assert.Nil(t, session)
}
