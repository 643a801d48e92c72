package external

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fabricgate/corehub/internal/registry"
)

// claims is the gateway's expected JWT claim shape for the bearer adapter:
// userId/roles/exp, generalized from the teacher's internal/auth/jwt.go
// Claims struct (UserID/Role/Groups over RegisteredClaims) to the spec's
// session{userId, roles[]} shape.
type claims struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTValidator validates HMAC-signed bearer tokens, the external-validator
// analogue of the teacher's JWTManager.ValidateToken.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator builds a validator for HS256 tokens signed with secret.
// issuer, if non-empty, must match the token's iss claim.
func NewJWTValidator(secret []byte, issuer string) *JWTValidator {
	return &JWTValidator{secret: secret, issuer: issuer}
}

func (v *JWTValidator) Validate(ctx context.Context, token string) (*registry.Session, error) {
	opts := []jwt.ParserOption{}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, nil
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.UserID == "" {
		return nil, nil
	}
	var expiresAt *int64
	if c.ExpiresAt != nil {
		expiresAt = expiresAtMillis(c.ExpiresAt.Time)
	}
	return &registry.Session{UserID: c.UserID, Roles: c.Roles, ExpiresAt: expiresAt, Token: token}, nil
}
