package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/oauth2-credentials/internal/credential"
)

// JWTClaims are the registered claims of an access token, for display only
type JWTClaims struct {
	Subject   string     `json:"sub,omitempty"`
	Issuer    string     `json:"iss,omitempty"`
	Audience  []string   `json:"aud,omitempty"`
	IssuedAt  *time.Time `json:"iat,omitempty"`
	ExpiresAt *time.Time `json:"exp,omitempty"`
}

// InspectJWT extracts the registered claims of a JWT access token.
// Note: the signature is NOT verified; never use the result for
// authorization decisions.
func InspectJWT(raw string) (*JWTClaims, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, credential.Wrap(credential.KindParseError, err, "access token is not a JWT")
	}

	out := &JWTClaims{
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Audience: claims.Audience,
	}
	if claims.IssuedAt != nil {
		t := claims.IssuedAt.Time
		out.IssuedAt = &t
	}
	if claims.ExpiresAt != nil {
		t := claims.ExpiresAt.Time
		out.ExpiresAt = &t
	}
	return out, nil
}
