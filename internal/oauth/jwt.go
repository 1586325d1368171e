package oauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryFromJWT extracts the exp claim from an access token that happens
// to be a JWT. The signature is deliberately not verified: the token came
// straight from the provider's token endpoint over TLS and the claim is
// only used as an expiry hint, never for trust decisions. Returns nil for
// opaque tokens and tokens without a usable exp claim.
func expiryFromJWT(accessToken string) *time.Time {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return nil
	}

	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return nil
	}

	expiry := expiresAt.Time
	return &expiry
}
