package oauth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Fallback account identity used when no claims can be extracted from
// either the ID token or the access token.
const (
	UnknownAccountID    = "unknown"
	UnknownAccountLabel = "Account"
)

// DecodeClaims decodes the claims of a JWT-shaped token without verifying
// its signature. The result is display-only identity information and must
// never be used for authorization decisions.
func DecodeClaims(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to decode token claims: %w", err)
	}
	return claims, nil
}

// AccountFromToken derives the display account for a token. The ID token
// claims are preferred; if the ID token is absent or opaque, the access
// token is tried (some servers issue JWT access tokens); failing both, a
// sentinel account is returned.
func AccountFromToken(t Token) Account {
	if t.IDToken != "" {
		if claims, err := DecodeClaims(t.IDToken); err == nil {
			if account, ok := accountFromClaims(claims); ok {
				return account
			}
		}
	}

	if claims, err := DecodeClaims(t.AccessToken); err == nil {
		if account, ok := accountFromClaims(claims); ok {
			return account
		}
	}

	return Account{ID: UnknownAccountID, Label: UnknownAccountLabel}
}

// accountFromClaims builds an Account from decoded claims. The label
// preference order follows common OIDC practice: preferred_username, then
// name, then email, then the subject itself.
func accountFromClaims(claims jwt.MapClaims) (Account, bool) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Account{}, false
	}

	label := sub
	for _, claim := range []string{"preferred_username", "name", "email"} {
		if v, ok := claims[claim].(string); ok && v != "" {
			label = v
			break
		}
	}

	return Account{ID: sub, Label: label}, true
}

// SessionFromToken derives the read-only session projection of a token.
func SessionFromToken(t Token) Session {
	return Session{
		ID:          SessionID(t.AccessToken),
		AccessToken: t.AccessToken,
		IDToken:     t.IDToken,
		Scopes:      t.Scopes(),
		Account:     AccountFromToken(t),
	}
}
