package oauth

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

// unsignedJWT builds a JWT-shaped token with the given claims and an empty
// signature. Tokens like this are for claim-decoding tests only.
func unsignedJWT(t *testing.T, claims map[string]interface{}) string {
	t.Helper()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("Failed to marshal claims: %v", err)
	}

	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func TestDecodeClaims(t *testing.T) {
	raw := unsignedJWT(t, map[string]interface{}{
		"sub":   "user-1",
		"email": "user@example.com",
	})

	claims, err := DecodeClaims(raw)
	if err != nil {
		t.Fatalf("DecodeClaims failed: %v", err)
	}

	if claims["sub"] != "user-1" {
		t.Errorf("Expected sub %q, got %v", "user-1", claims["sub"])
	}
	if claims["email"] != "user@example.com" {
		t.Errorf("Expected email claim, got %v", claims["email"])
	}
}

func TestDecodeClaims_Opaque(t *testing.T) {
	if _, err := DecodeClaims("not-a-jwt"); err == nil {
		t.Error("Expected error for opaque token")
	}
}

func TestAccountFromToken_IDTokenPreferred(t *testing.T) {
	token := Token{
		AccessToken: unsignedJWT(t, map[string]interface{}{"sub": "from-access"}),
		IDToken: unsignedJWT(t, map[string]interface{}{
			"sub":                "from-id",
			"preferred_username": "alice",
		}),
	}

	account := AccountFromToken(token)
	if account.ID != "from-id" {
		t.Errorf("Expected account ID from ID token, got %q", account.ID)
	}
	if account.Label != "alice" {
		t.Errorf("Expected preferred_username label, got %q", account.Label)
	}
}

func TestAccountFromToken_AccessTokenFallback(t *testing.T) {
	token := Token{
		AccessToken: unsignedJWT(t, map[string]interface{}{
			"sub":  "jwt-user",
			"name": "JWT User",
		}),
	}

	account := AccountFromToken(token)
	if account.ID != "jwt-user" {
		t.Errorf("Expected account ID from access token, got %q", account.ID)
	}
	if account.Label != "JWT User" {
		t.Errorf("Expected name label, got %q", account.Label)
	}
}

func TestAccountFromToken_Sentinel(t *testing.T) {
	token := Token{AccessToken: "opaque-token"}

	account := AccountFromToken(token)
	if account.ID != UnknownAccountID {
		t.Errorf("Expected sentinel ID %q, got %q", UnknownAccountID, account.ID)
	}
	if account.Label != UnknownAccountLabel {
		t.Errorf("Expected sentinel label %q, got %q", UnknownAccountLabel, account.Label)
	}
}

func TestSessionFromToken(t *testing.T) {
	token := Token{
		AccessToken: "opaque-access",
		IDToken:     unsignedJWT(t, map[string]interface{}{"sub": "u1", "email": "u1@example.com"}),
		Scope:       "read write",
	}

	session := SessionFromToken(token)
	if session.ID != SessionID("opaque-access") {
		t.Error("Expected session ID derived from access token")
	}
	if session.AccessToken != "opaque-access" {
		t.Errorf("Unexpected access token: %q", session.AccessToken)
	}
	if len(session.Scopes) != 2 || session.Scopes[0] != "read" || session.Scopes[1] != "write" {
		t.Errorf("Unexpected scopes: %v", session.Scopes)
	}
	if session.Account.ID != "u1" {
		t.Errorf("Unexpected account: %+v", session.Account)
	}
	if session.Account.Label != "u1@example.com" {
		t.Errorf("Expected email label, got %q", session.Account.Label)
	}
}
