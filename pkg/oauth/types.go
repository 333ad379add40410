package oauth

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenRefreshThreshold is the duration before token expiry when tokens
// should be proactively refreshed. Tokens entering this window are renewed
// automatically if a refresh token is available.
const TokenRefreshThreshold = 5 * time.Minute

// Token represents an OAuth token set as issued by an authorization server,
// plus local receipt metadata. AccessToken is the identity of a token: a
// store never holds two tokens with the same access token value.
type Token struct {
	// AccessToken is the bearer token used for authorization.
	AccessToken string `json:"access_token"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the OIDC ID token (optional, usually a signed JWT).
	IDToken string `json:"id_token,omitempty"`

	// Scope is the granted scope(s), space-separated. May be empty when the
	// server omits it from the token response.
	Scope string `json:"scope,omitempty"`

	// ExpiresIn is the token lifetime in seconds (from the token response).
	// Zero means the token does not expire.
	ExpiresIn int `json:"expires_in,omitempty"`

	// CreatedAt is when this token was received. It is always stamped
	// locally; a server-supplied absolute time is never trusted.
	CreatedAt time.Time `json:"created_at"`
}

// Scopes returns the granted scope as a slice of individual scopes.
func (t *Token) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// ExpiresAt returns the absolute expiry time, or the zero time if the token
// carries no lifetime.
func (t *Token) ExpiresAt() time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return t.CreatedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// NeedsRefresh reports whether the token is within TokenRefreshThreshold of
// its expiry (or already past it) at the given instant. Tokens without a
// lifetime never need a refresh.
func (t *Token) NeedsRefresh(now time.Time) bool {
	expiresAt := t.ExpiresAt()
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(-TokenRefreshThreshold))
}

// ToOAuth2Token converts the Token to an oauth2.Token for compatibility with
// golang.org/x/oauth2 based clients.
func (t *Token) ToOAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt(),
	}

	if t.IDToken != "" {
		token = token.WithExtra(map[string]interface{}{
			"id_token": t.IDToken,
		})
	}

	return token
}

// Account identifies the user a session belongs to.
type Account struct {
	// ID is the unique user identifier (typically the sub claim).
	ID string `json:"id"`

	// Label is a human-readable account name.
	Label string `json:"label"`
}

// Session is the read-only projection of a Token exposed to consumers.
// Sessions are never stored independently; they are recomputed from the
// authoritative token set whenever it changes.
type Session struct {
	// ID is a stable identifier derived from the access token.
	ID string `json:"id"`

	// AccessToken is the bearer token backing this session.
	AccessToken string `json:"accessToken"`

	// IDToken is the OIDC ID token, if present on the backing token.
	IDToken string `json:"idToken,omitempty"`

	// Scopes are the individual scopes of this session.
	Scopes []string `json:"scopes"`

	// Account identifies the authenticated user.
	Account Account `json:"account"`
}

// SessionID derives the stable session identifier for an access token.
// The token value itself never appears in the identifier.
func SessionID(accessToken string) string {
	hash := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(hash[:16])
}

// ServerMetadata describes the authorization server endpoints an engine
// talks to. It is immutable once an engine has been constructed with it.
type ServerMetadata struct {
	Issuer                string `json:"issuer"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `json:"token_endpoint,omitempty"`
}

// ClientRegistration is the client identity used against one authorization
// server, obtained either via dynamic registration or supplied externally.
type ClientRegistration struct {
	ClientID string `json:"client_id"`
}

// authorizationCodePattern matches the code parameter in a raw callback
// query string. The code is extracted from the still-percent-encoded query
// because authorization codes may contain characters that a form decoder
// would unescape incorrectly.
var authorizationCodePattern = regexp.MustCompile(`(?:^|[?&])code=([^&]+)`)

// ExtractAuthorizationCode extracts the authorization code from a raw
// (percent-encoded) callback query string. Returns the code in its original
// encoded form and whether one was present.
func ExtractAuthorizationCode(rawQuery string) (string, bool) {
	m := authorizationCodePattern.FindStringSubmatch(rawQuery)
	if m == nil {
		return "", false
	}
	return m[1], true
}
