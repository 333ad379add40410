package auth

// StatusResponse is the structured authentication state across all
// configured providers. This is the canonical type behind
// `authbroker status --output json`.
type StatusResponse struct {
	Providers []ProviderStatus `json:"providers"`
}

// ProviderStatus describes the authentication state for one provider.
type ProviderStatus struct {
	// ID is the configured provider id
	ID string `json:"id"`

	// Label is the human-readable provider name
	Label string `json:"label"`

	// Authenticated is true when at least one session exists
	Authenticated bool `json:"authenticated"`

	// Sessions lists the provider's active sessions
	Sessions []SessionStatus `json:"sessions,omitempty"`
}

// SessionStatus describes one active session. Token values never appear
// here; sessions are identified by their derived id only.
type SessionStatus struct {
	// SessionID is the stable identifier derived from the access token
	SessionID string `json:"session_id"`

	// Account identifies the authenticated account
	Account string `json:"account"`

	// AccountLabel is the human-readable account name
	AccountLabel string `json:"account_label"`

	// Scopes are the scopes granted to the session
	Scopes []string `json:"scopes,omitempty"`
}
