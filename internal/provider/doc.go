// Package provider implements the dynamic OAuth flow engine: one instance
// per authorization server, owning that server's metadata, client identity,
// and token store.
//
// An engine is constructed against immutable server metadata. If no client
// id is supplied and the server advertises a registration endpoint, the
// engine registers itself dynamically (RFC 7591). Sessions are created by
// driving the Authorization Code + PKCE flow through two collaborators: a
// URLOpener that hands the authorization URL to the user's browser, and a
// CallbackAwaiter that resolves with the raw redirect query once the user
// has authorized. Tokens nearing expiry are renewed ahead of time during
// session reads when a refresh token is available.
//
// The package ships default collaborators: SystemBrowser opens URLs with the
// platform's opener, and Loopback runs a temporary local HTTP server that
// receives the redirect.
package provider
