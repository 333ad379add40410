// Package oauth provides the shared OAuth 2.1 protocol types and utilities
// used by the authbroker provider engine and registry.
//
// This package contains the protocol-level building blocks that have no
// storage or orchestration concerns of their own:
//
//   - Token: an issued authorization token with local receipt metadata
//   - Session: the read-only projection of a token shown to consumers
//   - ServerMetadata: authorization server endpoints (RFC 8414 subset)
//   - ClientRegistration: a client identity bound to one server
//   - PKCE: Proof Key for Code Exchange generation (RFC 7636)
//   - Claims: best-effort identity extraction from JWT-shaped tokens
//
// Higher layers (internal/provider, internal/token, internal/registry) wrap
// these types with persistence, flow orchestration, and event fan-out.
package oauth
