// Package auth provides the shared authentication status types emitted by
// the CLI's machine-readable output.
package auth
