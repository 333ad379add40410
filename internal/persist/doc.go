// Package persist provides the persistence collaborators consumed by the
// token store: an in-memory sink for tests and embedding hosts, and a
// file-backed sink that watches its file for external writes so that token
// changes made by another process surface as replacement snapshots.
package persist
