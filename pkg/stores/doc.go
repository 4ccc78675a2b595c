// Package stores provides the document persistence layer for reshard.
//
// Plans and advisory locks are stored as JSON documents guarded by etags.
// Every write is conditional on the etag the writer last read, so two
// processes sharing a database cannot silently overwrite each other.
// Backends are SQLite (WAL mode, embedded migrations), PostgreSQL and an
// in-memory store for tests.
package stores
