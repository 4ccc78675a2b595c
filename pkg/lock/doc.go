// Package lock implements a cluster-wide advisory mutex on top of the
// document store.
//
// A lock is a named document holding the current owner and an append-only
// audit log. Claims and releases are compare-and-swap writes against the
// document's etag, so two processes racing for the same name cannot both
// win. Locks are created lazily on first use and never removed.
package lock
