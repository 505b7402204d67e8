// Package store persists connection sessions. The gateway runs a single
// process, so the only implementation is the in-memory one; the error
// contract stays store-level so callers never inspect map semantics.
package store

import "errors"

// ErrNotFound is returned by Find methods when no session exists for the
// given id.
var ErrNotFound = errors.New("session not found")
