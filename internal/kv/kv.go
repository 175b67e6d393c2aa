// Package kv models the shared key-value medium that all daybook execution
// contexts persist through.
//
// The main types are:
//   - [Store]: interface for key-value operations with change notification
//   - [Memory]: in-memory implementation with quota and fault hooks for tests
//   - [File]: production implementation, one file per key with atomic writes
//   - [SQLite]: production implementation over a single shared database file
//
// The medium offers no compare-and-swap and no transactions. Every
// read-decide-write sequence built on top of it is a check-then-act race
// between contexts; callers that need mutual exclusion over such a sequence
// should check for the optional [Locker] capability and otherwise treat
// their coordination as best-effort.
package kv

import "errors"

// Sentinel errors returned by store operations.
//
// Callers should use [errors.Is] to check error types.
var (
	// ErrQuotaExceeded indicates the medium rejected a write due to capacity.
	ErrQuotaExceeded = errors.New("kv: quota exceeded")

	// ErrClosed indicates the store has already been closed.
	ErrClosed = errors.New("kv: closed")
)

// Event describes a change to a single key.
// Value is nil when the key was removed.
type Event struct {
	Key   string
	Value []byte
}

// Store defines the key-value operations shared by all backends.
//
// Get returns (nil, false, nil) for an absent key; absence is not an error.
// Set and Remove are synchronous; Set may fail with [ErrQuotaExceeded].
// Subscribe registers a change listener and returns a cancel function.
// Notification delivery is an optimization, not a correctness mechanism:
// backends only guarantee delivery to subscribers in the same process.
type Store interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Remove(key string) error
	Subscribe(fn func(Event)) (cancel func())
}

// Locker is an optional capability: a store that can wrap a function in an
// exclusive critical section scoped to one key. Backends backed by a medium
// with a native mutual-exclusion primitive (flock for [File]) implement it;
// callers discover it with a type assertion and fall back to best-effort
// coordination when it is absent.
type Locker interface {
	WithLock(key string, fn func() error) error
}
