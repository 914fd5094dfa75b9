// Package locks provides distributed mutual exclusion on top of the advisory
// locks of a relational database.
//
// A Locker turns a lock name into an AdvisoryLock. Each AdvisoryLock owns a
// Backend, the driver specific resource handle that pins one pooled
// connection (and, in transaction mode, one open transaction) for as long as
// the lock is held. Mutual exclusion between locks, in this process or any
// other, is decided by the database.
package locks

import (
	"context"
	"errors"
)

var (
	// ErrLockAcquireFailure is returned by scoped acquisition when the lock
	// is held by someone else. It signals contention, not a fault.
	ErrLockAcquireFailure = errors.New("lock acquire failure")

	// ErrUnsupportedMode is returned when a driver or dialect cannot provide
	// the requested lock mode.
	ErrUnsupportedMode = errors.New("unsupported lock mode")

	// ErrInvalidMode is returned by ParseMode for unknown mode names.
	ErrInvalidMode = errors.New("invalid lock mode")
)

// Backend defines the driver specific primitives an AdvisoryLock is built on.
// A Backend is owned by exactly one AdvisoryLock and is never used
// concurrently.
type Backend interface {
	// AcquireResources checks out one connection from the pool and, for
	// transaction mode, begins a transaction on it.
	AcquireResources(ctx context.Context) error

	// ReleaseResources ends the transaction (if any) and returns the
	// connection to the pool. It must be a no-op when nothing is held and
	// must leave the backend empty even when it returns an error.
	ReleaseResources(ctx context.Context) error

	// RunAcquireQuery issues the mode's try-lock query for key on the held
	// connection and reports whether the database granted the lock.
	RunAcquireQuery(ctx context.Context, key Key) (bool, error)

	// RunReleaseQuery issues the mode's release query for key on the held
	// connection.
	RunReleaseQuery(ctx context.Context, key Key) (bool, error)
}

// Driver creates backends bound to one shared connection pool.
type Driver interface {
	// Name identifies the driver in logs and metrics.
	Name() string

	// NewBackend returns a fresh, empty Backend for mode. It returns
	// ErrUnsupportedMode if the database cannot provide mode.
	NewBackend(mode Mode) (Backend, error)
}
