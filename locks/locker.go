package locks

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Locker creates advisory locks for one application namespace.
//
// It holds no per-lock state: every call to Lock returns an independent
// AdvisoryLock, and a Locker is safe for concurrent use.
type Locker struct {
	namespace string
	driver    Driver
	logger    *zap.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithLogger sets the logger handed to every lock. The default discards.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocker creates a Locker that scopes lock names to namespace and backs
// them with driver.
func NewLocker(namespace string, driver Driver, opts ...Option) *Locker {
	l := &Locker{
		namespace: namespace,
		driver:    driver,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Namespace returns the namespace lock names are scoped to.
func (l *Locker) Namespace() string {
	return l.namespace
}

// Key returns the integer key for name in this namespace.
func (l *Locker) Key(name string) Key {
	return DeriveKey(l.namespace, name)
}

// Lock returns a new, idle lock for name.
func (l *Locker) Lock(name string, mode Mode) (*AdvisoryLock, error) {
	backend, err := l.driver.NewBackend(mode)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend for lock %s: %w", l.driver.Name(), name, err)
	}

	fullName := LockName(l.namespace, name)
	key := DeriveKey(l.namespace, name)
	logger := l.logger.With(
		zap.String("lock", fullName),
		zap.Uint32("key", uint32(key)),
		zap.String("mode", mode.String()),
		zap.String("driver", l.driver.Name()))

	return newAdvisoryLock(fullName, key, mode, backend, logger), nil
}

// WithLock runs fn while holding the lock for name. It returns an error
// wrapping ErrLockAcquireFailure if the lock is held elsewhere.
func (l *Locker) WithLock(ctx context.Context, name string, mode Mode, fn func(ctx context.Context) error) error {
	lock, err := l.Lock(name, mode)
	if err != nil {
		return err
	}
	return lock.Do(ctx, fn)
}
