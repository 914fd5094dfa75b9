package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ebogdum/advlock/metrics"
)

// Lock is the uniform interface of a try-lock.
type Lock interface {
	// Acquire tries to take the lock without waiting. It returns false if
	// the lock is held elsewhere.
	Acquire(ctx context.Context) (bool, error)

	// Release gives the lock up. It returns false, and does nothing, if the
	// lock is not held.
	Release(ctx context.Context) (bool, error)
}

// AdvisoryLock is a database advisory lock for one key.
//
// An AdvisoryLock is either idle, holding nothing, or held, pinning one
// pooled connection from a successful Acquire until the matching Release.
// Its mutex only serializes calls on this instance; two instances for the
// same name race in the database, which grants the key to exactly one.
type AdvisoryLock struct {
	name    string
	key     Key
	mode    Mode
	backend Backend
	logger  *zap.Logger

	mu   sync.Mutex
	held bool
}

var _ Lock = (*AdvisoryLock)(nil)

func newAdvisoryLock(name string, key Key, mode Mode, backend Backend, logger *zap.Logger) *AdvisoryLock {
	return &AdvisoryLock{
		name:    name,
		key:     key,
		mode:    mode,
		backend: backend,
		logger:  logger,
	}
}

// Name returns the namespaced lock name.
func (l *AdvisoryLock) Name() string {
	return l.name
}

// Key returns the integer key the database locks on.
func (l *AdvisoryLock) Key() Key {
	return l.key
}

// Mode returns the lock mode.
func (l *AdvisoryLock) Mode() Mode {
	return l.mode
}

// Held reports whether this instance currently holds the lock.
func (l *AdvisoryLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire checks out a connection and issues the try-lock query on it. When
// the database refuses the lock, or anything fails on the way, the
// connection is handed back before Acquire returns. Calling Acquire on an
// instance that already holds the lock returns true without a query.
func (l *AdvisoryLock) Acquire(ctx context.Context) (acquired bool, err error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		l.logger.Debug("Lock already held by this instance")
		return true, nil
	}

	start := time.Now()
	defer func() {
		l.observe("acquire", start, acquireStatus(acquired, err))
	}()

	// Teardown also covers a partially acquired handle and panics.
	defer func() {
		if acquired {
			return
		}
		if relErr := l.backend.ReleaseResources(context.WithoutCancel(ctx)); relErr != nil {
			l.logger.Warn("Failed to release lock resources", zap.Error(relErr))
			err = errors.Join(err, fmt.Errorf("failed to release resources for lock %s: %w", l.name, relErr))
		}
	}()

	l.logger.Debug("Try acquire lock")

	if err := l.backend.AcquireResources(ctx); err != nil {
		return false, fmt.Errorf("failed to acquire resources for lock %s: %w", l.name, err)
	}

	ok, err := l.backend.RunAcquireQuery(ctx, l.key)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.name, err)
	}

	l.logger.Debug("Acquire lock result", zap.Bool("acquired", ok))
	if !ok {
		return false, nil
	}

	l.held = true
	metrics.HeldLocks.Inc()
	return true, nil
}

// Release issues the release query and then returns the connection to the
// pool whatever the query reported. It returns false without touching the
// database when the lock is not held.
func (l *AdvisoryLock) Release(ctx context.Context) (released bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		l.logger.Debug("Release requested for a lock that is not held")
		metrics.LockOperationsTotal.WithLabelValues("release", l.mode.String(), metrics.StatusNotHeld).Inc()
		return false, nil
	}

	start := time.Now()
	defer func() {
		l.observe("release", start, releaseStatus(released, err))
	}()

	defer func() {
		l.held = false
		metrics.HeldLocks.Dec()
		if relErr := l.backend.ReleaseResources(context.WithoutCancel(ctx)); relErr != nil {
			l.logger.Warn("Failed to release lock resources", zap.Error(relErr))
			err = errors.Join(err, fmt.Errorf("failed to release resources for lock %s: %w", l.name, relErr))
		}
	}()

	l.logger.Debug("Try release lock")

	ok, err := l.backend.RunReleaseQuery(ctx, l.key)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}

	l.logger.Debug("Lock was released", zap.Bool("released", ok))
	return ok, nil
}

// Do runs fn while holding the lock. See Scoped.
func (l *AdvisoryLock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return Scoped(ctx, l, fn)
}

func (l *AdvisoryLock) observe(operation string, start time.Time, status string) {
	metrics.LockOperationsTotal.WithLabelValues(operation, l.mode.String(), status).Inc()
	metrics.LockOperationDuration.WithLabelValues(operation, l.mode.String()).Observe(time.Since(start).Seconds())
}

func acquireStatus(acquired bool, err error) string {
	switch {
	case err != nil:
		return metrics.StatusError
	case acquired:
		return metrics.StatusAcquired
	default:
		return metrics.StatusContended
	}
}

func releaseStatus(released bool, err error) string {
	switch {
	case err != nil:
		return metrics.StatusError
	case released:
		return metrics.StatusReleased
	default:
		return metrics.StatusNotHeld
	}
}
