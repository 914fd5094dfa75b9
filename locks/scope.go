package locks

import (
	"context"
	"errors"
	"fmt"
)

// Scoped acquires lock, runs fn, and releases the lock on every exit path,
// including a panic in fn.
//
// If the lock is contended Scoped returns an error wrapping
// ErrLockAcquireFailure and fn does not run. The boolean result of the final
// release is ignored, but a release error is joined to fn's error so that a
// connection fault is never silently dropped.
func Scoped(ctx context.Context, lock Lock, fn func(ctx context.Context) error) (err error) {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockAcquireFailure, lockLabel(lock))
	}

	defer func() {
		if _, relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()

	return fn(ctx)
}

func lockLabel(lock Lock) string {
	if named, ok := lock.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", lock)
}
