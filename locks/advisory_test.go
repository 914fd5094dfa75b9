package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend records the primitives called on it.
type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	acquireResult bool
	releaseResult bool

	acquireResourcesErr error
	releaseResourcesErr error
	acquireErr          error
	releaseErr          error
	acquirePanic        bool
	onAcquire           func(ctx context.Context) error

	inflight    atomic.Int32
	overlapped  atomic.Bool
	teardownCtx error
}

func (f *fakeBackend) record(call string) {
	if f.inflight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.inflight.Add(-1)

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) AcquireResources(ctx context.Context) error {
	f.record("acquireResources")
	return f.acquireResourcesErr
}

func (f *fakeBackend) ReleaseResources(ctx context.Context) error {
	f.record("releaseResources")
	f.teardownCtx = ctx.Err()
	return f.releaseResourcesErr
}

func (f *fakeBackend) RunAcquireQuery(ctx context.Context, key Key) (bool, error) {
	f.record("acquire")
	if f.acquirePanic {
		panic("driver bug")
	}
	if f.onAcquire != nil {
		if err := f.onAcquire(ctx); err != nil {
			return false, err
		}
	}
	return f.acquireResult, f.acquireErr
}

func (f *fakeBackend) RunReleaseQuery(ctx context.Context, key Key) (bool, error) {
	f.record("release")
	return f.releaseResult, f.releaseErr
}

// fakeDriver hands out a prepared backend and counts calls.
type fakeDriver struct {
	backend  *fakeBackend
	created  int
	rejected Mode
}

func (d *fakeDriver) Name() string {
	return "fake"
}

func (d *fakeDriver) NewBackend(mode Mode) (Backend, error) {
	if mode == d.rejected {
		return nil, ErrUnsupportedMode
	}
	d.created++
	if d.backend != nil {
		return d.backend, nil
	}
	return &fakeBackend{acquireResult: true, releaseResult: true}, nil
}

func newTestLock(backend *fakeBackend) *AdvisoryLock {
	return newAdvisoryLock("billing.batch-job", DeriveKey("billing", "batch-job"), ModeSession, backend, zap.NewNop())
}

func TestAcquire(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name        string
		backend     *fakeBackend
		expected    bool
		expectedErr error
		calls       []string
	}{
		{
			name:     "granted",
			backend:  &fakeBackend{acquireResult: true},
			expected: true,
			calls:    []string{"acquireResources", "acquire"},
		},
		{
			name:     "contended",
			backend:  &fakeBackend{acquireResult: false},
			expected: false,
			calls:    []string{"acquireResources", "acquire", "releaseResources"},
		},
		{
			name:        "resource error",
			backend:     &fakeBackend{acquireResourcesErr: boom},
			expectedErr: boom,
			calls:       []string{"acquireResources", "releaseResources"},
		},
		{
			name:        "query error",
			backend:     &fakeBackend{acquireErr: boom},
			expectedErr: boom,
			calls:       []string{"acquireResources", "acquire", "releaseResources"},
		},
		{
			name:        "teardown error after contention",
			backend:     &fakeBackend{acquireResult: false, releaseResourcesErr: boom},
			expectedErr: boom,
			calls:       []string{"acquireResources", "acquire", "releaseResources"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lock := newTestLock(tt.backend)

			ok, err := lock.Acquire(context.Background())
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, ok)
			assert.Equal(t, tt.expected, lock.Held())
			assert.Equal(t, tt.calls, tt.backend.Calls())
		})
	}
}

func TestAcquireWhenHeldIssuesNoQuery(t *testing.T) {
	backend := &fakeBackend{acquireResult: true}
	lock := newTestLock(backend)

	for i := 0; i < 3; i++ {
		ok, err := lock.Acquire(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, []string{"acquireResources", "acquire"}, backend.Calls())
}

func TestAcquireCanceledContext(t *testing.T) {
	backend := &fakeBackend{acquireResult: true}
	lock := newTestLock(backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := lock.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
	assert.Empty(t, backend.Calls())
}

func TestAcquireCanceledMidQueryStillTearsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := &fakeBackend{
		acquireResult: true,
		onAcquire: func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		},
	}
	lock := newTestLock(backend)

	ok, err := lock.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
	assert.False(t, lock.Held())
	assert.Equal(t, []string{"acquireResources", "acquire", "releaseResources"}, backend.Calls())
	assert.NoError(t, backend.teardownCtx, "teardown must not inherit the cancellation")
}

func TestAcquirePanicTearsDown(t *testing.T) {
	backend := &fakeBackend{acquirePanic: true}
	lock := newTestLock(backend)

	assert.Panics(t, func() {
		_, _ = lock.Acquire(context.Background())
	})
	assert.False(t, lock.Held())
	assert.Equal(t, []string{"acquireResources", "acquire", "releaseResources"}, backend.Calls())

	// The mutex was released on the way out.
	backend.acquirePanic = false
	backend.acquireResult = true
	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name        string
		backend     *fakeBackend
		expected    bool
		expectedErr error
	}{
		{
			name:     "released",
			backend:  &fakeBackend{acquireResult: true, releaseResult: true},
			expected: true,
		},
		{
			name:     "database reports not held",
			backend:  &fakeBackend{acquireResult: true, releaseResult: false},
			expected: false,
		},
		{
			name:        "query error",
			backend:     &fakeBackend{acquireResult: true, releaseErr: boom},
			expectedErr: boom,
		},
		{
			name:        "teardown error",
			backend:     &fakeBackend{acquireResult: true, releaseResult: true, releaseResourcesErr: boom},
			expected:    true,
			expectedErr: boom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lock := newTestLock(tt.backend)
			ok, err := lock.Acquire(context.Background())
			require.NoError(t, err)
			require.True(t, ok)

			released, err := lock.Release(context.Background())
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, released)
			assert.False(t, lock.Held(), "release always returns to idle")
			assert.Equal(t, []string{"acquireResources", "acquire", "release", "releaseResources"}, tt.backend.Calls())
		})
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	backend := &fakeBackend{acquireResult: false, releaseResult: true}
	lock := newTestLock(backend)

	released, err := lock.Release(context.Background())
	require.NoError(t, err)
	assert.False(t, released)
	assert.Empty(t, backend.Calls())

	// A failed acquire leaves nothing to release either.
	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	released, err = lock.Release(context.Background())
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, []string{"acquireResources", "acquire", "releaseResources"}, backend.Calls())
}

func TestSameInstanceCallsAreSerialized(t *testing.T) {
	backend := &fakeBackend{acquireResult: true, releaseResult: true}
	lock := newTestLock(backend)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = lock.Acquire(context.Background())
			} else {
				_, _ = lock.Release(context.Background())
			}
		}(i)
	}
	wg.Wait()

	assert.False(t, backend.overlapped.Load(), "backend primitives ran concurrently")
}

func TestAccessors(t *testing.T) {
	lock := newTestLock(&fakeBackend{})
	assert.Equal(t, "billing.batch-job", lock.Name())
	assert.Equal(t, Key(34780761), lock.Key())
	assert.Equal(t, ModeSession, lock.Mode())
}
