package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLockOutlivesCheckin(t *testing.T) {
	d := NewDriver(1)
	ctx := context.Background()

	c, err := d.checkout(ctx)
	require.NoError(t, err)
	require.True(t, d.tryLock(c, 7, false))
	d.checkin(c, false)

	// Same physical connection again: it still owns the key.
	c, err = d.checkout(ctx)
	require.NoError(t, err)
	assert.True(t, d.IsLocked(7))
	assert.True(t, d.tryLock(c, 7, false), "a session may take a key it holds again")
	assert.True(t, d.unlock(c, 7))
	assert.True(t, d.unlock(c, 7))
	assert.False(t, d.unlock(c, 7))
	assert.False(t, d.IsLocked(7))
	d.checkin(c, false)
}

func TestTransactionLockEndsWithTransaction(t *testing.T) {
	d := NewDriver(2)
	ctx := context.Background()

	a, err := d.checkout(ctx)
	require.NoError(t, err)
	b, err := d.checkout(ctx)
	require.NoError(t, err)

	a.inTx = true
	require.True(t, d.tryLock(a, 7, true))
	assert.False(t, d.tryLock(b, 7, false))
	assert.False(t, d.tryLock(b, 7, true))
	assert.False(t, d.unlock(a, 7), "transaction locks have no unlock")

	d.endTx(a)
	assert.False(t, d.IsLocked(7))
	assert.True(t, d.tryLock(b, 7, false))

	d.checkin(a, false)
	d.checkin(b, true)
	assert.False(t, d.IsLocked(7), "discarding a connection drops its session locks")
	assert.Equal(t, Stats{CheckedOut: 0, Idle: 2, HeldKeys: 0}, d.Stats())
}
