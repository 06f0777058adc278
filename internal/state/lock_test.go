package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/featurepipe/internal/errors"
)

func TestAcquireLockExclusive(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(context.Background(), dir, 0)
	require.NoError(t, err)
	assert.Equal(t, LockPath(dir), first.Path())

	_, err = AcquireLock(context.Background(), dir, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStateLocked)

	_, err = AcquireLock(context.Background(), dir, 250*time.Millisecond)
	require.ErrorIs(t, err, errors.ErrStateLocked)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := AcquireLock(context.Background(), dir, time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquireLockWaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	held, err := AcquireLock(context.Background(), dir, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = held.Release()
	}()

	l, err := AcquireLock(context.Background(), dir, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestNilLockRelease(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
