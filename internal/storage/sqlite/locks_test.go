package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/logging"
)

func newLockStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	s, err := Open(":memory:",
		WithLogger(logging.Nop()),
		WithClock(func() time.Time { return *now }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestAcquireLockExclusive(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newLockStore(t, &now)
	ctx := context.Background()
	exp := now.Add(time.Minute)

	first, err := s.AcquireLock(ctx, "l-1", "task", "t-1", "worker-a", &exp)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "worker-a", first.HolderID)

	// Same tuple, different holder: refused without error.
	second, err := s.AcquireLock(ctx, "l-2", "task", "t-1", "worker-b", &exp)
	require.NoError(t, err)
	assert.Nil(t, second)

	// Different tuple is fine.
	other, err := s.AcquireLock(ctx, "l-3", "task", "t-2", "worker-b", &exp)
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestAcquireLockReapsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newLockStore(t, &now)
	ctx := context.Background()
	exp := now.Add(time.Minute)

	_, err := s.AcquireLock(ctx, "l-1", "task", "t-1", "worker-a", &exp)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	l, err := s.AcquireLock(ctx, "l-2", "task", "t-1", "worker-b", nil)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "worker-b", l.HolderID)
	assert.Nil(t, l.ExpiresAt)
}

func TestReleaseLockHolderMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newLockStore(t, &now)
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, "l-1", "task", "t-1", "worker-a", nil)
	require.NoError(t, err)

	ok, err := s.ReleaseLock(ctx, "l-1", "worker-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ReleaseLock(ctx, "l-1", "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReleaseLock(ctx, "l-1", "worker-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetLockAndListings(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newLockStore(t, &now)
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, "l-1", "task", "t-1", "worker-a", nil)
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, "l-2", "project", "p-1", "worker-a", nil)
	require.NoError(t, err)

	l, err := s.GetLock(ctx, "task", "t-1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "l-1", l.ID)

	absent, err := s.GetLock(ctx, "task", "nope")
	require.NoError(t, err)
	assert.Nil(t, absent)

	byID, err := s.LockByID(ctx, "l-2")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "project", byID.ResourceType)

	mine, err := s.LocksByHolder(ctx, "worker-a")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := s.AllLocks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLockListingsSkipExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newLockStore(t, &now)
	ctx := context.Background()
	exp := now.Add(time.Minute)

	_, err := s.AcquireLock(ctx, "l-1", "task", "t-1", "worker-a", &exp)
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, "l-2", "task", "t-2", "worker-a", nil)
	require.NoError(t, err)

	now = now.Add(time.Hour)

	all, err := s.AllLocks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "l-2", all[0].ID)

	gone, err := s.LockByID(ctx, "l-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
