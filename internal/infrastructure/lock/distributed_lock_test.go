package lock

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributedLock_TryLock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewDistributedLock(db, WalletKey(7), "req-1", 30*time.Second)

	mock.ExpectSetNX("wallet:lock:user:7", "req-1", 30*time.Second).SetVal(true)
	ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectSetNX("wallet:lock:user:7", "req-1", 30*time.Second).SetVal(false)
	ok, err = l.TryLock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDistributedLock_LockGivesUp(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewDistributedLock(db, WalletKey(7), "req-1", time.Second)

	for i := 0; i < 3; i++ {
		mock.ExpectSetNX("wallet:lock:user:7", "req-1", time.Second).SetVal(false)
	}

	err := l.Lock(context.Background(), time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrLockFailed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	a := locker.NewMutex(WalletKey(1), "a", time.Minute)
	b := locker.NewMutex(WalletKey(1), "b", time.Minute)
	other := locker.NewMutex(WalletKey(2), "c", time.Minute)

	ok, _ := a.TryLock(ctx)
	assert.True(t, ok)
	ok, _ = b.TryLock(ctx)
	assert.False(t, ok)
	ok, _ = other.TryLock(ctx)
	assert.True(t, ok)

	// only the holder can release
	require.NoError(t, b.Unlock(ctx))
	ok, _ = b.TryLock(ctx)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx))
	ok, _ = b.TryLock(ctx)
	assert.True(t, ok)
}

func TestLocalLocker_Expires(t *testing.T) {
	locker := NewLocalLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	a := locker.NewMutex("k", "a", time.Second)
	b := locker.NewMutex("k", "b", time.Second)

	ok, _ := a.TryLock(ctx)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = b.TryLock(ctx)
	assert.True(t, ok)
}
