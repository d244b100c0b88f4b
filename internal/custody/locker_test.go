package custody

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLocker() (*Locker, time.Time) {
	l := NewLocker(zap.NewNop().Sugar())
	now := time.Unix(1_700_000_000, 0)
	l.SetNowFunc(func() time.Time { return now })
	return l, now
}

func TestLockAndGet(t *testing.T) {
	l, now := newTestLocker()
	unlockAt := now.Add(180 * 24 * time.Hour)

	id, err := l.Lock(context.Background(), "alice", "pool-share", big.NewInt(500), unlockAt, "flowbridge:abc")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	lock, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", lock.Owner)
	assert.Equal(t, "pool-share", lock.ShareAsset)
	assert.Equal(t, big.NewInt(500), lock.Amount)
	assert.True(t, lock.UnlockAt.Equal(unlockAt))
	assert.Equal(t, "flowbridge:abc", lock.Label)
	assert.True(t, lock.CreatedAt.Equal(now))
}

func TestLockValidation(t *testing.T) {
	l, now := newTestLocker()

	_, err := l.Lock(context.Background(), "alice", "pool-share", big.NewInt(0), now.Add(time.Hour), "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Lock(context.Background(), "alice", "pool-share", big.NewInt(1), now.Add(-time.Hour), "")
	assert.ErrorIs(t, err, ErrPastUnlockTime)

	_, err = l.Lock(context.Background(), "alice", "pool-share", big.NewInt(1), now, "")
	assert.ErrorIs(t, err, ErrPastUnlockTime)
}

func TestGetUnknownLock(t *testing.T) {
	l, _ := newTestLocker()
	_, err := l.Get("nope")
	assert.ErrorIs(t, err, ErrLockNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	l, now := newTestLocker()
	id, err := l.Lock(context.Background(), "alice", "pool-share", big.NewInt(500), now.Add(time.Hour), "")
	require.NoError(t, err)

	lock, err := l.Get(id)
	require.NoError(t, err)
	lock.Amount.SetInt64(0)

	again, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), again.Amount)
}

func TestLockIDsAreUnique(t *testing.T) {
	l, now := newTestLocker()
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id, err := l.Lock(context.Background(), "alice", "pool-share", big.NewInt(1), now.Add(time.Hour), "")
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
