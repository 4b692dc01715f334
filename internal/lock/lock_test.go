package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EnergyLedger/internal/lock"
)

func setupRedisLocker(t *testing.T) (*lock.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts := lock.DefaultRedisOptions()
	opts.Tries = 3
	opts.RetryDelay = 10 * time.Millisecond
	return lock.NewRedisLocker(client, opts, zerolog.Nop()), mr
}

// exerciseMutualExclusion runs many increments of a shared counter under
// LockPair and checks no two critical sections overlapped.
func exerciseMutualExclusion(t *testing.T, l lock.Locker, workers, iterations int) {
	t.Helper()
	poolID, userID := uuid.New(), uuid.New()

	var inside atomic.Int32
	var overlaps atomic.Int32
	var counter atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				unlock, err := l.LockPair(context.Background(), poolID, userID)
				if !assert.NoError(t, err) {
					return
				}
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				counter.Add(1)
				inside.Add(-1)
				unlock()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load())
	assert.Equal(t, int64(workers*iterations), counter.Load())
}

// ============================================================================
// Keys
// ============================================================================

func TestKeys(t *testing.T) {
	poolID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	userID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	assert.Equal(t, "lock:pool:11111111-1111-1111-1111-111111111111", lock.PoolKey(poolID))
	assert.Equal(t,
		"lock:user:11111111-1111-1111-1111-111111111111:22222222-2222-2222-2222-222222222222",
		lock.UserKey(poolID, userID))
}

// ============================================================================
// LocalLocker
// ============================================================================

func TestLocalLocker_MutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, lock.NewLocalLocker(), 8, 200)
}

func TestLocalLocker_ReleasesSlots(t *testing.T) {
	l := lock.NewLocalLocker()
	unlock, err := l.LockPair(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 2, l.Size())

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, l.Size())
}

func TestLocalLocker_DisjointPairsDoNotBlock(t *testing.T) {
	l := lock.NewLocalLocker()
	poolA, poolB := uuid.New(), uuid.New()

	unlockA, err := l.LockPair(context.Background(), poolA, uuid.New())
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.LockPair(ctx, poolB, uuid.New())
	require.NoError(t, err)
	unlockB()
}

func TestLocalLocker_SamePoolDifferentUsersSerialize(t *testing.T) {
	l := lock.NewLocalLocker()
	poolID := uuid.New()

	unlock, err := l.LockPair(context.Background(), poolID, uuid.New())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.LockPair(ctx, poolID, uuid.New())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, l.Size())
}

func TestLocalLocker_CancelledWaiterLeavesNoSlot(t *testing.T) {
	l := lock.NewLocalLocker()
	poolID := uuid.New()

	unlock, err := l.LockPool(context.Background(), poolID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.LockPool(ctx, poolID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, l.Size())

	unlock()
	assert.Equal(t, 0, l.Size())
}

// ============================================================================
// RedisLocker
// ============================================================================

func TestRedisLocker_LockAndRelease(t *testing.T) {
	l, mr := setupRedisLocker(t)
	poolID, userID := uuid.New(), uuid.New()

	unlock, err := l.LockPair(context.Background(), poolID, userID)
	require.NoError(t, err)
	assert.True(t, mr.Exists(lock.PoolKey(poolID)))
	assert.True(t, mr.Exists(lock.UserKey(poolID, userID)))

	unlock()
	assert.False(t, mr.Exists(lock.PoolKey(poolID)))
	assert.False(t, mr.Exists(lock.UserKey(poolID, userID)))
}

func TestRedisLocker_ContendedPairFails(t *testing.T) {
	l, _ := setupRedisLocker(t)
	poolID, userID := uuid.New(), uuid.New()

	unlock, err := l.LockPair(context.Background(), poolID, userID)
	require.NoError(t, err)
	defer unlock()

	_, err = l.LockPair(context.Background(), poolID, userID)
	assert.Error(t, err)
}

func TestRedisLocker_PartialAcquireIsReleased(t *testing.T) {
	l, mr := setupRedisLocker(t)
	poolID, userID := uuid.New(), uuid.New()

	// Someone else holds the user record; the pool lock taken first must not leak.
	require.NoError(t, mr.Set(lock.UserKey(poolID, userID), "foreign"))

	_, err := l.LockPair(context.Background(), poolID, userID)
	require.Error(t, err)
	assert.False(t, mr.Exists(lock.PoolKey(poolID)))
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts := lock.DefaultRedisOptions()
	opts.RetryDelay = 2 * time.Millisecond
	opts.Tries = 1000
	l := lock.NewRedisLocker(client, opts, zerolog.Nop())

	exerciseMutualExclusion(t, l, 4, 20)
}
