package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configures RedLock mutexes.
type RedisOptions struct {
	// Expiry bounds how long a crashed holder can block a record.
	Expiry time.Duration
	// Tries is the number of acquisition attempts before giving up.
	Tries int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// DriftFactor accounts for clock drift between instances.
	DriftFactor float64
}

// DefaultRedisOptions suits operations that finish well within a second.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Expiry:      8 * time.Second,
		Tries:       32,
		RetryDelay:  50 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// RedisLocker coordinates record access across ledger instances sharing one
// store, using the RedLock algorithm.
type RedisLocker struct {
	rs     *redsync.Redsync
	opts   RedisOptions
	logger zerolog.Logger
}

func NewRedisLocker(client goredislib.UniversalClient, opts RedisOptions, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger,
	}
}

func (l *RedisLocker) LockPool(ctx context.Context, poolID uuid.UUID) (Unlock, error) {
	return l.lockKeys(ctx, PoolKey(poolID))
}

func (l *RedisLocker) LockPair(ctx context.Context, poolID, userID uuid.UUID) (Unlock, error) {
	return l.lockKeys(ctx, PoolKey(poolID), UserKey(poolID, userID))
}

func (l *RedisLocker) lockKeys(ctx context.Context, keys ...string) (Unlock, error) {
	held := make([]*redsync.Mutex, 0, len(keys))
	for _, key := range keys {
		m := l.rs.NewMutex(key,
			redsync.WithExpiry(l.opts.Expiry),
			redsync.WithTries(l.opts.Tries),
			redsync.WithRetryDelay(l.opts.RetryDelay),
			redsync.WithDriftFactor(l.opts.DriftFactor),
		)
		if err := m.LockContext(ctx); err != nil {
			l.releaseAll(held)
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		held = append(held, m)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.releaseAll(held) })
	}, nil
}

func (l *RedisLocker) releaseAll(held []*redsync.Mutex) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.Expiry)
	defer cancel()

	for i := len(held) - 1; i >= 0; i-- {
		if ok, err := held[i].UnlockContext(ctx); !ok || err != nil {
			l.logger.Error().Err(err).Str("key", held[i].Name()).Msg("release record lock failed")
		}
	}
}
