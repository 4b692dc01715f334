package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LocalLocker serializes record access inside one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) LockPool(ctx context.Context, poolID uuid.UUID) (Unlock, error) {
	return l.lockKeys(ctx, PoolKey(poolID))
}

func (l *LocalLocker) LockPair(ctx context.Context, poolID, userID uuid.UUID) (Unlock, error) {
	return l.lockKeys(ctx, PoolKey(poolID), UserKey(poolID, userID))
}

// lockKeys acquires keys in the given order and releases them in reverse.
func (l *LocalLocker) lockKeys(ctx context.Context, keys ...string) (Unlock, error) {
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			l.releaseAll(held)
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.releaseAll(held) })
	}, nil
}

func (l *LocalLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, s)
		return ctx.Err()
	}
}

func (l *LocalLocker) releaseAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		s := l.slots[keys[i]]
		l.mu.Unlock()

		<-s.ch
		l.drop(keys[i], s)
	}
}

// drop forgets a slot once nobody holds or waits on it.
func (l *LocalLocker) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Size returns the number of keys currently held or awaited.
func (l *LocalLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
