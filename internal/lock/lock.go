// Package lock implements the two-record lock protocol used by the engine.
//
// Every mutation of a (pool, user) pair holds the pool lock and the user lock
// for its whole duration. Locks are always taken pool first, then user, so two
// operations on the same pair can never deadlock. Operations on disjoint pairs
// share no lock and proceed concurrently.
package lock

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Unlock releases what a Lock call acquired. It is safe to call once.
type Unlock func()

// Locker acquires record locks.
type Locker interface {
	// LockPool locks a single pool record.
	LockPool(ctx context.Context, poolID uuid.UUID) (Unlock, error)
	// LockPair locks the pool record and then the user record.
	LockPair(ctx context.Context, poolID, userID uuid.UUID) (Unlock, error)
}

// PoolKey names the lock of a pool record.
func PoolKey(poolID uuid.UUID) string {
	return fmt.Sprintf("lock:pool:%s", poolID)
}

// UserKey names the lock of a user account record.
func UserKey(poolID, userID uuid.UUID) string {
	return fmt.Sprintf("lock:user:%s:%s", poolID, userID)
}
