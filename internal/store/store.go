// Package store keeps Pool and UserAccount records.
//
// All mutations of an existing pair go through Update, which hands the
// callback private copies of both records and commits them together only
// when the callback succeeds. A failed callback leaves both records exactly as
// they were.
//
// Writes given WithRecord also commit the operation record under its
// idempotency key, so a key is either committed with its state change or not
// at all.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"EnergyLedger/internal/battery"
	"EnergyLedger/internal/event"
)

var (
	// ErrCommit wraps failures that happen after the update callback succeeded.
	// Side effects performed inside the callback have already happened.
	ErrCommit = errors.New("commit failed")

	// ErrConflict reports that a record changed between load and commit.
	ErrConflict = errors.New("record modified concurrently")

	// ErrKeyCommitted aborts a write whose idempotency key already has a
	// committed record. Nothing of the write is kept.
	ErrKeyCommitted = errors.New("idempotency key already committed")
)

// UpdateFunc mutates the pool and user copies in place. Returning an error
// discards both copies.
type UpdateFunc func(pool *battery.Pool, user *battery.UserAccount) error

// RecordFunc builds the operation record of a write from the records about
// to be committed. CreatePool passes a nil user and CreateUserAccount a nil
// pool.
type RecordFunc func(pool *battery.Pool, user *battery.UserAccount) event.OperationRecord

// WriteOption configures one write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	record RecordFunc
}

// WithRecord commits the record built by fn atomically with the write.
func WithRecord(fn RecordFunc) WriteOption {
	return func(o *writeOptions) { o.record = fn }
}

func collect(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store is the record storage used by the engine and the query service.
type Store interface {
	CreatePool(ctx context.Context, pool *battery.Pool, opts ...WriteOption) error
	CreateUserAccount(ctx context.Context, account *battery.UserAccount, opts ...WriteOption) error

	GetPool(ctx context.Context, poolID uuid.UUID) (*battery.Pool, error)
	GetUserAccount(ctx context.Context, poolID, userID uuid.UUID) (*battery.UserAccount, error)

	// PoolSnapshot returns the pool and every account drawing on it, read at
	// one consistent point.
	PoolSnapshot(ctx context.Context, poolID uuid.UUID) (*battery.Pool, []*battery.UserAccount, error)

	Update(ctx context.Context, poolID, userID uuid.UUID, fn UpdateFunc, opts ...WriteOption) error
}
