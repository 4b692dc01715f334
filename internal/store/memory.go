package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"EnergyLedger/internal/battery"
	"EnergyLedger/internal/event"
)

// MemoryStore is a process-local Store.
//
// Update does not hold the store mutex while the callback runs, so callers
// must serialize work on a pair with a lock.Locker. Commits are still guarded
// by record versions and fail with ErrConflict if that contract is broken.
type MemoryStore struct {
	mu       sync.RWMutex
	pools    map[uuid.UUID]*battery.Pool
	accounts map[uuid.UUID]map[uuid.UUID]*battery.UserAccount
	records  map[uuid.UUID]event.OperationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:    make(map[uuid.UUID]*battery.Pool),
		accounts: make(map[uuid.UUID]map[uuid.UUID]*battery.UserAccount),
		records:  make(map[uuid.UUID]event.OperationRecord),
	}
}

func (s *MemoryStore) CreatePool(_ context.Context, pool *battery.Pool, opts ...WriteOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.buildRecord(collect(opts), pool, nil)
	if err != nil {
		return err
	}
	if _, ok := s.pools[pool.ID]; ok {
		return fmt.Errorf("%w: %s", battery.ErrPoolExists, pool.ID)
	}
	s.pools[pool.ID] = pool.Clone()
	s.accounts[pool.ID] = make(map[uuid.UUID]*battery.UserAccount)
	s.keep(rec)
	return nil
}

func (s *MemoryStore) CreateUserAccount(_ context.Context, account *battery.UserAccount, opts ...WriteOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.buildRecord(collect(opts), nil, account)
	if err != nil {
		return err
	}
	users, ok := s.accounts[account.PoolID]
	if !ok {
		return fmt.Errorf("%w: %s", battery.ErrPoolNotFound, account.PoolID)
	}
	if _, ok := users[account.UserID]; ok {
		return fmt.Errorf("%w: pool=%s user=%s", battery.ErrUserAccountExists, account.PoolID, account.UserID)
	}
	users[account.UserID] = account.Clone()
	s.keep(rec)
	return nil
}

// Lookup returns the record committed under key, or nil. It serves as the
// durable idempotency tier when records live in memory.
func (s *MemoryStore) Lookup(_ context.Context, key uuid.UUID) (*event.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) GetPool(_ context.Context, poolID uuid.UUID) (*battery.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", battery.ErrPoolNotFound, poolID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetUserAccount(_ context.Context, poolID, userID uuid.UUID) (*battery.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.account(poolID, userID)
}

func (s *MemoryStore) PoolSnapshot(_ context.Context, poolID uuid.UUID) (*battery.Pool, []*battery.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[poolID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", battery.ErrPoolNotFound, poolID)
	}

	users := s.accounts[poolID]
	out := make([]*battery.UserAccount, 0, len(users))
	for _, u := range users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return p.Clone(), out, nil
}

func (s *MemoryStore) Update(_ context.Context, poolID, userID uuid.UUID, fn UpdateFunc, opts ...WriteOption) error {
	s.mu.RLock()
	p, ok := s.pools[poolID]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", battery.ErrPoolNotFound, poolID)
	}
	u, err := s.account(poolID, userID)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	pool, user := p.Clone(), u
	s.mu.RUnlock()

	poolVersion, userVersion := pool.Version, user.Version
	if err := fn(pool, user); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pools[poolID].Version != poolVersion || s.accounts[poolID][userID].Version != userVersion {
		return fmt.Errorf("%w: %w: pool=%s user=%s", ErrCommit, ErrConflict, poolID, userID)
	}
	rec, err := s.buildRecord(collect(opts), pool, user)
	if err != nil {
		return err
	}
	s.pools[poolID] = pool.Clone()
	s.accounts[poolID][userID] = user.Clone()
	s.keep(rec)
	return nil
}

// buildRecord requires s.mu held for writing.
func (s *MemoryStore) buildRecord(o writeOptions, p *battery.Pool, u *battery.UserAccount) (*event.OperationRecord, error) {
	if o.record == nil {
		return nil, nil
	}
	rec := o.record(p, u)
	if _, ok := s.records[rec.IdempotencyKey]; ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyCommitted, rec.IdempotencyKey)
	}
	return &rec, nil
}

func (s *MemoryStore) keep(rec *event.OperationRecord) {
	if rec != nil {
		s.records[rec.IdempotencyKey] = *rec
	}
}

// account requires s.mu held.
func (s *MemoryStore) account(poolID, userID uuid.UUID) (*battery.UserAccount, error) {
	users, ok := s.accounts[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", battery.ErrPoolNotFound, poolID)
	}
	u, ok := users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: pool=%s user=%s", battery.ErrUserAccountNotFound, poolID, userID)
	}
	return u.Clone(), nil
}
