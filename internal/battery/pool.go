package battery

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Pool is the shared capacity record ("battery").
//
// Capacity is fixed at creation. Available is the single budget consumed by
// allocations and deposits and replenished by deallocations and withdrawals.
// Invariant: 0 <= Available <= Capacity.
type Pool struct {
	ID        uuid.UUID
	Owner     uuid.UUID // identity that created the pool
	Capacity  uint64
	Available uint64
	Version   uint64 // bumped on every committed mutation
}

// NewPool returns a pool with its whole capacity available. Any capacity,
// including zero, is accepted.
func NewPool(id, owner uuid.UUID, capacity uint64) *Pool {
	return &Pool{
		ID:        id,
		Owner:     owner,
		Capacity:  capacity,
		Available: capacity,
	}
}

// Clone returns an independent copy.
func (p *Pool) Clone() *Pool {
	cp := *p
	return &cp
}

// Committed returns the capacity currently reserved or backing deposited energy.
func (p *Pool) Committed() uint64 {
	return p.Capacity - p.Available
}

// CanonicalBytes for deterministic hashing
func (p *Pool) CanonicalBytes() []byte {
	buf := make([]byte, 0, 56)

	buf = append(buf, p.ID[:]...)
	buf = append(buf, p.Owner[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, p.Capacity)
	buf = binary.LittleEndian.AppendUint64(buf, p.Available)

	return buf
}
