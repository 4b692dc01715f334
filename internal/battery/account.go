package battery

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// UserAccount is one user's sub-account against exactly one pool.
type UserAccount struct {
	PoolID        uuid.UUID
	UserID        uuid.UUID
	Allocated     uint64 // capacity reserved from the pool
	EnergyBalance uint64 // settled energy, backed 1:1 by tokens in pool custody
	Version       uint64
}

// NewUserAccount returns a zeroed account for the (pool, user) pair.
func NewUserAccount(poolID, userID uuid.UUID) *UserAccount {
	return &UserAccount{
		PoolID: poolID,
		UserID: userID,
	}
}

// Clone returns an independent copy.
func (u *UserAccount) Clone() *UserAccount {
	cp := *u
	return &cp
}

// CanonicalBytes for deterministic hashing
func (u *UserAccount) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)

	buf = append(buf, u.PoolID[:]...)
	buf = append(buf, u.UserID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, u.Allocated)
	buf = binary.LittleEndian.AppendUint64(buf, u.EnergyBalance)

	return buf
}
