package query

import "github.com/google/uuid"

// PoolView is the read model of a pool.
type PoolView struct {
	PoolID    uuid.UUID `json:"pool_id"`
	Owner     uuid.UUID `json:"owner"`
	Capacity  uint64    `json:"capacity"`
	Available uint64    `json:"available"`
	Committed uint64    `json:"committed"` // capacity - available
	Version   uint64    `json:"version"`

	AsOfSequence int64 `json:"as_of_sequence"` // last sequence assigned when read
}

// UserAccountView is the read model of a user account.
type UserAccountView struct {
	PoolID        uuid.UUID `json:"pool_id"`
	UserID        uuid.UUID `json:"user_id"`
	Allocated     uint64    `json:"allocated"`
	EnergyBalance uint64    `json:"energy_balance"`
	Version       uint64    `json:"version"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// AuditReport is the result of a pool conservation check.
type AuditReport struct {
	PoolID         uuid.UUID `json:"pool_id"`
	Capacity       uint64    `json:"capacity"`
	Available      uint64    `json:"available"`
	TotalAllocated uint64    `json:"total_allocated"`
	TotalEnergy    uint64    `json:"total_energy"`
	Accounts       int       `json:"accounts"`

	// Set when the custody backend reports balances.
	CustodyBalance *uint64 `json:"custody_balance,omitempty"`

	IsHealthy bool     `json:"is_healthy"`
	Problems  []string `json:"problems,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}
