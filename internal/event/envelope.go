package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpType discriminator for commands and operation records
type OpType int32

const (
	OpUnknown OpType = iota
	OpInitializePool
	OpOpenUserAccount
	OpAllocate
	OpDeallocate
	OpDepositEnergy
	OpWithdrawEnergy
)

var opNames = map[OpType]string{
	OpInitializePool:  "initialize",
	OpOpenUserAccount: "open_account",
	OpAllocate:        "allocate",
	OpDeallocate:      "deallocate",
	OpDepositEnergy:   "deposit_energy",
	OpWithdrawEnergy:  "withdraw_energy",
}

func (op OpType) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "unknown"
}

// ParseOpType is the inverse of OpType.String.
func ParseOpType(s string) (OpType, error) {
	for op, name := range opNames {
		if name == s {
			return op, nil
		}
	}
	return OpUnknown, fmt.Errorf("unknown operation %q", s)
}

func (op OpType) MarshalText() ([]byte, error) {
	return []byte(op.String()), nil
}

func (op *OpType) UnmarshalText(text []byte) error {
	parsed, err := ParseOpType(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// Command is the interface all operation inputs implement
type Command interface {
	// Key returns the caller-chosen idempotency key
	Key() uuid.UUID

	// Type returns the discriminator
	Type() OpType

	// Pool returns the pool the command acts on
	Pool() uuid.UUID
}

// OperationRecord describes one committed mutation.
type OperationRecord struct {
	// Unique per record; derived from the idempotency key
	RecordID uuid.UUID `json:"record_id"`

	// Monotonic within one engine instance. Failed writes leave gaps, and
	// instances sharing a database do not coordinate numbering.
	Sequence int64 `json:"sequence"`

	IdempotencyKey uuid.UUID `json:"idempotency_key"`
	Op             OpType    `json:"op"`
	PoolID         uuid.UUID `json:"pool_id"`
	UserID         uuid.UUID `json:"user_id"` // uuid.Nil for pool initialization
	Amount         uint64    `json:"amount"`

	// Post-commit state of the pair
	PoolCapacity      uint64 `json:"pool_capacity"`
	PoolAvailable     uint64 `json:"pool_available"`
	UserAllocated     uint64 `json:"user_allocated"`
	UserEnergyBalance uint64 `json:"user_energy_balance"`

	// SHA-256 over the canonical post-commit records
	Digest []byte `json:"digest"`

	CommittedAt time.Time `json:"committed_at"`
}

// RecordIDFor derives the record id of the mutation keyed by key.
func RecordIDFor(key uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(key, []byte("energy-ledger/operation"))
}

// TransferIDFor derives the custody transfer id of the deposit or withdrawal
// keyed by key. Redeliveries of one command reuse it.
func TransferIDFor(key uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(key, []byte("energy-ledger/transfer"))
}
