package event

import (
	"fmt"

	"github.com/google/uuid"
)

type InitializePool struct {
	IdempotencyKey uuid.UUID `json:"idempotency_key"`
	PoolID         uuid.UUID `json:"pool_id"`
	Owner          uuid.UUID `json:"owner"`
	Capacity       uint64    `json:"capacity"`
}

func (c *InitializePool) Key() uuid.UUID  { return c.IdempotencyKey }
func (c *InitializePool) Type() OpType    { return OpInitializePool }
func (c *InitializePool) Pool() uuid.UUID { return c.PoolID }

type OpenUserAccount struct {
	IdempotencyKey uuid.UUID `json:"idempotency_key"`
	PoolID         uuid.UUID `json:"pool_id"`
	UserID         uuid.UUID `json:"user_id"`
}

func (c *OpenUserAccount) Key() uuid.UUID  { return c.IdempotencyKey }
func (c *OpenUserAccount) Type() OpType    { return OpOpenUserAccount }
func (c *OpenUserAccount) Pool() uuid.UUID { return c.PoolID }

// Transition is the shared input of the four amount operations.
type Transition struct {
	IdempotencyKey uuid.UUID `json:"idempotency_key"`
	PoolID         uuid.UUID `json:"pool_id"`
	UserID         uuid.UUID `json:"user_id"`
	Amount         uint64    `json:"amount"`
}

func (t *Transition) Key() uuid.UUID  { return t.IdempotencyKey }
func (t *Transition) Pool() uuid.UUID { return t.PoolID }

type Allocate struct{ Transition }

func (*Allocate) Type() OpType { return OpAllocate }

type Deallocate struct{ Transition }

func (*Deallocate) Type() OpType { return OpDeallocate }

type DepositEnergy struct{ Transition }

func (*DepositEnergy) Type() OpType { return OpDepositEnergy }

type WithdrawEnergy struct{ Transition }

func (*WithdrawEnergy) Type() OpType { return OpWithdrawEnergy }

// NewTransition builds the command for one of the four amount operations.
func NewTransition(op OpType, key, poolID, userID uuid.UUID, amount uint64) (Command, error) {
	t := Transition{IdempotencyKey: key, PoolID: poolID, UserID: userID, Amount: amount}
	switch op {
	case OpAllocate:
		return &Allocate{t}, nil
	case OpDeallocate:
		return &Deallocate{t}, nil
	case OpDepositEnergy:
		return &DepositEnergy{t}, nil
	case OpWithdrawEnergy:
		return &WithdrawEnergy{t}, nil
	default:
		return nil, fmt.Errorf("%s is not an amount operation", op)
	}
}
