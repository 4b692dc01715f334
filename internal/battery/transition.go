package battery

import (
	"fmt"

	fpmath "EnergyLedger/internal/math"
)

// The transitions below act on one Pool + UserAccount pair. Each either moves
// both records to a new valid state or returns an error and leaves them
// untouched. Callers are responsible for holding both records exclusively.
//
// Every transition conserves available + allocated + energy_balance, so the
// pool-wide sum over all users stays equal to capacity.

// Allocate reserves amount of the pool's spare capacity for the user.
func Allocate(p *Pool, u *UserAccount, amount uint64) error {
	if err := samePool(p, u); err != nil {
		return err
	}
	if p.Available < amount {
		return fmt.Errorf("%w: available=%d, requested=%d", ErrInsufficientCapacity, p.Available, amount)
	}

	available, err := sub(p.Available, amount, "pool.available")
	if err != nil {
		return err
	}
	allocated, err := add(u.Allocated, amount, "user.allocated")
	if err != nil {
		return err
	}

	return commit(p, u, available, allocated, u.EnergyBalance)
}

// Deallocate releases a previously held reservation back to the pool.
func Deallocate(p *Pool, u *UserAccount, amount uint64) error {
	if err := samePool(p, u); err != nil {
		return err
	}
	if u.Allocated < amount {
		return fmt.Errorf("%w: allocated=%d, requested=%d", ErrInsufficientAllocation, u.Allocated, amount)
	}

	available, err := add(p.Available, amount, "pool.available")
	if err != nil {
		return err
	}
	allocated, err := sub(u.Allocated, amount, "user.allocated")
	if err != nil {
		return err
	}

	return commit(p, u, available, allocated, u.EnergyBalance)
}

// Deposit credits amount of energy to the user against the pool's spare
// capacity. It only updates the ledger side; moving the backing tokens is the
// caller's job and must happen inside the same transactional boundary.
// Together the capacity check and the available debit cap a deposit at
// min(available, capacity-available).
func Deposit(p *Pool, u *UserAccount, amount uint64) error {
	if err := CheckDeposit(p, u, amount); err != nil {
		return err
	}

	available, err := sub(p.Available, amount, "pool.available")
	if err != nil {
		return err
	}
	balance, err := add(u.EnergyBalance, amount, "user.energy_balance")
	if err != nil {
		return err
	}

	return commit(p, u, available, u.Allocated, balance)
}

// CheckDeposit validates the deposit preconditions without mutating anything.
func CheckDeposit(p *Pool, u *UserAccount, amount uint64) error {
	if err := samePool(p, u); err != nil {
		return err
	}

	ceiling, err := add(p.Available, amount, "pool.available")
	if err != nil {
		return err
	}
	if ceiling > p.Capacity {
		return fmt.Errorf("%w: available=%d, amount=%d, capacity=%d", ErrBatteryFull, p.Available, amount, p.Capacity)
	}
	return nil
}

// Withdraw debits amount of energy from the user and returns the backing
// capacity to the pool. Like Deposit, the token movement is the caller's job.
func Withdraw(p *Pool, u *UserAccount, amount uint64) error {
	if err := CheckWithdraw(p, u, amount); err != nil {
		return err
	}

	available, err := add(p.Available, amount, "pool.available")
	if err != nil {
		return err
	}
	balance, err := sub(u.EnergyBalance, amount, "user.energy_balance")
	if err != nil {
		return err
	}

	return commit(p, u, available, u.Allocated, balance)
}

// CheckWithdraw validates the withdrawal preconditions without mutating anything.
// The user-side balance is checked before the pool-side budget.
func CheckWithdraw(p *Pool, u *UserAccount, amount uint64) error {
	if err := samePool(p, u); err != nil {
		return err
	}
	if u.EnergyBalance < amount {
		return fmt.Errorf("%w: balance=%d, requested=%d", ErrInsufficientBalance, u.EnergyBalance, amount)
	}
	if p.Available < amount {
		return fmt.Errorf("%w: available=%d, requested=%d", ErrInsufficientEnergy, p.Available, amount)
	}
	return nil
}

// CheckInvariants verifies the per-record invariants of a pair.
func CheckInvariants(p *Pool, u *UserAccount) error {
	if p.Available > p.Capacity {
		return fmt.Errorf("%w: pool %s available=%d exceeds capacity=%d",
			ErrArithmeticOverflow, p.ID, p.Available, p.Capacity)
	}
	if u != nil && u.PoolID != p.ID {
		return fmt.Errorf("%w: account pool=%s, pool=%s", ErrPoolMismatch, u.PoolID, p.ID)
	}
	return nil
}

func commit(p *Pool, u *UserAccount, available, allocated, balance uint64) error {
	if available > p.Capacity {
		return fmt.Errorf("%w: pool.available=%d would exceed capacity=%d", ErrArithmeticOverflow, available, p.Capacity)
	}

	p.Available = available
	p.Version++
	u.Allocated = allocated
	u.EnergyBalance = balance
	u.Version++
	return nil
}

func samePool(p *Pool, u *UserAccount) error {
	if u.PoolID != p.ID {
		return fmt.Errorf("%w: account pool=%s, pool=%s", ErrPoolMismatch, u.PoolID, p.ID)
	}
	return nil
}

func add(a, b uint64, field string) (uint64, error) {
	v, err := fpmath.CheckedAdd(a, b)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %d + %d", ErrArithmeticOverflow, field, a, b)
	}
	return v, nil
}

func sub(a, b uint64, field string) (uint64, error) {
	v, err := fpmath.CheckedSub(a, b)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %d - %d", ErrArithmeticOverflow, field, a, b)
	}
	return v, nil
}
