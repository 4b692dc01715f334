package battery

import "errors"

// Error kinds surfaced by the state transitions. None of them is retried by the
// ledger; callers match with errors.Is and decide whether to retry with new input.
var (
	ErrInsufficientCapacity   = errors.New("insufficient capacity in the battery")
	ErrInsufficientAllocation = errors.New("insufficient allocation for the user")
	ErrBatteryFull            = errors.New("battery is full")
	ErrInsufficientBalance    = errors.New("insufficient energy balance")
	ErrInsufficientEnergy     = errors.New("insufficient energy in the battery")
	ErrArithmeticOverflow     = errors.New("arithmetic overflow")
	ErrTransferFailed         = errors.New("token transfer failed")
)

// Record lookup and lifecycle errors raised by storage.
var (
	ErrPoolNotFound        = errors.New("pool not found")
	ErrPoolExists          = errors.New("pool already exists")
	ErrUserAccountNotFound = errors.New("user account not found")
	ErrUserAccountExists   = errors.New("user account already exists")
	ErrPoolMismatch        = errors.New("user account belongs to a different pool")
)

// ErrConservationViolated is reported by pool audits when
// available + Σallocated + Σenergy_balance != capacity.
var ErrConservationViolated = errors.New("pool conservation violated")

// Reason returns a short, stable label for an error kind. Used for metric labels
// and wire error codes.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, ErrInsufficientAllocation):
		return "insufficient_allocation"
	case errors.Is(err, ErrBatteryFull):
		return "battery_full"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientEnergy):
		return "insufficient_energy"
	case errors.Is(err, ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, ErrPoolExists):
		return "pool_exists"
	case errors.Is(err, ErrUserAccountNotFound):
		return "user_account_not_found"
	case errors.Is(err, ErrUserAccountExists):
		return "user_account_exists"
	case errors.Is(err, ErrPoolMismatch):
		return "pool_mismatch"
	case errors.Is(err, ErrConservationViolated):
		return "conservation_violated"
	default:
		return "internal"
	}
}
