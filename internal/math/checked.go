package math

import (
	"errors"
	"math/bits"
)

// ErrOverflow is returned when an unsigned operation leaves the uint64 range.
var ErrOverflow = errors.New("uint64 overflow")

// CheckedAdd returns a + b, or ErrOverflow if the sum does not fit in uint64.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a - b, or ErrOverflow if b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// SaturatingAdd returns a + b clamped to MaxUint64.
// Used for read-side aggregation where an overflowed total is itself the finding.
func SaturatingAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}
