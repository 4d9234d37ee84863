package invoice

import (
	"errors"
	"math/big"
	"math/rand/v2"
)

// MaxAttempts bounds the random draws of one allocation
const MaxAttempts = 200

// ErrAmountExhausted means no free amount was found; retrying later may succeed
var ErrAmountExhausted = errors.New("unable to reserve unique amount")

// Allocator perturbs a base amount so that it differs from every reserved amount
type Allocator struct {
	maxOffset int64
	// draw returns a uniform integer in [0, n)
	draw func(n int64) int64
}

func NewAllocator(maxOffset int64) *Allocator {
	if maxOffset < 0 {
		maxOffset = 0
	}
	return &Allocator{maxOffset: maxOffset, draw: rand.Int64N}
}

// Select returns base plus a random offset in [1, maxOffset] (0 when maxOffset is 0) that is
// not in reserved.
func (a *Allocator) Select(base *big.Int, reserved map[string]struct{}) (*big.Int, error) {
	for i := 0; i < MaxAttempts; i++ {
		var offset int64
		if a.maxOffset > 0 {
			offset = a.draw(a.maxOffset) + 1
		}
		candidate := new(big.Int).Add(base, big.NewInt(offset))
		if _, taken := reserved[candidate.String()]; !taken {
			return candidate, nil
		}
	}
	return nil, ErrAmountExhausted
}
