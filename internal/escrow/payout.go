package escrow

import (
	"math/bits"

	"github.com/duelpool/duelpool/internal/domain"
)

// FeeRatePercent is the house cut taken from the total pool at settlement.
// Runtime configurability is deliberately not offered.
const FeeRatePercent = 5

// Fee returns the house fee for a given total pool: floor(total * 5 / 100).
// The multiplication runs in 128 bits so pools near the top of the uint64
// range do not overflow. The result always fits in uint64 because it is at
// most 5% of a uint64 value.
func Fee(totalPool uint64) uint64 {
	hi, lo := bits.Mul64(totalPool, FeeRatePercent)
	fee, _ := bits.Div64(hi, lo, 100)
	return fee
}

// Reward computes a single winner's payout:
//
//	floor(distributable * amount / winningPool)
//
// The intermediate product can exceed uint64 (both operands can approach the
// full range), so it is carried in 128 bits. Division truncates, so the sum
// of all winners' rewards never exceeds distributable; the rounding dust
// stays in the pool.
//
// A zero winningPool is reachable when the authority settles with an
// override onto a side nobody staked; it is rejected with ErrNoWinningStake
// instead of dividing by zero.
func Reward(distributable, amount, winningPool uint64) (uint64, error) {
	if winningPool == 0 {
		return 0, domain.ErrNoWinningStake
	}
	if amount > winningPool {
		// A position can never hold more than its side's pool; treat this
		// as corrupt state rather than overpay.
		return 0, domain.ErrInvalidStake
	}
	hi, lo := bits.Mul64(distributable, amount)
	// amount <= winningPool guarantees the quotient fits in 64 bits.
	q, _ := bits.Div64(hi, lo, winningPool)
	return q, nil
}

// Distributable returns the pool available to winners after the fee fixed at
// settlement has been removed.
func Distributable(totalPool, fee uint64) uint64 {
	if fee > totalPool {
		return 0
	}
	return totalPool - fee
}
