// Package fees computes proportional network fees in basis points. The
// multiply/divide runs through a 128-bit intermediate so the full uint64
// amount range is safe, and division truncates toward zero: rounding always
// favors the payer.
package fees

import (
	"math/bits"

	"github.com/atellix/token-agent/internal/app/domain/agent"
)

// Denominator is the basis-point scale: 10000 bps = 100%.
const Denominator = 10000

// Compute splits a gross amount into fee and net portions for the given fee
// rate. fee = floor(gross * bps / 10000), net = gross - fee.
func Compute(gross uint64, bps uint32) (fee uint64, net uint64, err error) {
	if bps > Denominator {
		return 0, 0, agent.Errorf(agent.ErrOverflow, "fee rate %d exceeds %d bps", bps, Denominator)
	}
	if bps == 0 || gross == 0 {
		return 0, gross, nil
	}

	hi, lo := bits.Mul64(gross, uint64(bps))
	// hi < 10000 always holds for bps <= 10000, but Div64 panics on a
	// quotient overflow so the guard stays.
	if hi >= Denominator {
		return 0, 0, agent.Errorf(agent.ErrOverflow, "fee computation overflow")
	}
	fee, _ = bits.Div64(hi, lo, Denominator)

	if fee > gross {
		return 0, 0, agent.Errorf(agent.ErrOverflow, "fee %d exceeds gross %d", fee, gross)
	}
	return fee, gross - fee, nil
}

// CheckedAdd returns a+b or an overflow error.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, agent.Errorf(agent.ErrOverflow, "addition overflow")
	}
	return sum, nil
}

// CheckedSub returns a-b or an overflow error when b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, agent.Errorf(agent.ErrOverflow, "subtraction underflow")
	}
	return diff, nil
}
