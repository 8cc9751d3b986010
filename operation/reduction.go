package operation

import "math"

// maxReduction bounds uncapped searches to the normal float64 range.
const maxReduction = 1022

// ReductionFactor is the number of power-of-two halvings applied while
// decoding, before any software resampling.
type ReductionFactor struct {
	Factor int
}

// ForDecode returns the deepest factor whose scale is still at least p, so a
// decoder reading at that level never has to be upsampled in software to
// reach p. maxFactor caps the result; 0 means uncapped.
func ForDecode(p float64, maxFactor int) ReductionFactor {
	limit := capFor(maxFactor)
	if p <= 0 || math.IsNaN(p) {
		return ReductionFactor{}
	}
	f := 0
	for next := 0.5; p <= next && f < limit; next /= 2 {
		f++
	}
	return ReductionFactor{Factor: f}
}

func capFor(maxFactor int) int {
	if maxFactor <= 0 || maxFactor > maxReduction {
		return maxReduction
	}
	return maxFactor
}

// Scale is the fraction of full resolution the factor decodes at: 1/2^rf.
func (rf ReductionFactor) Scale() float64 { return math.Ldexp(1, -rf.Factor) }

// Residual is the scale still to apply in software after decoding at rf to
// reach the overall scale p.
func (rf ReductionFactor) Residual(p float64) float64 { return p / rf.Scale() }
