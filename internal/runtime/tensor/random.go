package tensor

import (
	"math/rand/v2"
)

// Random draws deterministic test stimuli. Two Randoms built from the same
// seed produce identical tensors.
type Random struct {
	rng *rand.Rand
}

// NewRandom seeds a PCG source with seed.
func NewRandom(seed uint64) *Random {
	return &Random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Float64 returns a draw in [0, 1).
func (r *Random) Float64() float64 { return r.rng.Float64() }

// Uniform returns a contiguous view with elements drawn from [lo, hi) and
// quantized to dtype.
func (r *Random) Uniform(dtype DType, shape []int, lo, hi float64) (*View, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}

	values := make([]float64, shapeElemCount(shape))
	for i := range values {
		values[i] = lo + (hi-lo)*r.rng.Float64()
	}

	return FromFloat64(dtype, shape, values)
}

// Fill overwrites every storage slot of v, including padding between strided
// elements, with draws from [lo, hi).
func (r *Random) Fill(v *View, lo, hi float64) {
	for off := range v.StorageElems() {
		v.store(off, lo+(hi-lo)*r.rng.Float64())
	}
}

// Arange returns the contiguous vector 0, 1, ..., n-1 stored as dtype.
func Arange(dtype DType, n int) (*View, error) {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i)
	}

	return FromFloat64(dtype, []int{n}, values)
}
