package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// RoPEFrequencies returns theta^(-2k/dh) for k in [0, dh/2).
func RoPEFrequencies(dh int, theta float64) ([]float64, error) {
	if dh <= 0 || dh%2 != 0 {
		return nil, fmt.Errorf("ops: rope head dimension must be even and positive, got %d", dh)
	}

	if theta <= 0 {
		return nil, fmt.Errorf("ops: rope theta must be > 0, got %v", theta)
	}

	freqs := make([]float64, dh/2)
	for k := range freqs {
		freqs[k] = math.Pow(theta, -float64(2*k)/float64(dh))
	}

	return freqs, nil
}

// SinCosTable builds the f32 sin and cos tables of shape [npos, dh/2] that
// the native rotary kernel indexes by position id.
func SinCosTable(npos, dh int, theta float64) (sin, cos *tensor.View, err error) {
	freqs, err := RoPEFrequencies(dh, theta)
	if err != nil {
		return nil, nil, err
	}

	half := dh / 2
	sv := make([]float64, npos*half)
	cv := make([]float64, npos*half)

	for p := range npos {
		for k, f := range freqs {
			sv[p*half+k], cv[p*half+k] = math.Sincos(float64(p) * f)
		}
	}

	sin, err = tensor.FromFloat64(tensor.F32, []int{npos, half}, sv)
	if err != nil {
		return nil, nil, err
	}

	cos, err = tensor.FromFloat64(tensor.F32, []int{npos, half}, cv)
	if err != nil {
		return nil, nil, err
	}

	return sin, cos, nil
}

// RoPE rotates interleaved coordinate pairs of t, shaped [nt, nh, dh], by
// angle pos[i] * theta^(-2k/dh):
//
//	(a, b) -> (a*cos - b*sin, a*sin + b*cos)
func RoPE(t, pos *tensor.View, theta float64) (*tensor.View, error) {
	if t == nil || pos == nil {
		return nil, errors.New("ops: rope requires non-nil t/pos")
	}

	shape := t.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("ops: rope requires [nt, nh, dh] input, got %v", shape)
	}

	nt, nh, dh := shape[0], shape[1], shape[2]

	freqs, err := RoPEFrequencies(dh, theta)
	if err != nil {
		return nil, err
	}

	if pos.Rank() != 1 || pos.Shape()[0] != nt {
		return nil, fmt.Errorf("ops: rope position ids shape %v does not match %d tokens", pos.Shape(), nt)
	}

	xs := t.Float64s()
	ps := pos.Float64s()
	out := make([]float64, len(xs))

	for i := range nt {
		if ps[i] < 0 {
			return nil, fmt.Errorf("ops: rope position id %v at token %d is negative", ps[i], i)
		}

		for h := range nh {
			base := (i*nh + h) * dh
			for k, f := range freqs {
				s, c := math.Sincos(ps[i] * f)
				a, b := xs[base+2*k], xs[base+2*k+1]
				out[base+2*k] = a*c - b*s
				out[base+2*k+1] = a*s + b*c
			}
		}
	}

	return tensor.FromFloat64(t.DType(), shape, out)
}
