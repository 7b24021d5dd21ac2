// Package ops holds the reference implementations that native operator
// results are checked against. Every oracle reads its inputs logically, so
// any stride layout is accepted, computes in float64 and stores the result in
// a fresh contiguous view.
package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// RMSNorm normalizes x over its last axis and scales by w:
// y = x / sqrt(mean(x^2) + eps) * w. The result has x's dtype.
func RMSNorm(x, w *tensor.View, eps float64) (*tensor.View, error) {
	if x == nil || w == nil {
		return nil, errors.New("ops: rms_norm requires non-nil x/w")
	}

	if x.Rank() < 1 {
		return nil, errors.New("ops: rms_norm requires rank >= 1 input")
	}

	shape := x.Shape()
	d := shape[len(shape)-1]

	if w.Rank() != 1 || w.Shape()[0] != d {
		return nil, fmt.Errorf("ops: rms_norm weight shape %v does not match last axis %d", w.Shape(), d)
	}

	if !(eps > 0) {
		return nil, fmt.Errorf("ops: rms_norm epsilon must be > 0, got %v", eps)
	}

	xs := x.Float64s()
	ws := w.Float64s()
	out := make([]float64, len(xs))

	for row := 0; row < len(xs); row += d {
		sum := 0.0
		for _, v := range xs[row : row+d] {
			sum += v * v
		}

		inv := 1 / math.Sqrt(sum/float64(d)+eps)
		for i := range d {
			out[row+i] = xs[row+i] * inv * ws[i]
		}
	}

	return tensor.FromFloat64(x.DType(), shape, out)
}

// CausalSoftmax applies a causal mask over the last two axes and a stable
// softmax along the last axis. For rows n and columns m, entry (i, j) is
// masked when j > i + (m - n), which aligns the last row with the last
// column. Masked outputs are exactly zero.
func CausalSoftmax(x *tensor.View) (*tensor.View, error) {
	if x == nil {
		return nil, errors.New("ops: causal_softmax requires non-nil x")
	}

	shape := x.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("ops: causal_softmax requires rank >= 2 input, got %d", len(shape))
	}

	rows, cols := shape[len(shape)-2], shape[len(shape)-1]
	if cols < rows {
		return nil, fmt.Errorf("ops: causal_softmax needs at least as many columns as rows, got %dx%d", rows, cols)
	}

	xs := x.Float64s()
	out := make([]float64, len(xs))
	offset := cols - rows

	for base := 0; base < len(xs); base += cols {
		i := (base / cols) % rows
		limit := i + offset + 1
		row := xs[base : base+cols]

		maxV := math.Inf(-1)
		for _, v := range row[:limit] {
			maxV = max(maxV, v)
		}

		sum := 0.0
		for j := range limit {
			e := math.Exp(row[j] - maxV)
			out[base+j] = e
			sum += e
		}

		for j := range limit {
			out[base+j] /= sum
		}
	}

	return tensor.FromFloat64(x.DType(), shape, out)
}

// Rearrange is the identity: the expected output of a strided copy is the
// input's logical content, returned contiguously.
func Rearrange(x *tensor.View) (*tensor.View, error) {
	if x == nil {
		return nil, errors.New("ops: rearrange requires non-nil x")
	}

	return x.Contiguous(), nil
}

// SwiGLU computes c = a * b * sigmoid(b) elementwise.
func SwiGLU(a, b *tensor.View) (*tensor.View, error) {
	if a == nil || b == nil {
		return nil, errors.New("ops: swiglu requires non-nil a/b")
	}

	if !tensor.SameShape(a, b) {
		return nil, fmt.Errorf("ops: swiglu shape mismatch %v vs %v", a.Shape(), b.Shape())
	}

	as := a.Float64s()
	bs := b.Float64s()
	out := make([]float64, len(as))

	for i := range out {
		out[i] = as[i] * bs[i] / (1 + math.Exp(-bs[i]))
	}

	return tensor.FromFloat64(a.DType(), a.Shape(), out)
}
