package ops

import (
	"fmt"
	"math"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// MismatchError describes a failed comparison by its first offending
// element.
type MismatchError struct {
	Index     []int
	Expected  float64
	Actual    float64
	Tolerance Tolerance
	Count     int
	Total     int
	MaxAbsErr float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("ops: %d/%d elements outside tolerance; first at %v: expected %g, got %g (|diff| %.3g > bound %.3g, %s), max abs err %.3g",
		e.Count, e.Total, e.Index, e.Expected, e.Actual,
		math.Abs(e.Actual-e.Expected), e.Tolerance.Bound(e.Expected), e.Tolerance, e.MaxAbsErr)
}

// AllClose compares actual against expected element by element in logical
// order, so the two views may use different stride layouts. It returns a
// *MismatchError when any element is outside tol.
func AllClose(actual, expected *tensor.View, tol Tolerance) error {
	if actual == nil || expected == nil {
		return fmt.Errorf("ops: allclose requires non-nil views")
	}

	if !tensor.SameShape(actual, expected) {
		return fmt.Errorf("ops: allclose shape mismatch: actual %v, expected %v", actual.Shape(), expected.Shape())
	}

	got := actual.Float64s()
	want := expected.Float64s()

	var mm *MismatchError

	maxErr := 0.0

	for i := range want {
		diff := math.Abs(got[i] - want[i])
		if !math.IsNaN(diff) && !math.IsInf(diff, 0) {
			maxErr = max(maxErr, diff)
		}

		if tol.Allows(got[i], want[i]) {
			continue
		}

		if mm == nil {
			mm = &MismatchError{
				Index:     unravel(i, expected.Shape()),
				Expected:  want[i],
				Actual:    got[i],
				Tolerance: tol,
				Total:     len(want),
			}
		}

		mm.Count++
	}

	if mm == nil {
		return nil
	}

	mm.MaxAbsErr = maxErr

	return mm
}

// MaxAbsError returns the largest finite |actual - expected| over all
// elements, or 0 when the shapes differ.
func MaxAbsError(actual, expected *tensor.View) float64 {
	if actual == nil || expected == nil || !tensor.SameShape(actual, expected) {
		return 0
	}

	got := actual.Float64s()
	maxErr := 0.0

	for i, w := range expected.Float64s() {
		diff := math.Abs(got[i] - w)
		if !math.IsNaN(diff) && !math.IsInf(diff, 0) {
			maxErr = max(maxErr, diff)
		}
	}

	return maxErr
}

func unravel(linear int, shape []int) []int {
	idx := make([]int, len(shape))
	for d := len(shape) - 1; d >= 0; d-- {
		idx[d] = linear % shape[d]
		linear /= shape[d]
	}

	return idx
}
