package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// ContractError reports a malformed shape, stride or dtype combination.
type ContractError struct {
	Op     string
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("tensor: %s: %s", e.Op, e.Reason)
}

func contractErr(op, format string, args ...any) error {
	return &ContractError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// View is a strided tensor over a little-endian byte buffer. The element at
// multi-index (i0, ..., ik) lives at element offset sum(i_d * stride_d).
// Strides are counted in elements and may be zero on broadcast axes.
type View struct {
	dtype   DType
	shape   []int
	strides []int
	data    []byte
}

// New wraps buf as a view. A nil strides slice selects the row-major layout.
// buf must cover the maximum offset reachable through shape and strides.
func New(dtype DType, shape, strides []int, buf []byte) (*View, error) {
	if !dtype.Supported() {
		return nil, contractErr("new", "unsupported dtype %s", dtype)
	}

	if err := checkShape(shape); err != nil {
		return nil, err
	}

	if strides == nil {
		strides = ContiguousStrides(shape)
	}

	if len(strides) != len(shape) {
		return nil, contractErr("new", "rank mismatch: shape %v has %d axes, strides %v has %d", shape, len(shape), strides, len(strides))
	}

	for i, s := range strides {
		if s < 0 {
			return nil, contractErr("new", "negative stride %d on axis %d", s, i)
		}
	}

	need := storageElems(shape, strides) * dtype.Size()
	if len(buf) < need {
		return nil, contractErr("new", "buffer of %d bytes does not cover %d bytes addressed by shape %v strides %v", len(buf), need, shape, strides)
	}

	return &View{
		dtype:   dtype,
		shape:   slices.Clone(shape),
		strides: slices.Clone(strides),
		data:    buf,
	}, nil
}

// Zeros allocates a zero-filled contiguous view.
func Zeros(dtype DType, shape []int) (*View, error) {
	if !dtype.Supported() {
		return nil, contractErr("zeros", "unsupported dtype %s", dtype)
	}

	if err := checkShape(shape); err != nil {
		return nil, err
	}

	return &View{
		dtype:   dtype,
		shape:   slices.Clone(shape),
		strides: ContiguousStrides(shape),
		data:    make([]byte, shapeElemCount(shape)*dtype.Size()),
	}, nil
}

// FromFloat64 builds a contiguous view holding values quantized to dtype.
func FromFloat64(dtype DType, shape []int, values []float64) (*View, error) {
	v, err := Zeros(dtype, shape)
	if err != nil {
		return nil, err
	}

	if len(values) != v.NumElements() {
		return nil, contractErr("from-float64", "%d values do not match shape %v (%d elements)", len(values), shape, v.NumElements())
	}

	size := dtype.Size()
	for i, x := range values {
		dtype.encode(v.data[i*size:], x)
	}

	return v, nil
}

// MustFromFloat64 is FromFloat64 for literal test stimuli.
func MustFromFloat64(dtype DType, shape []int, values []float64) *View {
	v, err := FromFloat64(dtype, shape, values)
	if err != nil {
		panic(err)
	}

	return v
}

func (v *View) DType() DType { return v.dtype }

func (v *View) Shape() []int { return slices.Clone(v.shape) }

func (v *View) Strides() []int { return slices.Clone(v.strides) }

func (v *View) Rank() int { return len(v.shape) }

// NumElements is the number of logical elements.
func (v *View) NumElements() int { return shapeElemCount(v.shape) }

// StorageElems is the number of elements the buffer must hold, i.e. the
// maximum reachable offset plus one.
func (v *View) StorageElems() int { return storageElems(v.shape, v.strides) }

// StorageBytes is StorageElems in bytes.
func (v *View) StorageBytes() int { return v.StorageElems() * v.dtype.Size() }

// Bytes returns the backing storage truncated to StorageBytes. Writes are
// visible through the view.
func (v *View) Bytes() []byte { return v.data[:v.StorageBytes()] }

// IsContiguous reports whether the view uses the row-major layout.
func (v *View) IsContiguous() bool {
	return slices.Equal(v.strides, ContiguousStrides(v.shape))
}

// Offset maps a multi-index to its element offset.
func (v *View) Offset(idx []int) (int, error) {
	if len(idx) != len(v.shape) {
		return 0, contractErr("offset", "index %v has rank %d, view has rank %d", idx, len(idx), len(v.shape))
	}

	off := 0
	for d, i := range idx {
		if i < 0 || i >= v.shape[d] {
			return 0, contractErr("offset", "index %v out of range for shape %v", idx, v.shape)
		}

		off += i * v.strides[d]
	}

	return off, nil
}

// At reads the element at idx as float64. It panics on a bad index.
func (v *View) At(idx ...int) float64 {
	off, err := v.Offset(idx)
	if err != nil {
		panic(err)
	}

	return v.load(off)
}

// Set stores x, quantized to the view's dtype, at idx. It panics on a bad
// index.
func (v *View) Set(x float64, idx ...int) {
	off, err := v.Offset(idx)
	if err != nil {
		panic(err)
	}

	v.store(off, x)
}

func (v *View) load(off int) float64 {
	size := v.dtype.Size()
	return v.dtype.decode(v.data[off*size : (off+1)*size])
}

func (v *View) store(off int, x float64) {
	size := v.dtype.Size()
	v.dtype.encode(v.data[off*size:(off+1)*size], x)
}

// Float64s returns the logical elements in row-major order.
func (v *View) Float64s() []float64 {
	out := make([]float64, 0, v.NumElements())
	v.each(func(_ []int, off int) {
		out = append(out, v.load(off))
	})

	return out
}

// Clone copies the view together with its storage.
func (v *View) Clone() *View {
	return &View{
		dtype:   v.dtype,
		shape:   slices.Clone(v.shape),
		strides: slices.Clone(v.strides),
		data:    slices.Clone(v.Bytes()),
	}
}

// ZerosLike allocates a zero-filled view with the same dtype, shape and
// strides.
func ZerosLike(v *View) *View {
	return &View{
		dtype:   v.dtype,
		shape:   slices.Clone(v.shape),
		strides: slices.Clone(v.strides),
		data:    make([]byte, v.StorageBytes()),
	}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *View) bool {
	return slices.Equal(a.shape, b.shape)
}

// Info renders the view metadata, e.g. "f16[32 512] strides=[1024 1]".
func (v *View) Info() string {
	return fmt.Sprintf("%s%v strides=%v", v.dtype, v.shape, v.strides)
}

// each visits every logical element in row-major order with its offset.
func (v *View) each(fn func(idx []int, off int)) {
	n := v.NumElements()
	if n == 0 {
		return
	}

	idx := make([]int, len(v.shape))
	off := 0

	for range n {
		fn(idx, off)

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			off += v.strides[d]

			if idx[d] < v.shape[d] {
				break
			}

			off -= idx[d] * v.strides[d]
			idx[d] = 0
		}
	}
}

// ContiguousStrides returns row-major strides for shape.
func ContiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1

	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}

	return strides
}

// ColumnMajorStrides returns first-axis-fastest strides for shape.
func ColumnMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1

	for i := range shape {
		strides[i] = acc
		acc *= shape[i]
	}

	return strides
}

func checkShape(shape []int) error {
	for i, d := range shape {
		if d <= 0 {
			return contractErr("shape", "axis %d has non-positive extent %d in %v", i, d, shape)
		}
	}

	return nil
}

func shapeElemCount(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

func storageElems(shape, strides []int) int {
	maxOff := 0
	for i, d := range shape {
		maxOff += (d - 1) * strides[i]
	}

	return maxOff + 1
}

var errNilView = errors.New("tensor: nil view")
