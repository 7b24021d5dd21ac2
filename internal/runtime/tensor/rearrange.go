package tensor

import (
	"slices"
)

// Rearrange materializes v under a new stride layout. The result owns a fresh
// buffer sized to the maximum offset reachable through strides, and every
// logical element is copied through the stride mapping. Zero strides are kept
// as given: elements that alias one storage slot resolve to the last write in
// row-major order.
func (v *View) Rearrange(strides []int) (*View, error) {
	if v == nil {
		return nil, errNilView
	}

	if len(strides) != len(v.shape) {
		return nil, contractErr("rearrange", "strides %v do not match rank %d of shape %v", strides, len(v.shape), v.shape)
	}

	for i, s := range strides {
		if s < 0 {
			return nil, contractErr("rearrange", "negative stride %d on axis %d", s, i)
		}
	}

	dst := &View{
		dtype:   v.dtype,
		shape:   slices.Clone(v.shape),
		strides: slices.Clone(strides),
		data:    make([]byte, storageElems(v.shape, strides)*v.dtype.Size()),
	}

	CopyInto(dst, v)

	return dst, nil
}

// Contiguous reads v back into a row-major view. A view that is already
// contiguous is still copied.
func (v *View) Contiguous() *View {
	dst, _ := v.Rearrange(ContiguousStrides(v.shape))
	return dst
}

// CopyInto copies every logical element of src into dst. Both views must
// have the same shape and dtype; CopyInto panics otherwise.
func CopyInto(dst, src *View) {
	if !SameShape(dst, src) || dst.dtype != src.dtype {
		panic(contractErr("copy", "%s into %s", src.Info(), dst.Info()))
	}

	size := src.dtype.Size()

	src.each(func(idx []int, srcOff int) {
		dstOff := 0
		for d, i := range idx {
			dstOff += i * dst.strides[d]
		}

		copy(dst.data[dstOff*size:(dstOff+1)*size], src.data[srcOff*size:(srcOff+1)*size])
	})
}

// Convert returns a contiguous copy of v stored as dtype.
func (v *View) Convert(dtype DType) (*View, error) {
	if dtype == v.dtype {
		return v.Contiguous(), nil
	}

	return FromFloat64(dtype, v.shape, v.Float64s())
}
