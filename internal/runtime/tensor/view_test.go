package tensor

import (
	"errors"
	"math"
	"slices"
	"testing"
)

func seqValues(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i%97) - 48
	}

	return out
}

func mustView(t *testing.T, dtype DType, shape []int, values []float64) *View {
	t.Helper()

	v, err := FromFloat64(dtype, shape, values)
	if err != nil {
		t.Fatalf("FromFloat64(%s, %v): %v", dtype, shape, err)
	}

	return v
}

// --- layout ---

func TestContiguousStrides(t *testing.T) {
	tests := []struct {
		shape []int
		want  []int
	}{
		{nil, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
	}

	for _, tt := range tests {
		got := ContiguousStrides(tt.shape)
		if !slices.Equal(got, tt.want) {
			t.Errorf("ContiguousStrides(%v) = %v; want %v", tt.shape, got, tt.want)
		}
	}

	if got := ColumnMajorStrides([]int{2, 3, 4}); !slices.Equal(got, []int{1, 2, 6}) {
		t.Errorf("ColumnMajorStrides = %v; want [1 2 6]", got)
	}
}

func TestNewValidatesContract(t *testing.T) {
	tests := []struct {
		name    string
		dtype   DType
		shape   []int
		strides []int
		bufLen  int
	}{
		{"unsupported dtype", BF16, []int{2}, nil, 4},
		{"zero extent", F32, []int{0, 2}, nil, 0},
		{"rank mismatch", F32, []int{2, 2}, []int{1}, 16},
		{"negative stride", F32, []int{2}, []int{-1}, 8},
		{"short buffer", F32, []int{4, 4}, []int{8, 1}, 4 * 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.dtype, tt.shape, tt.strides, make([]byte, tt.bufLen))
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			var ce *ContractError
			if !errors.As(err, &ce) {
				t.Fatalf("error %v is not a *ContractError", err)
			}
		})
	}
}

func TestNewPaddedBuffer(t *testing.T) {
	// 4x4 rows padded to 8 elements: the last row ends at offset 3*8+3.
	v, err := New(F32, []int{4, 4}, []int{8, 1}, make([]byte, 4*28))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if v.StorageElems() != 28 {
		t.Errorf("StorageElems = %d; want 28", v.StorageElems())
	}

	if v.IsContiguous() {
		t.Error("padded view reported contiguous")
	}
}

func TestScalarView(t *testing.T) {
	v, err := Zeros(I64, nil)
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}

	v.Set(42)

	if v.NumElements() != 1 || v.StorageElems() != 1 {
		t.Fatalf("scalar has %d elements, %d storage", v.NumElements(), v.StorageElems())
	}

	if got := v.At(); got != 42 {
		t.Errorf("At() = %v; want 42", got)
	}
}

// --- dtype codecs ---

func TestQuantize(t *testing.T) {
	tests := []struct {
		dtype DType
		in    float64
		want  float64
	}{
		{F64, 0.1, 0.1},
		{F32, 0.1, float64(float32(0.1))},
		{F16, 1.0 / 3, 0.333251953125},
		{F16, 70000, math.Inf(1)},
		{I32, 2.5, 2},
		{I32, -3.7, -4},
		{U8, -5, 0},
		{U8, 300, 255},
		{I8, 200, 127},
		{U32, 4294967295, 4294967295},
	}

	for _, tt := range tests {
		if got := tt.dtype.Quantize(tt.in); got != tt.want {
			t.Errorf("%s.Quantize(%v) = %v; want %v", tt.dtype, tt.in, got, tt.want)
		}
	}
}

func TestParseDType(t *testing.T) {
	tests := []struct {
		in      string
		want    DType
		wantErr bool
	}{
		{"f16", F16, false},
		{"F32", F32, false},
		{" float64 ", F64, false},
		{"u32", U32, false},
		{"bf16", BF16, false},
		{"invalid", Invalid, true},
		{"float128", Invalid, true},
	}

	for _, tt := range tests {
		got, err := ParseDType(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDType(%q) = %v, nil; want error", tt.in, got)
			}

			continue
		}

		if err != nil || got != tt.want {
			t.Errorf("ParseDType(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

// --- rearrange ---

func TestRearrangeTranspose(t *testing.T) {
	src := mustView(t, F32, []int{2, 3}, []float64{0, 1, 2, 3, 4, 5})

	col, err := src.Rearrange(ColumnMajorStrides([]int{2, 3}))
	if err != nil {
		t.Fatalf("Rearrange: %v", err)
	}

	// Column-major storage holds the transpose in memory order.
	raw, err := New(F32, []int{6}, nil, col.Bytes())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got, want := raw.Float64s(), []float64{0, 3, 1, 4, 2, 5}; !slices.Equal(got, want) {
		t.Errorf("storage = %v; want %v", got, want)
	}

	if got := col.Contiguous().Float64s(); !slices.Equal(got, src.Float64s()) {
		t.Errorf("round trip = %v; want %v", got, src.Float64s())
	}
}

func TestRearrangeKeepsZeroStride(t *testing.T) {
	// A row vector broadcast across 4 rows.
	row := mustView(t, F16, []int{4, 3}, []float64{1, 2, 3, 1, 2, 3, 1, 2, 3, 1, 2, 3})

	b, err := row.Rearrange([]int{0, 1})
	if err != nil {
		t.Fatalf("Rearrange: %v", err)
	}

	if got := b.Strides(); !slices.Equal(got, []int{0, 1}) {
		t.Fatalf("strides = %v; want [0 1]", got)
	}

	if b.StorageElems() != 3 {
		t.Errorf("StorageElems = %d; want 3", b.StorageElems())
	}

	if got := b.Contiguous().Float64s(); !slices.Equal(got, row.Float64s()) {
		t.Errorf("broadcast read back = %v; want %v", got, row.Float64s())
	}
}

func TestRearrangeRejectsBadStrides(t *testing.T) {
	src := mustView(t, F32, []int{2, 2}, []float64{1, 2, 3, 4})

	if _, err := src.Rearrange([]int{1}); err == nil {
		t.Error("expected rank mismatch error")
	}

	if _, err := src.Rearrange([]int{-2, 1}); err == nil {
		t.Error("expected negative stride error")
	}
}

func TestRearrangeLargeShape(t *testing.T) {
	shape := []int{3, 4, 7, 53, 9}
	src := mustView(t, F32, shape, seqValues(3*4*7*53*9))

	x, err := src.Rearrange([]int{1, 3, 3 * 4, 3 * 4 * 7, 3 * 4 * 7 * 53})
	if err != nil {
		t.Fatalf("Rearrange: %v", err)
	}

	y, err := x.Rearrange(ContiguousStrides(shape))
	if err != nil {
		t.Fatalf("Rearrange: %v", err)
	}

	if !slices.Equal(y.Float64s(), src.Float64s()) {
		t.Error("values changed across rearrange")
	}
}

func TestRandomDeterministic(t *testing.T) {
	a, err := NewRandom(7).Uniform(F16, []int{4, 8}, -1, 1)
	if err != nil {
		t.Fatalf("Uniform: %v", err)
	}

	b, err := NewRandom(7).Uniform(F16, []int{4, 8}, -1, 1)
	if err != nil {
		t.Fatalf("Uniform: %v", err)
	}

	if !slices.Equal(a.Float64s(), b.Float64s()) {
		t.Error("same seed produced different tensors")
	}

	for _, x := range a.Float64s() {
		if x < -1 || x > 1 {
			t.Fatalf("value %v outside [-1, 1]", x)
		}
	}
}

func TestArange(t *testing.T) {
	v, err := Arange(U32, 5)
	if err != nil {
		t.Fatalf("Arange: %v", err)
	}

	if got := v.Float64s(); !slices.Equal(got, []float64{0, 1, 2, 3, 4}) {
		t.Errorf("Arange = %v", got)
	}
}
