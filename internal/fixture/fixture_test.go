package fixture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/example/go-opcheck/internal/runtime/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustView(t *testing.T, dtype tensor.DType, shape []int, values []float64) *tensor.View {
	t.Helper()

	v, err := tensor.FromFloat64(dtype, shape, values)
	require.NoError(t, err)

	return v
}

func TestWriteDecodeRoundTrip(t *testing.T) {
	input := mustView(t, tensor.F16, []int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	strided, err := input.Rearrange([]int{1, 2})
	require.NoError(t, err)

	pos := mustView(t, tensor.U32, []int{3}, []float64{0, 1, 4000000000})
	ans := mustView(t, tensor.F64, []int{1}, []float64{17})
	scalar, err := tensor.Zeros(tensor.I64, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := NewGGUFWriter(&buf, "run-1")

	require.NoError(t, w.BeginCase("rms_norm"))
	require.NoError(t, w.WriteScalar("epsilon", Float32(1e-5)))
	require.NoError(t, w.WriteTensor("input", strided))
	require.NoError(t, w.WriteTensor("pos", pos))

	require.NoError(t, w.BeginCase("random_sample"))
	require.NoError(t, w.WriteScalar("topk", Int32(3)))
	require.NoError(t, w.WriteTensor("ans", ans))
	require.NoError(t, w.WriteTensor("result", scalar))
	require.NoError(t, w.Finish())

	assert.Equal(t, 2, w.Cases())
	assert.Equal(t, uint32(Magic), binary.LittleEndian.Uint32(buf.Bytes()))

	f, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, f.Cases, 2)

	assert.Equal(t, "run-1", f.RunID())
	assert.Equal(t, Architecture, f.Metadata[KeyArchitecture])

	c0 := f.Cases[0]
	assert.Equal(t, "rms_norm", c0.Op)
	assert.Equal(t, []string{"epsilon"}, c0.AttributeNames())
	assert.Equal(t, []string{"input", "pos"}, c0.TensorNames())
	assert.InDelta(t, 1e-5, c0.Attributes["epsilon"].Float64(), 1e-12)

	got := c0.Tensors["input"]
	assert.Equal(t, tensor.F16, got.DType())
	assert.Equal(t, []int{1, 2}, got.Strides(), "layout restored from strides key")
	assert.Equal(t, input.Float64s(), got.Float64s())

	gotPos := c0.Tensors["pos"]
	assert.Equal(t, tensor.U32, gotPos.DType(), "dtype key overrides the signed raw type")
	assert.Equal(t, []float64{0, 1, 4000000000}, gotPos.Float64s())

	c1 := f.Cases[1]
	assert.Equal(t, "random_sample", c1.Op)
	assert.Equal(t, 3, c1.Attributes["topk"].Int())
	assert.Equal(t, KindInt32, c1.Attributes["topk"].Kind)
	assert.Equal(t, []float64{17}, c1.Tensors["ans"].Float64s())
	assert.Equal(t, 0, c1.Tensors["result"].Rank())
}

func TestTensorDataIsAligned(t *testing.T) {
	var buf bytes.Buffer
	w := NewGGUFWriter(&buf, "")

	require.NoError(t, w.BeginCase("swiglu"))
	require.NoError(t, w.WriteTensor("a", mustView(t, tensor.F32, []int{3}, []float64{1, 2, 3})))
	require.NoError(t, w.WriteTensor("b", mustView(t, tensor.F32, []int{5}, []float64{1, 2, 3, 4, 5})))
	require.NoError(t, w.Finish())

	assert.Zero(t, buf.Len()%DefaultAlignment)

	f, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, f.Cases[0].Tensors["b"].Float64s())
}

func TestWriterContract(t *testing.T) {
	var buf bytes.Buffer
	w := NewGGUFWriter(&buf, "")

	assert.Error(t, w.WriteScalar("eps", Float32(1)), "scalar before case")
	assert.Error(t, w.BeginCase("  "), "empty op")

	require.NoError(t, w.BeginCase("rearrange"))
	require.NoError(t, w.WriteTensor("x", mustView(t, tensor.F32, []int{1}, []float64{1})))
	assert.Error(t, w.WriteTensor("x", mustView(t, tensor.F32, []int{1}, []float64{1})), "duplicate name")
	assert.Error(t, w.WriteScalar("x", Int32(1)), "scalar shares tensor name")
	assert.Error(t, w.WriteScalar("a.b", Int32(1)), "dotted name")
	assert.Error(t, w.WriteTensor("nil", nil))

	require.NoError(t, w.BeginCase("rearrange"))
	require.NoError(t, w.WriteTensor("x", mustView(t, tensor.F32, []int{1}, []float64{1})), "names are per case")

	require.NoError(t, w.Finish())
	assert.Error(t, w.Finish())
	assert.Error(t, w.BeginCase("rearrange"))
}

func TestRawTypeUnsupported(t *testing.T) {
	for _, d := range []tensor.DType{tensor.BF16, tensor.Bool, tensor.C64, tensor.F8, tensor.Invalid} {
		_, err := RawType(d)
		assert.Truef(t, errors.Is(err, ErrUnsupportedDType), "RawType(%s) = %v", d, err)
	}

	raw, err := RawType(tensor.U32)
	require.NoError(t, err)
	assert.Equal(t, GGMLTypeI32, raw)
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	var buf bytes.Buffer
	w := NewGGUFWriter(&buf, "")
	w.addKV("vendor.extra", ValueTypeString, "hello")
	w.addKV("test.0.future_field", ValueTypeUint32, uint32(9))

	require.NoError(t, w.BeginCase("causal_softmax"))
	require.NoError(t, w.WriteTensor("data", mustView(t, tensor.F16, []int{2, 2}, []float64{1, 2, 3, 4})))
	require.NoError(t, w.Finish())

	f, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, f.Cases, 1)
	assert.Equal(t, "hello", f.Metadata["vendor.extra"])
	assert.Equal(t, []string{"data"}, f.Cases[0].TensorNames())
}

func TestDecodeRejectsCorruptInput(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("GGML\x03\x00\x00\x00")))
	assert.ErrorContains(t, err, "invalid magic")

	var buf bytes.Buffer
	w := NewGGUFWriter(&buf, "")
	require.NoError(t, w.BeginCase("rearrange"))
	require.NoError(t, w.WriteTensor("x", mustView(t, tensor.F64, []int{64}, make([]float64, 64))))
	require.NoError(t, w.Finish())

	truncated := buf.Bytes()[:buf.Len()-300]
	_, err = Decode(bytes.NewReader(truncated))
	assert.ErrorContains(t, err, "exceeds file size")

	_, err = Decode(bytes.NewReader(buf.Bytes()[:40]))
	assert.ErrorContains(t, err, "unexpected end of data")
}

// countOnlyHeader is a GGUF file with no tensors and a single test_count
// key.
func countOnlyHeader(count uint64) []byte {
	var buf bytes.Buffer

	le := binary.LittleEndian
	_ = binary.Write(&buf, le, Magic)
	_ = binary.Write(&buf, le, Version)
	_ = binary.Write(&buf, le, uint64(0))
	_ = binary.Write(&buf, le, uint64(1))
	_ = binary.Write(&buf, le, uint64(len(KeyTestCount)))
	buf.WriteString(KeyTestCount)
	_ = binary.Write(&buf, le, uint32(ValueTypeUint64))
	_ = binary.Write(&buf, le, count)

	return buf.Bytes()
}

func TestDecodeRejectsTestCountBeyondCases(t *testing.T) {
	for _, count := range []uint64{1, 1 << 62, ^uint64(0)} {
		f, err := Decode(bytes.NewReader(countOnlyHeader(count)))
		assert.Nil(t, f)
		assert.ErrorContains(t, err, "test_count", "count %d", count)
	}

	f, err := Decode(bytes.NewReader(countOnlyHeader(0)))
	require.NoError(t, err)
	assert.Empty(t, f.Cases)
}

func TestWriteFileReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.gguf")

	err := WriteFile(path, "abc", func(w Writer) error {
		if err := w.BeginCase("rotary_embedding"); err != nil {
			return err
		}

		return w.WriteTensor("t", mustView(t, tensor.F32, []int{1, 1, 2}, []float64{0.5, -0.5}))
	})
	require.NoError(t, err)

	f, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", f.RunID())
	assert.Equal(t, []float64{0.5, -0.5}, f.Cases[0].Tensors["t"].Float64s())

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.gguf"))
	assert.Error(t, err)
}
