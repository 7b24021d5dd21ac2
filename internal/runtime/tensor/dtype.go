package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType is an element type code. The numeric values match the dtype
// enumeration of the native operator library so a DType can be passed across
// the ABI unchanged.
type DType uint32

const (
	Invalid DType = iota
	Byte
	Bool
	I8
	I16
	I32
	I64
	U8
	U16
	U32
	U64
	F8
	F16
	F32
	F64
	C16
	C32
	C64
	C128
	BF16
)

var dtypeNames = map[DType]string{
	Invalid: "invalid",
	Byte:    "byte",
	Bool:    "bool",
	I8:      "i8",
	I16:     "i16",
	I32:     "i32",
	I64:     "i64",
	U8:      "u8",
	U16:     "u16",
	U32:     "u32",
	U64:     "u64",
	F8:      "f8",
	F16:     "f16",
	F32:     "f32",
	F64:     "f64",
	C16:     "c16",
	C32:     "c32",
	C64:     "c64",
	C128:    "c128",
	BF16:    "bf16",
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}

	return fmt.Sprintf("dtype(%d)", uint32(d))
}

// ParseDType resolves a dtype name such as "f16" or "float32".
func ParseDType(s string) (DType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "float16", "half":
		return F16, nil
	case "float32", "float":
		return F32, nil
	case "float64", "double":
		return F64, nil
	case "int32":
		return I32, nil
	case "int64":
		return I64, nil
	case "uint32":
		return U32, nil
	}

	for d, n := range dtypeNames {
		if n == name && d != Invalid {
			return d, nil
		}
	}

	return Invalid, fmt.Errorf("tensor: unknown dtype %q", s)
}

// Size returns the element width in bytes, or 0 when the dtype has no
// element storage in this package.
func (d DType) Size() int {
	switch d {
	case I8, U8:
		return 1
	case I16, U16, F16:
		return 2
	case I32, U32, F32:
		return 4
	case I64, U64, F64:
		return 8
	default:
		return 0
	}
}

// Supported reports whether views of this dtype can be created.
func (d DType) Supported() bool { return d.Size() > 0 }

// IsFloat reports whether d is a floating point dtype.
func (d DType) IsFloat() bool {
	return d == F16 || d == F32 || d == F64
}

// IsUnsigned reports whether d is an unsigned integer dtype.
func (d DType) IsUnsigned() bool {
	return d == U8 || d == U16 || d == U32 || d == U64
}

// Quantize rounds v to the nearest value representable in d.
func (d DType) Quantize(v float64) float64 {
	var buf [8]byte

	d.encode(buf[:], v)

	return d.decode(buf[:])
}

func (d DType) decode(b []byte) float64 {
	switch d {
	case I8:
		return float64(int8(b[0]))
	case U8:
		return float64(b[0])
	case I16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case U16:
		return float64(binary.LittleEndian.Uint16(b))
	case F16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
	case I32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case U32:
		return float64(binary.LittleEndian.Uint32(b))
	case F32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case I64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case U64:
		return float64(binary.LittleEndian.Uint64(b))
	case F64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		return math.NaN()
	}
}

func (d DType) encode(b []byte, v float64) {
	switch d {
	case I8:
		b[0] = byte(int8(clampInt(v, math.MinInt8, math.MaxInt8)))
	case U8:
		b[0] = byte(clampInt(v, 0, math.MaxUint8))
	case I16:
		binary.LittleEndian.PutUint16(b, uint16(int16(clampInt(v, math.MinInt16, math.MaxInt16))))
	case U16:
		binary.LittleEndian.PutUint16(b, uint16(clampInt(v, 0, math.MaxUint16)))
	case F16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case I32:
		binary.LittleEndian.PutUint32(b, uint32(int32(clampInt(v, math.MinInt32, math.MaxInt32))))
	case U32:
		binary.LittleEndian.PutUint32(b, uint32(clampInt(v, 0, math.MaxUint32)))
	case F32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case I64:
		binary.LittleEndian.PutUint64(b, uint64(int64(clampInt(v, math.MinInt64, math.MaxInt64))))
	case U64:
		binary.LittleEndian.PutUint64(b, uint64(clampInt(v, 0, math.MaxUint64)))
	case F64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

func clampInt(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}

	v = math.RoundToEven(v)
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
