// Package fixture stores operator test cases in GGUF v3 files.
//
// Every case i contributes the keys
//
//	test.{i}.op_name
//	test.{i}.attributes.{name}         f32 or i32
//	test.{i}.tensors.{name}.shape      u64 array, logical order
//	test.{i}.tensors.{name}.strides    i64 array, layout to restore
//	test.{i}.tensors.{name}.dtype      u32 native dtype code
//
// and one GGUF tensor named test.{i}.tensors.{name}.data holding the
// elements in row-major order. Readers ignore keys they do not know.
package fixture

import (
	"errors"
	"fmt"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Container constants.
const (
	Magic            uint32 = 0x46554747 // "GGUF" little-endian
	Version          uint32 = 3
	DefaultAlignment        = 32
	FormatVersion    uint32 = 1
	Architecture            = "infiniop-test"
)

// Global metadata keys.
const (
	KeyArchitecture  = "general.architecture"
	KeyAlignment     = "general.alignment"
	KeyFormatVersion = "opcheck.format.version"
	KeyRunID         = "opcheck.run_id"
	KeyTestCount     = "test_count"
)

// ErrUnsupportedDType is returned for tensors whose dtype has no GGML raw
// type.
var ErrUnsupportedDType = errors.New("fixture: unsupported dtype")

// ValueType is a GGUF metadata value type.
type ValueType uint32

const (
	ValueTypeUint8   ValueType = 0
	ValueTypeInt8    ValueType = 1
	ValueTypeUint16  ValueType = 2
	ValueTypeInt16   ValueType = 3
	ValueTypeUint32  ValueType = 4
	ValueTypeInt32   ValueType = 5
	ValueTypeFloat32 ValueType = 6
	ValueTypeBool    ValueType = 7
	ValueTypeString  ValueType = 8
	ValueTypeArray   ValueType = 9
	ValueTypeUint64  ValueType = 10
	ValueTypeInt64   ValueType = 11
	ValueTypeFloat64 ValueType = 12
)

// GGMLType is the raw element type code of a GGUF tensor. Only the
// unquantized codes are used here.
type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeI8   GGMLType = 24
	GGMLTypeI16  GGMLType = 25
	GGMLTypeI32  GGMLType = 26
	GGMLTypeI64  GGMLType = 27
	GGMLTypeF64  GGMLType = 28
	GGMLTypeBF16 GGMLType = 30
)

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeI8:
		return "I8"
	case GGMLTypeI16:
		return "I16"
	case GGMLTypeI32:
		return "I32"
	case GGMLTypeI64:
		return "I64"
	case GGMLTypeF64:
		return "F64"
	case GGMLTypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("GGMLType(%d)", uint32(t))
	}
}

// RawType maps a dtype to the GGML type its bytes are stored under.
// GGML has no unsigned integer types, so unsigned dtypes share the signed
// code of equal width and the dtype key carries the distinction.
func RawType(d tensor.DType) (GGMLType, error) {
	switch d {
	case tensor.F32:
		return GGMLTypeF32, nil
	case tensor.F16:
		return GGMLTypeF16, nil
	case tensor.F64:
		return GGMLTypeF64, nil
	case tensor.I8, tensor.U8:
		return GGMLTypeI8, nil
	case tensor.I16, tensor.U16:
		return GGMLTypeI16, nil
	case tensor.I32, tensor.U32:
		return GGMLTypeI32, nil
	case tensor.I64, tensor.U64:
		return GGMLTypeI64, nil
	default:
		return 0, fmt.Errorf("%w %s", ErrUnsupportedDType, d)
	}
}

// DTypeOf is the inverse of RawType for files that lack a dtype key.
func DTypeOf(t GGMLType) (tensor.DType, error) {
	switch t {
	case GGMLTypeF32:
		return tensor.F32, nil
	case GGMLTypeF16:
		return tensor.F16, nil
	case GGMLTypeF64:
		return tensor.F64, nil
	case GGMLTypeI8:
		return tensor.I8, nil
	case GGMLTypeI16:
		return tensor.I16, nil
	case GGMLTypeI32:
		return tensor.I32, nil
	case GGMLTypeI64:
		return tensor.I64, nil
	default:
		return tensor.Invalid, fmt.Errorf("fixture: unsupported tensor type %s", t)
	}
}

// CaseKey returns the metadata key of field within case index.
func CaseKey(index int, field string) string {
	return fmt.Sprintf("test.%d.%s", index, field)
}

func attributeKey(index int, name string) string {
	return CaseKey(index, "attributes."+name)
}

func tensorKey(index int, name, field string) string {
	return CaseKey(index, "tensors."+name+"."+field)
}
