package fixture

import (
	"fmt"
	"math"
)

// ScalarKind is the numeric kind of a case attribute.
type ScalarKind uint8

const (
	KindFloat32 ScalarKind = iota + 1
	KindInt32
)

// Scalar is a case attribute: a 32-bit float or a 32-bit integer.
type Scalar struct {
	Kind ScalarKind
	bits uint32
}

func Float32(v float32) Scalar { return Scalar{Kind: KindFloat32, bits: math.Float32bits(v)} }

func Int32(v int32) Scalar { return Scalar{Kind: KindInt32, bits: uint32(v)} }

// Float64 returns the value widened to float64.
func (s Scalar) Float64() float64 {
	if s.Kind == KindInt32 {
		return float64(int32(s.bits))
	}

	return float64(math.Float32frombits(s.bits))
}

// Float32 returns the value as float32.
func (s Scalar) Float32() float32 {
	if s.Kind == KindInt32 {
		return float32(int32(s.bits))
	}

	return math.Float32frombits(s.bits)
}

// Int returns the value as int, truncating floats.
func (s Scalar) Int() int {
	if s.Kind == KindInt32 {
		return int(int32(s.bits))
	}

	return int(math.Float32frombits(s.bits))
}

func (s Scalar) String() string {
	switch s.Kind {
	case KindFloat32:
		return fmt.Sprintf("%g", math.Float32frombits(s.bits))
	case KindInt32:
		return fmt.Sprintf("%d", int32(s.bits))
	default:
		return "<invalid>"
	}
}
