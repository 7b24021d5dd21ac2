package ops

import (
	"fmt"
	"maps"
	"math"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Tolerance bounds the accepted drift of a native result:
// |actual - expected| <= Abs + Rel*|expected|.
type Tolerance struct {
	Abs float64
	Rel float64
}

// Bound is the largest accepted absolute difference for expected.
func (t Tolerance) Bound(expected float64) float64 {
	return t.Abs + t.Rel*math.Abs(expected)
}

// Allows reports whether actual is within tolerance of expected. Matching
// infinities pass, and NaN only matches NaN.
func (t Tolerance) Allows(actual, expected float64) bool {
	if math.IsNaN(actual) || math.IsNaN(expected) {
		return math.IsNaN(actual) && math.IsNaN(expected)
	}

	if math.IsInf(expected, 0) || math.IsInf(actual, 0) {
		return actual == expected
	}

	return math.Abs(actual-expected) <= t.Bound(expected)
}

func (t Tolerance) String() string {
	return fmt.Sprintf("atol=%.2e rtol=%.2e", t.Abs, t.Rel)
}

// DTypeTolerances are the defaults for operators without their own entry.
var DTypeTolerances = map[tensor.DType]Tolerance{
	tensor.F16: {Abs: 1e-3, Rel: 1e-3},
	tensor.F32: {Abs: 1e-5, Rel: 1e-5},
	tensor.F64: {Abs: 1e-10, Rel: 1e-10},
	tensor.I8:  {},
	tensor.I16: {},
	tensor.I32: {},
	tensor.I64: {},
	tensor.U8:  {},
	tensor.U16: {},
	tensor.U32: {},
	tensor.U64: {},
}

// OperatorTolerances override DTypeTolerances per operator.
var OperatorTolerances = map[string]map[tensor.DType]Tolerance{
	"rms_norm": {
		tensor.F16: {Abs: 1e-3, Rel: 1e-3},
		tensor.F32: {Abs: 1e-3, Rel: 1e-3},
	},
	"causal_softmax": {
		tensor.F16: {Abs: 0, Rel: 1e-2},
		tensor.F32: {Abs: 1e-5, Rel: 1e-5},
	},
	"rotary_embedding": {
		tensor.F16: {Abs: 1e-4, Rel: 1e-2},
		tensor.F32: {Abs: 1e-4, Rel: 1e-3},
	},
	"rearrange": {
		tensor.F16: {},
		tensor.F32: {},
		tensor.F64: {},
	},
	"random_sample": {
		tensor.F16: {},
		tensor.F32: {},
		tensor.F64: {},
	},
	"swiglu": {
		tensor.F16: {Abs: 1e-3, Rel: 1e-3},
		tensor.F32: {Abs: 1e-6, Rel: 1e-6},
	},
}

// Policy resolves the tolerance for an (operator, dtype) pair. Operator
// entries win over dtype defaults; both tables can be extended without
// touching comparison code.
type Policy struct {
	operators map[string]map[tensor.DType]Tolerance
	dtypes    map[tensor.DType]Tolerance
}

// DefaultPolicy returns a policy over copies of the package tables.
func DefaultPolicy() *Policy {
	ops := make(map[string]map[tensor.DType]Tolerance, len(OperatorTolerances))
	for name, table := range OperatorTolerances {
		ops[name] = maps.Clone(table)
	}

	return &Policy{operators: ops, dtypes: maps.Clone(DTypeTolerances)}
}

// SetDType replaces the default tolerance of dtype.
func (p *Policy) SetDType(dtype tensor.DType, tol Tolerance) {
	p.dtypes[dtype] = tol
}

// SetOperator replaces the tolerance of op at dtype.
func (p *Policy) SetOperator(op string, dtype tensor.DType, tol Tolerance) {
	if p.operators[op] == nil {
		p.operators[op] = make(map[tensor.DType]Tolerance)
	}

	p.operators[op][dtype] = tol
}

// Lookup returns the tolerance for op at dtype.
func (p *Policy) Lookup(op string, dtype tensor.DType) (Tolerance, error) {
	if t, ok := p.operators[op][dtype]; ok {
		return t, nil
	}

	t, ok := p.dtypes[dtype]
	if !ok {
		return Tolerance{}, fmt.Errorf("ops: no tolerance configured for %s at %s", op, dtype)
	}

	return t, nil
}
