package testcase

import (
	"fmt"
	"slices"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// row is a table entry. Rows with a pinned dtype ignore the dtype list;
// the rest are expanded once per dtype.
type row struct {
	pinned tensor.DType
	build  func(tensor.DType) Params
}

type table struct {
	dtypes []tensor.DType
	rows   []row
}

func pinned(d tensor.DType, build func(tensor.DType) Params) row {
	return row{pinned: d, build: build}
}

func each(build func(tensor.DType) Params) row {
	return row{build: build}
}

func rmsNorm(shape []int, eps float64) func(tensor.DType) Params {
	return func(d tensor.DType) Params { return RMSNormParams{Shape: shape, Type: d, Epsilon: eps} }
}

func causalSoftmax(shape, strides []int) func(tensor.DType) Params {
	return func(d tensor.DType) Params { return CausalSoftmaxParams{Shape: shape, Strides: strides, Type: d} }
}

func rope(shape, strides []int) func(tensor.DType) Params {
	return func(d tensor.DType) Params {
		return RoPEParams{Shape: shape, Strides: strides, Type: d, Theta: DefaultTheta}
	}
}

func rearrange(shape, x, y []int) func(tensor.DType) Params {
	return func(d tensor.DType) Params {
		return RearrangeParams{Shape: shape, XStrides: x, YStrides: y, Type: d}
	}
}

func randomSample(voc int, rv, topp float64, topk int, temp float64) func(tensor.DType) Params {
	return func(d tensor.DType) Params {
		return RandomSampleParams{Voc: voc, RandomVal: rv, TopP: topp, TopK: topk, Temperature: temp, Type: d}
	}
}

func swiglu(shape, strides []int) func(tensor.DType) Params {
	return func(d tensor.DType) Params {
		return SwiGLUParams{Shape: shape, AStrides: strides, BStrides: strides, CStrides: strides, Type: d}
	}
}

func colMajor(shape ...int) []int { return tensor.ColumnMajorStrides(shape) }

var tables = map[string]table{
	OpRMSNorm: {
		dtypes: []tensor.DType{tensor.F32},
		rows: []row{
			pinned(tensor.F32, rmsNorm([]int{2, 256}, 1e-5)),
			pinned(tensor.F32, rmsNorm([]int{4, 512}, 1e-6)),
			pinned(tensor.F32, rmsNorm([]int{8, 1024}, 0)),
			pinned(tensor.F32, rmsNorm([]int{1, 768}, 0)),
			pinned(tensor.F32, rmsNorm([]int{8, 256}, 1e-3)),
			pinned(tensor.F16, rmsNorm([]int{2, 256}, 1e-3)),
			pinned(tensor.F16, rmsNorm([]int{4, 512}, 1e-3)),
			pinned(tensor.F32, rmsNorm([]int{2, 256}, 1e-12)),
			pinned(tensor.F16, rmsNorm([]int{16, 2048}, 0)),
		},
	},
	OpCausalSoftmax: {
		dtypes: []tensor.DType{tensor.F16},
		rows: []row{
			each(causalSoftmax([]int{3, 4}, nil)),
			each(causalSoftmax([]int{32, 512}, nil)),
			each(causalSoftmax([]int{32, 512}, []int{1024, 1})),
			each(causalSoftmax([]int{32, 5, 5}, nil)),
			each(causalSoftmax([]int{32, 20, 512}, nil)),
			each(causalSoftmax([]int{32, 20, 512}, []int{20480, 512, 1})),
		},
	},
	OpRoPE: {
		dtypes: []tensor.DType{tensor.F16},
		rows: []row{
			each(rope([]int{1, 32, 128}, nil)),
			each(rope([]int{1, 32, 64}, nil)),
			each(rope([]int{4, 1, 32}, nil)),
			each(rope([]int{11, 33, 128}, nil)),
			each(rope([]int{3, 32, 128}, []int{8000, 200, 1})),
		},
	},
	OpRearrange: {
		dtypes: []tensor.DType{tensor.F16, tensor.F32},
		rows: []row{
			each(rearrange([]int{4, 4}, []int{1, 4}, []int{4, 1})),
			each(rearrange([]int{4, 6, 64}, []int{64, 256, 1}, []int{384, 64, 1})),
			each(rearrange([]int{2000, 2000}, []int{1, 2000}, nil)),
			each(rearrange([]int{2001, 2001}, colMajor(2001, 2001), nil)),
			each(rearrange([]int{3, 4, 7, 53, 9}, []int{1, 3, 12, 84, 4452}, nil)),
			each(rearrange([]int{3, 4, 50, 50, 5, 7}, nil, colMajor(3, 4, 50, 50, 5, 7))),
		},
	},
	OpRandomSample: {
		dtypes: []tensor.DType{tensor.F16, tensor.F32},
		rows: []row{
			each(randomSample(512, 0.8, 0.8, 3, 0.5)),
			each(randomSample(4096, 0.05, 0.9, 5, 1.0)),
			each(randomSample(16384, 0.15, 0.85, 10, 2.0)),
			each(randomSample(512, 0.08, 0, 3, 0.5)),
			each(randomSample(4096, 0.5, 0.9, 1, 1.0)),
			each(randomSample(16384, 0.15, 0, 1, 2.0)),
			each(randomSample(32000, 0.08, 0.8, 50, 1.0)),
			each(randomSample(32000, 0.08, 1.0, 25, 1.0)),
		},
	},
	OpSwiGLU: {
		dtypes: []tensor.DType{tensor.F16, tensor.F32},
		rows: []row{
			each(swiglu([]int{13, 4}, nil)),
			each(swiglu([]int{13, 4}, []int{10, 1})),
			each(swiglu([]int{16, 5632}, nil)),
			each(swiglu([]int{4, 4, 5632}, nil)),
		},
	},
}

// Operators lists the operators with a default parameter table, sorted.
func Operators() []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// DefaultDTypes returns the dtypes op is exercised with when none are
// requested.
func DefaultDTypes(op string) []tensor.DType {
	return slices.Clone(tables[op].dtypes)
}

// DefaultParams expands the parameter table of op. A non-empty dtypes list
// replaces the default dtypes of unpinned rows and filters pinned ones.
// Only floating-point dtypes are accepted.
func DefaultParams(op string, dtypes []tensor.DType) ([]Params, error) {
	t, ok := tables[op]
	if !ok {
		return nil, fmt.Errorf("testcase: unknown operator %q", op)
	}

	for _, d := range dtypes {
		if !d.IsFloat() || !d.Supported() {
			return nil, fmt.Errorf("testcase: %s: unsupported dtype %s", op, d)
		}
	}

	list := dtypes
	if len(list) == 0 {
		list = t.dtypes
	}

	var out []Params

	for _, r := range t.rows {
		if r.pinned != tensor.Invalid {
			if len(dtypes) == 0 || slices.Contains(dtypes, r.pinned) {
				out = append(out, r.build(r.pinned))
			}

			continue
		}

		for _, d := range list {
			out = append(out, r.build(d))
		}
	}

	return out, nil
}

// Generate builds every case of params with a single random stream.
func Generate(rng *tensor.Random, params []Params) ([]*TestCase, error) {
	cases := make([]*TestCase, 0, len(params))

	for _, p := range params {
		c, err := p.Generate(rng)
		if err != nil {
			return nil, fmt.Errorf("testcase: %s %s: %w", p.Op(), p, err)
		}

		cases = append(cases, c)
	}

	return cases, nil
}
