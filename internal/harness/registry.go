package harness

import (
	"fmt"
	"slices"

	"github.com/example/go-opcheck/internal/oplib"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
	"github.com/example/go-opcheck/internal/testcase"
)

// Definition describes how a test case of one operator becomes a native
// invocation. Attributes and Tensors are required in every case, including
// cases replayed from fixtures.
type Definition struct {
	Op         string
	Attributes []string
	Tensors    []string
	Build      func(c *testcase.TestCase, tol ops.Tolerance) (Case, error)
}

// Registry maps operator names to definitions and picks tolerances from a
// policy.
type Registry struct {
	defs   map[string]Definition
	policy *ops.Policy
}

// NewRegistry returns a registry holding every built-in operator. A nil
// policy selects ops.DefaultPolicy.
func NewRegistry(policy *ops.Policy) *Registry {
	if policy == nil {
		policy = ops.DefaultPolicy()
	}

	r := &Registry{defs: make(map[string]Definition), policy: policy}
	for _, d := range builtins() {
		r.Register(d)
	}

	return r
}

// Register adds or replaces d.
func (r *Registry) Register(d Definition) {
	r.defs[d.Op] = d
}

func (r *Registry) Lookup(op string) (Definition, bool) {
	d, ok := r.defs[op]
	return d, ok
}

// Ops returns the registered operator names, sorted.
func (r *Registry) Ops() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Build checks c against its definition and prepares it for the harness.
func (r *Registry) Build(c *testcase.TestCase) (Case, error) {
	d, ok := r.defs[c.Op]
	if !ok {
		return Case{}, fmt.Errorf("harness: unknown operator %q", c.Op)
	}

	for _, name := range d.Attributes {
		if _, ok := c.Attribute(name); !ok {
			return Case{}, fmt.Errorf("harness: %s: missing attribute %q", c.Op, name)
		}
	}

	for _, name := range d.Tensors {
		if _, ok := c.Tensor(name); !ok {
			return Case{}, fmt.Errorf("harness: %s: missing tensor %q", c.Op, name)
		}
	}

	tol, err := r.policy.Lookup(c.Op, c.DType())
	if err != nil {
		return Case{}, err
	}

	hc, err := d.Build(c, tol)
	if err != nil {
		return Case{}, err
	}

	hc.Op = c.Op
	hc.Params = c.Params
	hc.DType = c.DType()
	hc.Tolerance = tol

	return hc, nil
}

func builtins() []Definition {
	return []Definition{
		{
			Op:         testcase.OpRMSNorm,
			Attributes: []string{"epsilon"},
			Tensors:    []string{"input", "weight", "ans", "result"},
			Build: func(c *testcase.TestCase, _ ops.Tolerance) (Case, error) {
				eps, _ := c.Attribute("epsilon")

				return standard(c, "result", func() error {
					_, err := ops.RMSNorm(must(c, "input"), must(c, "weight"), eps.Float64())
					return err
				})
			},
		},
		{
			Op:      testcase.OpCausalSoftmax,
			Tensors: []string{"data", "ans"},
			Build: func(c *testcase.TestCase, _ ops.Tolerance) (Case, error) {
				return standard(c, "data", func() error {
					_, err := ops.CausalSoftmax(must(c, "data"))
					return err
				})
			},
		},
		{
			Op:      testcase.OpRoPE,
			Tensors: []string{"t", "pos_ids", "sin_table", "cos_table", "ans"},
			Build: func(c *testcase.TestCase, _ ops.Tolerance) (Case, error) {
				theta := float64(testcase.DefaultTheta)
				if s, ok := c.Attribute("theta"); ok {
					theta = s.Float64()
				}

				return standard(c, "t", func() error {
					_, err := ops.RoPE(must(c, "t"), must(c, "pos_ids"), theta)
					return err
				})
			},
		},
		{
			Op:      testcase.OpRearrange,
			Tensors: []string{"x", "y", "ans"},
			Build: func(c *testcase.TestCase, _ ops.Tolerance) (Case, error) {
				return standard(c, "y", func() error {
					_, err := ops.Rearrange(must(c, "x"))
					return err
				})
			},
		},
		{
			Op:         testcase.OpRandomSample,
			Attributes: []string{"random_val", "topp", "topk", "temperature"},
			Tensors:    []string{"data", "ans"},
			Build:      buildRandomSample,
		},
		{
			Op:      testcase.OpSwiGLU,
			Tensors: []string{"a", "b", "c", "ans"},
			Build: func(c *testcase.TestCase, _ ops.Tolerance) (Case, error) {
				return standard(c, "c", func() error {
					_, err := ops.SwiGLU(must(c, "a"), must(c, "b"))
					return err
				})
			},
		},
	}
}

// must returns a tensor Registry.Build has already checked for.
func must(c *testcase.TestCase, name string) *tensor.View {
	v, _ := c.Tensor(name)
	return v
}

// attrs converts case attributes into native scalar arguments.
func attrs(c *testcase.TestCase) oplib.Attrs {
	a := make(oplib.Attrs)
	for _, attr := range c.Attributes() {
		a[attr.Name] = attr.Value.Float64()
	}

	return a
}

// standard lays out the operands of c in ABI order with output as the
// single compared operand, checked against "ans". Operands are cloned so
// device uploads never alias the immutable case.
func standard(c *testcase.TestCase, output string, oracle func() error) (Case, error) {
	names, err := oplib.Operands(c.Op)
	if err != nil {
		return Case{}, err
	}

	hc := Case{Attrs: attrs(c), Expected: map[string]*tensor.View{}, Oracle: oracle}

	for _, name := range names {
		v, ok := c.Tensor(name)
		if !ok {
			return Case{}, fmt.Errorf("harness: %s: missing operand %q", c.Op, name)
		}

		hc.Operands = append(hc.Operands, Operand{Name: name, View: v.Clone(), Output: name == output})
	}

	hc.Expected[output] = must(c, "ans")

	return hc, nil
}

// buildRandomSample allocates the rank-0 i64 index slot the native sampler
// writes and turns the recorded answer into the same shape.
func buildRandomSample(c *testcase.TestCase, _ ops.Tolerance) (Case, error) {
	data := must(c, "data")
	ans := must(c, "ans")

	if ans.NumElements() != 1 {
		return Case{}, fmt.Errorf("harness: %s: answer has %d elements, want 1", c.Op, ans.NumElements())
	}

	result, err := tensor.Zeros(tensor.I64, nil)
	if err != nil {
		return Case{}, err
	}

	want, err := tensor.FromFloat64(tensor.I64, nil, []float64{ans.Float64s()[0]})
	if err != nil {
		return Case{}, err
	}

	get := func(name string) float64 {
		s, _ := c.Attribute(name)
		return s.Float64()
	}

	topk, _ := c.Attribute("topk")
	params := ops.SampleParams{
		RandomVal:   get("random_val"),
		TopP:        get("topp"),
		TopK:        topk.Int(),
		Temperature: get("temperature"),
	}

	scores := data.Float64s()

	return Case{
		Attrs: attrs(c),
		Operands: []Operand{
			{Name: "result", View: result, Output: true},
			{Name: "data", View: data.Clone()},
		},
		Expected: map[string]*tensor.View{"result": want},
		Oracle: func() error {
			_, err := ops.RandomSample(scores, params)
			return err
		},
	}, nil
}
