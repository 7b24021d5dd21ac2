// Package testcase models operator test cases: the stimulus tensors, the
// scalar attributes and the reference answer computed when the case is
// built.
package testcase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-opcheck/internal/fixture"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Operator names shared by fixtures, the harness and the native library
// bindings.
const (
	OpRMSNorm       = "rms_norm"
	OpCausalSoftmax = "causal_softmax"
	OpRoPE          = "rotary_embedding"
	OpRearrange     = "rearrange"
	OpRandomSample  = "random_sample"
	OpSwiGLU        = "swiglu"
)

// Role tags what a tensor is used for within a case.
type Role string

const (
	RoleInput  Role = "input"
	RoleWeight Role = "weight"
	RoleTable  Role = "table"
	RoleAnswer Role = "ans"
	RoleResult Role = "result"
)

// Attribute is a named scalar.
type Attribute struct {
	Name  string
	Value fixture.Scalar
}

// Tensor is a named, role-tagged tensor.
type Tensor struct {
	Name string
	Role Role
	View *tensor.View
}

// TestCase is one operator invocation with its expected answer. Entries keep
// insertion order. A case is immutable once built; the harness uploads
// copies of its tensors.
type TestCase struct {
	Op     string
	Params string

	attrs   []Attribute
	tensors []Tensor
}

// New starts an empty case for op.
func New(op, params string) *TestCase {
	return &TestCase{Op: op, Params: params}
}

// AddScalar appends an attribute. Names are unique across attributes and
// tensors.
func (c *TestCase) AddScalar(name string, v fixture.Scalar) error {
	if err := c.checkName(name); err != nil {
		return err
	}

	c.attrs = append(c.attrs, Attribute{Name: name, Value: v})

	return nil
}

// AddTensor appends a tensor.
func (c *TestCase) AddTensor(name string, role Role, v *tensor.View) error {
	if v == nil {
		return fmt.Errorf("testcase: %s: tensor %q is nil", c.Op, name)
	}

	if err := c.checkName(name); err != nil {
		return err
	}

	c.tensors = append(c.tensors, Tensor{Name: name, Role: role, View: v})

	return nil
}

func (c *TestCase) checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("testcase: %s: empty name", c.Op)
	}

	for _, a := range c.attrs {
		if a.Name == name {
			return fmt.Errorf("testcase: %s: duplicate name %q", c.Op, name)
		}
	}

	for _, t := range c.tensors {
		if t.Name == name {
			return fmt.Errorf("testcase: %s: duplicate name %q", c.Op, name)
		}
	}

	return nil
}

// Attributes returns the attributes in insertion order.
func (c *TestCase) Attributes() []Attribute {
	return append([]Attribute(nil), c.attrs...)
}

// Tensors returns the tensors in insertion order.
func (c *TestCase) Tensors() []Tensor {
	return append([]Tensor(nil), c.tensors...)
}

// Attribute looks up an attribute by name.
func (c *TestCase) Attribute(name string) (fixture.Scalar, bool) {
	for _, a := range c.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}

	return fixture.Scalar{}, false
}

// Tensor looks up a tensor by name.
func (c *TestCase) Tensor(name string) (*tensor.View, bool) {
	for _, t := range c.tensors {
		if t.Name == name {
			return t.View, true
		}
	}

	return nil, false
}

// DType is the storage dtype of the case's first input tensor.
func (c *TestCase) DType() tensor.DType {
	for _, t := range c.tensors {
		if t.Role == RoleInput {
			return t.View.DType()
		}
	}

	return tensor.Invalid
}

// Write serializes the case through w.
func (c *TestCase) Write(w fixture.Writer) error {
	if err := w.BeginCase(c.Op); err != nil {
		return err
	}

	for _, a := range c.attrs {
		if err := w.WriteScalar(a.Name, a.Value); err != nil {
			return fmt.Errorf("testcase: %s: %w", c.Op, err)
		}
	}

	for _, t := range c.tensors {
		if err := w.WriteTensor(t.Name, t.View); err != nil {
			return fmt.Errorf("testcase: %s: %w", c.Op, err)
		}
	}

	return nil
}

// WriteAll serializes cases in order.
func WriteAll(w fixture.Writer, cases []*TestCase) error {
	for _, c := range cases {
		if err := c.Write(w); err != nil {
			return err
		}
	}

	return nil
}

// FromFixture rebuilds a case decoded from a fixture file. Roles are
// recovered from the conventional names.
func FromFixture(fc *fixture.Case) (*TestCase, error) {
	if fc == nil {
		return nil, errors.New("testcase: nil fixture case")
	}

	c := New(fc.Op, fmt.Sprintf("fixture case %d", fc.Index))

	for _, name := range fc.AttributeNames() {
		if err := c.AddScalar(name, fc.Attributes[name]); err != nil {
			return nil, err
		}
	}

	for _, name := range fc.TensorNames() {
		if err := c.AddTensor(name, roleOf(fc.Op, name), fc.Tensors[name]); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func roleOf(op, name string) Role {
	switch name {
	case "ans":
		return RoleAnswer
	case "result", "y", "c":
		return RoleResult
	case "weight":
		return RoleWeight
	case "sin_table", "cos_table", "pos_ids":
		return RoleTable
	}

	if op == OpSwiGLU && name == "b" {
		return RoleWeight
	}

	return RoleInput
}
