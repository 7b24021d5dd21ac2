package testcase

import (
	"fmt"

	"github.com/example/go-opcheck/internal/fixture"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Params is one row of an operator's parameter table. Generate builds the
// stimulus from rng and computes the expected answer.
type Params interface {
	Op() string
	DType() tensor.DType
	String() string
	Generate(rng *tensor.Random) (*TestCase, error)
}

// DefaultEpsilon is the RMSNorm epsilon used when a table row leaves it
// unset.
const DefaultEpsilon = 1e-5

// DefaultTheta is the RoPE base.
const DefaultTheta = 1e4

// strided returns v re-laid out with strides, or v itself when strides is
// nil.
func strided(v *tensor.View, strides []int) (*tensor.View, error) {
	if strides == nil {
		return v, nil
	}

	return v.Rearrange(strides)
}

// placeholder is a zero tensor with the given layout.
func placeholder(dtype tensor.DType, shape, strides []int) (*tensor.View, error) {
	z, err := tensor.Zeros(dtype, shape)
	if err != nil {
		return nil, err
	}

	return strided(z, strides)
}

func layout(shape, strides []int) string {
	if strides == nil {
		return fmt.Sprintf("shape=%v", shape)
	}

	return fmt.Sprintf("shape=%v strides=%v", shape, strides)
}

// RMSNormParams describes one rms_norm case. The weight vector spans the
// last axis and shares the input dtype.
type RMSNormParams struct {
	Shape   []int
	Strides []int
	Type    tensor.DType
	Epsilon float64
}

func (p RMSNormParams) Op() string          { return OpRMSNorm }
func (p RMSNormParams) DType() tensor.DType { return p.Type }

func (p RMSNormParams) String() string {
	return fmt.Sprintf("%s epsilon=%g dtype=%s", layout(p.Shape, p.Strides), p.epsilon(), p.Type)
}

func (p RMSNormParams) epsilon() float64 {
	if p.Epsilon == 0 {
		return DefaultEpsilon
	}

	return p.Epsilon
}

func (p RMSNormParams) Generate(rng *tensor.Random) (*TestCase, error) {
	if len(p.Shape) == 0 {
		return nil, fmt.Errorf("testcase: %s: empty shape", OpRMSNorm)
	}

	x, err := rng.Uniform(p.Type, p.Shape, -1, 1)
	if err != nil {
		return nil, err
	}

	w, err := rng.Uniform(p.Type, []int{p.Shape[len(p.Shape)-1]}, 0.5, 1.5)
	if err != nil {
		return nil, err
	}

	// The oracle sees the epsilon the fixture will carry.
	eps := float32(p.epsilon())

	// Answers are computed from the stored layout: a zero stride aliases
	// elements, so the stored input can differ from x.
	input, err := strided(x, p.Strides)
	if err != nil {
		return nil, err
	}

	ans, err := ops.RMSNorm(input, w, float64(eps))
	if err != nil {
		return nil, err
	}

	result, err := placeholder(p.Type, p.Shape, p.Strides)
	if err != nil {
		return nil, err
	}

	c := New(OpRMSNorm, p.String())

	return built(c,
		c.AddScalar("epsilon", fixture.Float32(eps)),
		c.AddTensor("input", RoleInput, input),
		c.AddTensor("weight", RoleWeight, w),
		c.AddTensor("ans", RoleAnswer, ans),
		c.AddTensor("result", RoleResult, result),
	)
}

// CausalSoftmaxParams describes one in-place causal_softmax case.
type CausalSoftmaxParams struct {
	Shape   []int
	Strides []int
	Type    tensor.DType
}

func (p CausalSoftmaxParams) Op() string          { return OpCausalSoftmax }
func (p CausalSoftmaxParams) DType() tensor.DType { return p.Type }

func (p CausalSoftmaxParams) String() string {
	return fmt.Sprintf("%s dtype=%s", layout(p.Shape, p.Strides), p.Type)
}

func (p CausalSoftmaxParams) Generate(rng *tensor.Random) (*TestCase, error) {
	x, err := rng.Uniform(p.Type, p.Shape, -1, 1)
	if err != nil {
		return nil, err
	}

	data, err := strided(x, p.Strides)
	if err != nil {
		return nil, err
	}

	ans, err := ops.CausalSoftmax(data)
	if err != nil {
		return nil, err
	}

	c := New(OpCausalSoftmax, p.String())

	return built(c,
		c.AddTensor("data", RoleInput, data),
		c.AddTensor("ans", RoleAnswer, ans),
	)
}

// RoPEParams describes one rotary_embedding case over t shaped
// [tokens, heads, head_dim]. Position ids are 0..tokens-1 stored as u32.
type RoPEParams struct {
	Shape   []int
	Strides []int
	Type    tensor.DType
	Theta   float64
}

func (p RoPEParams) Op() string          { return OpRoPE }
func (p RoPEParams) DType() tensor.DType { return p.Type }

func (p RoPEParams) String() string {
	return fmt.Sprintf("%s theta=%g dtype=%s", layout(p.Shape, p.Strides), p.theta(), p.Type)
}

func (p RoPEParams) theta() float64 {
	if p.Theta == 0 {
		return DefaultTheta
	}

	return p.Theta
}

func (p RoPEParams) Generate(rng *tensor.Random) (*TestCase, error) {
	if len(p.Shape) != 3 {
		return nil, fmt.Errorf("testcase: %s: shape %v is not [tokens, heads, head_dim]", OpRoPE, p.Shape)
	}

	theta := float64(float32(p.theta()))
	nt, dh := p.Shape[0], p.Shape[2]

	x, err := rng.Uniform(p.Type, p.Shape, -1, 1)
	if err != nil {
		return nil, err
	}

	pos, err := tensor.Arange(tensor.U32, nt)
	if err != nil {
		return nil, err
	}

	t, err := strided(x, p.Strides)
	if err != nil {
		return nil, err
	}

	ans, err := ops.RoPE(t, pos, theta)
	if err != nil {
		return nil, err
	}

	sin, cos, err := ops.SinCosTable(nt, dh, theta)
	if err != nil {
		return nil, err
	}

	c := New(OpRoPE, p.String())

	return built(c,
		c.AddScalar("theta", fixture.Float32(float32(theta))),
		c.AddTensor("t", RoleInput, t),
		c.AddTensor("pos_ids", RoleTable, pos),
		c.AddTensor("sin_table", RoleTable, sin),
		c.AddTensor("cos_table", RoleTable, cos),
		c.AddTensor("ans", RoleAnswer, ans),
	)
}

// RearrangeParams copies x laid out with XStrides into y laid out with
// YStrides. Nil strides mean row-major.
type RearrangeParams struct {
	Shape    []int
	XStrides []int
	YStrides []int
	Type     tensor.DType
}

func (p RearrangeParams) Op() string          { return OpRearrange }
func (p RearrangeParams) DType() tensor.DType { return p.Type }

func (p RearrangeParams) String() string {
	return fmt.Sprintf("shape=%v x_strides=%v y_strides=%v dtype=%s", p.Shape, p.XStrides, p.YStrides, p.Type)
}

func (p RearrangeParams) Generate(rng *tensor.Random) (*TestCase, error) {
	src, err := rng.Uniform(p.Type, p.Shape, -1, 1)
	if err != nil {
		return nil, err
	}

	x, err := strided(src, p.XStrides)
	if err != nil {
		return nil, err
	}

	ans, err := ops.Rearrange(x)
	if err != nil {
		return nil, err
	}

	y, err := placeholder(p.Type, p.Shape, p.YStrides)
	if err != nil {
		return nil, err
	}

	c := New(OpRearrange, p.String())

	return built(c,
		c.AddTensor("x", RoleInput, x),
		c.AddTensor("y", RoleResult, y),
		c.AddTensor("ans", RoleAnswer, ans),
	)
}

// RandomSampleParams describes one random_sample case over a score vector
// of length Voc drawn from [0, 1).
type RandomSampleParams struct {
	Voc         int
	RandomVal   float64
	TopP        float64
	TopK        int
	Temperature float64
	Type        tensor.DType
}

func (p RandomSampleParams) Op() string          { return OpRandomSample }
func (p RandomSampleParams) DType() tensor.DType { return p.Type }

func (p RandomSampleParams) String() string {
	return fmt.Sprintf("voc=%d random_val=%g topp=%g topk=%d temperature=%g dtype=%s",
		p.Voc, p.RandomVal, p.TopP, p.TopK, p.Temperature, p.Type)
}

// Sampling returns the sampler settings as the native library receives
// them, rounded through float32.
func (p RandomSampleParams) Sampling() ops.SampleParams {
	return ops.SampleParams{
		RandomVal:   float64(float32(p.RandomVal)),
		TopP:        float64(float32(p.TopP)),
		TopK:        p.TopK,
		Temperature: float64(float32(p.Temperature)),
	}
}

func (p RandomSampleParams) Generate(rng *tensor.Random) (*TestCase, error) {
	if p.Voc <= 0 {
		return nil, fmt.Errorf("testcase: %s: vocabulary size must be positive, got %d", OpRandomSample, p.Voc)
	}

	data, err := rng.Uniform(p.Type, []int{p.Voc}, 0, 1)
	if err != nil {
		return nil, err
	}

	sp := p.Sampling()

	pick, err := ops.RandomSample(data.Float64s(), sp)
	if err != nil {
		return nil, err
	}

	// The chosen index is kept at full precision so a vocabulary larger than
	// the data dtype can represent still compares exactly.
	ans, err := tensor.FromFloat64(tensor.F64, []int{1}, []float64{float64(pick.Index)})
	if err != nil {
		return nil, err
	}

	c := New(OpRandomSample, p.String())

	return built(c,
		c.AddScalar("voc", fixture.Int32(int32(p.Voc))),
		c.AddScalar("random_val", fixture.Float32(float32(sp.RandomVal))),
		c.AddScalar("topp", fixture.Float32(float32(sp.TopP))),
		c.AddScalar("topk", fixture.Int32(int32(sp.TopK))),
		c.AddScalar("temperature", fixture.Float32(float32(sp.Temperature))),
		c.AddTensor("data", RoleInput, data),
		c.AddTensor("ans", RoleAnswer, ans),
	)
}

// SwiGLUParams describes c = a * b * sigmoid(b). Each operand may carry its
// own strides.
type SwiGLUParams struct {
	Shape    []int
	AStrides []int
	BStrides []int
	CStrides []int
	Type     tensor.DType
}

func (p SwiGLUParams) Op() string          { return OpSwiGLU }
func (p SwiGLUParams) DType() tensor.DType { return p.Type }

func (p SwiGLUParams) String() string {
	return fmt.Sprintf("shape=%v a_strides=%v b_strides=%v c_strides=%v dtype=%s",
		p.Shape, p.AStrides, p.BStrides, p.CStrides, p.Type)
}

func (p SwiGLUParams) Generate(rng *tensor.Random) (*TestCase, error) {
	a, err := rng.Uniform(p.Type, p.Shape, -1, 1)
	if err != nil {
		return nil, err
	}

	b, err := rng.Uniform(p.Type, p.Shape, -1, 1)
	if err != nil {
		return nil, err
	}

	as, err := strided(a, p.AStrides)
	if err != nil {
		return nil, err
	}

	bs, err := strided(b, p.BStrides)
	if err != nil {
		return nil, err
	}

	ans, err := ops.SwiGLU(as, bs)
	if err != nil {
		return nil, err
	}

	out, err := placeholder(p.Type, p.Shape, p.CStrides)
	if err != nil {
		return nil, err
	}

	c := New(OpSwiGLU, p.String())

	return built(c,
		c.AddTensor("a", RoleInput, as),
		c.AddTensor("b", RoleWeight, bs),
		c.AddTensor("c", RoleResult, out),
		c.AddTensor("ans", RoleAnswer, ans),
	)
}

// built returns c unless one of the Add calls failed.
func built(c *TestCase, errs ...error) (*TestCase, error) {
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}
