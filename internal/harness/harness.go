// Package harness drives native operators through their descriptor
// lifecycle and checks the results against the reference oracles.
//
// A case moves through BUILT, DESCRIBED, SIZED, EXECUTED and COMPARED, then
// is torn down: every device buffer, tensor descriptor, operator descriptor
// and workspace acquired along the way is released on every exit path.
package harness

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-opcheck/internal/oplib"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Backend is the device surface the harness drives. *oplib.Session
// implements it.
type Backend interface {
	Handle() oplib.Handle
	Device() oplib.Device
	Malloc(size uint64) (oplib.Ptr, error)
	Free(p oplib.Ptr) error
	Upload(dst oplib.Ptr, src []byte) error
	Download(dst []byte, src oplib.Ptr) error
	Synchronize() error
	CreateTensorDescriptor(v *tensor.View) (oplib.TensorDesc, error)
	DestroyTensorDescriptor(d oplib.TensorDesc) error
	Kernel(op string) (oplib.Kernel, error)
	Close() error
}

var _ Backend = (*oplib.Session)(nil)

// State is a step of the per-case lifecycle.
type State int

const (
	StateBuilt State = iota
	StateDescribed
	StateSized
	StateExecuted
	StateCompared
)

var stateNames = [...]string{"BUILT", "DESCRIBED", "SIZED", "EXECUTED", "COMPARED"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome classifies a finished case.
type Outcome string

const (
	OutcomePassed           Outcome = "PASSED"
	OutcomeInvalidCase      Outcome = "INVALID_CASE"
	OutcomeCreationFailed   Outcome = "OP_CREATION_FAILED"
	OutcomeAllocationFailed Outcome = "ALLOCATION_FAILED"
	OutcomeExecutionFailed  Outcome = "OP_EXECUTION_FAILED"
	OutcomeIncorrect        Outcome = "RESULT_INCORRECT"
	OutcomeReleaseFailed    Outcome = "RELEASE_FAILED"
)

// Outcomes lists every outcome in report order.
var Outcomes = []Outcome{
	OutcomePassed,
	OutcomeIncorrect,
	OutcomeExecutionFailed,
	OutcomeCreationFailed,
	OutcomeAllocationFailed,
	OutcomeReleaseFailed,
	OutcomeInvalidCase,
}

// AllocationError reports a failed device allocation or upload.
type AllocationError struct {
	What string
	Size uint64
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("harness: allocate %s (%d bytes): %v", e.What, e.Size, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Operand is one tensor argument, in the operator's ABI order. Output
// operands are read back after execution and compared.
type Operand struct {
	Name   string
	View   *tensor.View
	Output bool
}

// Case is a fully prepared native invocation.
type Case struct {
	Op        string
	Params    string
	DType     tensor.DType
	Operands  []Operand
	Attrs     oplib.Attrs
	Expected  map[string]*tensor.View
	Tolerance ops.Tolerance
	// Oracle recomputes the reference result; it is timed when profiling.
	Oracle func() error
}

// Profile holds mean per-iteration wall time of each path.
type Profile struct {
	Warmups    int
	Iterations int
	Oracle     time.Duration
	Native     time.Duration
}

// Result is the record of one case on one device. State is the last
// lifecycle step completed before release; Destroyed reports that the
// operator descriptor was released.
type Result struct {
	Op             string
	Params         string
	Device         oplib.Device
	DType          tensor.DType
	State          State
	Destroyed      bool
	Outcome        Outcome
	Err            error
	Mismatch       *ops.MismatchError
	MaxAbsErr      float64
	WorkspaceBytes uint64
	Profile        *Profile
	Elapsed        time.Duration
}

func (r Result) Passed() bool { return r.Outcome == OutcomePassed }

// Options tunes a Harness.
type Options struct {
	Profile    bool
	Warmups    int
	Iterations int
	Logger     *slog.Logger
}

// Harness runs cases on one backend, one at a time.
type Harness struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

func New(b Backend, opts Options) *Harness {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Harness{backend: b, opts: opts, logger: logger}
}

// buffer is a device copy of one operand.
type buffer struct {
	operand Operand
	ptr     oplib.Ptr
	size    uint64
}

// Run executes c and reports how far it got. Run never panics on native
// failures and never leaves resources behind.
func (h *Harness) Run(c Case) (res Result) {
	start := time.Now()
	res = Result{Op: c.Op, Params: c.Params, Device: h.backend.Device(), DType: c.DType, State: StateBuilt}

	var released []error

	fail := func(o Outcome, err error) Result {
		res.Outcome = o
		res.Err = err

		return res
	}

	defer func() {
		if err := errors.Join(released...); err != nil {
			res.Err = errors.Join(res.Err, err)
			if res.Outcome == OutcomePassed {
				res.Outcome = OutcomeReleaseFailed
			}
		}

		res.Elapsed = time.Since(start)
		h.logger.Debug("case finished",
			"op", res.Op,
			"device", res.Device.String(),
			"dtype", res.DType.String(),
			"state", res.State.String(),
			"destroyed", res.Destroyed,
			"outcome", string(res.Outcome),
			"elapsed", res.Elapsed)
	}()

	if err := validate(c); err != nil {
		return fail(OutcomeInvalidCase, err)
	}

	kernel, err := h.backend.Kernel(c.Op)
	if err != nil {
		return fail(OutcomeCreationFailed, err)
	}

	buffers := make([]buffer, 0, len(c.Operands))

	defer func() {
		for _, b := range buffers {
			if err := h.backend.Free(b.ptr); err != nil {
				released = append(released, fmt.Errorf("harness: free %s: %w", b.operand.Name, err))
			}
		}
	}()

	for _, op := range c.Operands {
		data := op.View.Bytes()
		size := uint64(len(data))

		ptr, err := h.backend.Malloc(size)
		if err != nil {
			return fail(OutcomeAllocationFailed, &AllocationError{What: op.Name, Size: size, Err: err})
		}

		buffers = append(buffers, buffer{operand: op, ptr: ptr, size: size})

		if err := h.backend.Upload(ptr, data); err != nil {
			return fail(OutcomeAllocationFailed, &AllocationError{What: op.Name + " upload", Size: size, Err: err})
		}
	}

	descs := make([]oplib.TensorDesc, 0, len(c.Operands))
	destroyDescs := func() {
		for _, d := range descs {
			if err := h.backend.DestroyTensorDescriptor(d); err != nil {
				released = append(released, fmt.Errorf("harness: destroy tensor descriptor: %w", err))
			}
		}

		descs = nil
	}

	defer destroyDescs()

	for _, op := range c.Operands {
		d, err := h.backend.CreateTensorDescriptor(op.View)
		if err != nil {
			return fail(OutcomeCreationFailed, fmt.Errorf("harness: describe %s: %w", op.Name, err))
		}

		descs = append(descs, d)
	}

	desc, err := kernel.Create(h.backend.Handle(), descs, c.Attrs)

	// The operator descriptor owns its layout from here on.
	destroyDescs()

	if err != nil {
		return fail(OutcomeCreationFailed, err)
	}

	res.State = StateDescribed

	defer func() {
		if err := kernel.Destroy(desc); err != nil {
			released = append(released, fmt.Errorf("harness: destroy %s descriptor: %w", c.Op, err))
			return
		}

		res.Destroyed = true
	}()

	wsSize, err := kernel.WorkspaceSize(desc)
	if err != nil {
		return fail(OutcomeCreationFailed, err)
	}

	ws, err := h.backend.Malloc(wsSize)
	if err != nil {
		return fail(OutcomeAllocationFailed, &AllocationError{What: "workspace", Size: wsSize, Err: err})
	}

	defer func() {
		if err := h.backend.Free(ws); err != nil {
			released = append(released, fmt.Errorf("harness: free workspace: %w", err))
		}
	}()

	res.WorkspaceBytes = wsSize
	res.State = StateSized

	ptrs := make([]oplib.Ptr, len(buffers))
	for i, b := range buffers {
		ptrs[i] = b.ptr
	}

	if err := kernel.Run(desc, ws, wsSize, ptrs, c.Attrs); err != nil {
		return fail(OutcomeExecutionFailed, err)
	}

	if err := h.backend.Synchronize(); err != nil {
		return fail(OutcomeExecutionFailed, err)
	}

	res.State = StateExecuted

	for _, b := range buffers {
		if !b.operand.Output {
			continue
		}

		actual, err := h.readBack(b)
		if err != nil {
			return fail(OutcomeExecutionFailed, err)
		}

		expected := c.Expected[b.operand.Name]
		res.MaxAbsErr = max(res.MaxAbsErr, ops.MaxAbsError(actual, expected))

		if err := ops.AllClose(actual, expected, c.Tolerance); err != nil {
			var mm *ops.MismatchError
			if errors.As(err, &mm) {
				res.Mismatch = mm
			}

			return fail(OutcomeIncorrect, fmt.Errorf("harness: %s: %w", b.operand.Name, err))
		}
	}

	res.State = StateCompared

	if h.opts.Profile {
		p, err := h.profile(c, kernel, desc, ws, wsSize, ptrs)
		if err != nil {
			return fail(OutcomeExecutionFailed, err)
		}

		res.Profile = p
	}

	res.Outcome = OutcomePassed

	return res
}

func (h *Harness) readBack(b buffer) (*tensor.View, error) {
	data := make([]byte, b.size)
	if err := h.backend.Download(data, b.ptr); err != nil {
		return nil, fmt.Errorf("harness: read back %s: %w", b.operand.Name, err)
	}

	v := b.operand.View

	return tensor.New(v.DType(), v.Shape(), v.Strides(), data)
}

func (h *Harness) profile(c Case, k oplib.Kernel, desc oplib.Descriptor, ws oplib.Ptr, wsSize uint64, ptrs []oplib.Ptr) (*Profile, error) {
	warmups, iters := max(h.opts.Warmups, 0), max(h.opts.Iterations, 1)
	p := &Profile{Warmups: warmups, Iterations: iters}

	native := func() error { return k.Run(desc, ws, wsSize, ptrs, c.Attrs) }

	elapsed, err := timeLoop(native, h.backend.Synchronize, warmups, iters)
	if err != nil {
		return nil, fmt.Errorf("harness: profile native %s: %w", c.Op, err)
	}

	p.Native = elapsed

	if c.Oracle != nil {
		elapsed, err = timeLoop(c.Oracle, nil, warmups, iters)
		if err != nil {
			return nil, fmt.Errorf("harness: profile oracle %s: %w", c.Op, err)
		}

		p.Oracle = elapsed
	}

	return p, nil
}

// timeLoop runs fn warmups times, then iters timed times, and returns the
// mean duration. sync, when set, fences the device before the clock is read.
func timeLoop(fn, sync func() error, warmups, iters int) (time.Duration, error) {
	for range warmups {
		if err := fn(); err != nil {
			return 0, err
		}
	}

	if sync != nil {
		if err := sync(); err != nil {
			return 0, err
		}
	}

	start := time.Now()

	for range iters {
		if err := fn(); err != nil {
			return 0, err
		}
	}

	if sync != nil {
		if err := sync(); err != nil {
			return 0, err
		}
	}

	return time.Since(start) / time.Duration(iters), nil
}

func validate(c Case) error {
	if c.Op == "" {
		return errors.New("harness: case has no operator")
	}

	if len(c.Operands) == 0 {
		return fmt.Errorf("harness: %s: no operands", c.Op)
	}

	outputs := 0

	for _, op := range c.Operands {
		if op.View == nil {
			return fmt.Errorf("harness: %s: operand %q has no tensor", c.Op, op.Name)
		}

		if !op.Output {
			continue
		}

		outputs++

		exp, ok := c.Expected[op.Name]
		if !ok || exp == nil {
			return fmt.Errorf("harness: %s: no expected value for output %q", c.Op, op.Name)
		}

		if !tensor.SameShape(exp, op.View) {
			return fmt.Errorf("harness: %s: output %q has shape %v, expected %v", c.Op, op.Name, op.View.Shape(), exp.Shape())
		}
	}

	if outputs == 0 {
		return fmt.Errorf("harness: %s: no output operand", c.Op)
	}

	return nil
}
