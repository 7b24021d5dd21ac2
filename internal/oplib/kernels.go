//go:build darwin || linux

package oplib

import (
	"fmt"

	"github.com/example/go-opcheck/internal/testcase"
)

// nullStream asks for synchronous execution on the default stream.
const nullStream uintptr = 0

// kernel adapts the typed entry points of one operator to Kernel.
type kernel struct {
	op        string
	arity     int
	create    func(h Handle, t []TensorDesc, a Attrs) (int32, Descriptor, error)
	workspace func(d uintptr, size *uint64) int32
	run       func(d Descriptor, ws Ptr, wsSize uint64, b []Ptr, a Attrs) (int32, error)
	destroy   func(d uintptr) int32
}

func (k *kernel) Op() string { return k.op }

func (k *kernel) Create(h Handle, tensors []TensorDesc, attrs Attrs) (Descriptor, error) {
	if len(tensors) != k.arity {
		return 0, fmt.Errorf("oplib: %s takes %d tensor descriptors, got %d", k.op, k.arity, len(tensors))
	}

	status, d, err := k.create(h, tensors, attrs)
	if err != nil {
		return 0, err
	}

	if err := check(k.op+" create", status); err != nil {
		return 0, err
	}

	return d, nil
}

func (k *kernel) WorkspaceSize(d Descriptor) (uint64, error) {
	if k.workspace == nil {
		return 0, nil
	}

	var n uint64
	if err := check(k.op+" workspace size", k.workspace(uintptr(d), &n)); err != nil {
		return 0, err
	}

	return n, nil
}

func (k *kernel) Run(d Descriptor, ws Ptr, wsSize uint64, buffers []Ptr, attrs Attrs) error {
	if len(buffers) != k.arity {
		return fmt.Errorf("oplib: %s takes %d buffers, got %d", k.op, k.arity, len(buffers))
	}

	status, err := k.run(d, ws, wsSize, buffers, attrs)
	if err != nil {
		return err
	}

	return check(k.op+" execute", status)
}

func (k *kernel) Destroy(d Descriptor) error {
	return check(k.op+" destroy", k.destroy(uintptr(d)))
}

func (l *Library) bindKernel(op string) (Kernel, error) {
	switch op {
	case testcase.OpRMSNorm:
		return l.bindRMSNorm()
	case testcase.OpCausalSoftmax:
		return l.bindCausalSoftmax()
	case testcase.OpRoPE:
		return l.bindRoPE()
	case testcase.OpRearrange:
		return l.bindRearrange()
	case testcase.OpRandomSample:
		return l.bindRandomSample()
	case testcase.OpSwiGLU:
		return l.bindSwiGLU()
	default:
		return nil, fmt.Errorf("oplib: no native binding for operator %q", op)
	}
}

func (l *Library) bindRMSNorm() (Kernel, error) {
	var (
		create  func(h uintptr, d *uintptr, y, x, w uintptr, eps float32) int32
		size    func(d uintptr, n *uint64) int32
		execute func(d, ws uintptr, wsSize uint64, y, x, w, stream uintptr) int32
		destroy func(d uintptr) int32
	)

	if err := l.resolve(testcase.OpRMSNorm, &create, &size, &execute, &destroy); err != nil {
		return nil, err
	}

	return &kernel{
		op:    testcase.OpRMSNorm,
		arity: 3,
		create: func(h Handle, t []TensorDesc, a Attrs) (int32, Descriptor, error) {
			eps, err := a.Float32("epsilon")
			if err != nil {
				return 0, 0, err
			}

			var d uintptr
			status := create(uintptr(h), &d, uintptr(t[0]), uintptr(t[1]), uintptr(t[2]), eps)

			return status, Descriptor(d), nil
		},
		workspace: size,
		run: func(d Descriptor, ws Ptr, wsSize uint64, b []Ptr, _ Attrs) (int32, error) {
			return execute(uintptr(d), uintptr(ws), wsSize, uintptr(b[0]), uintptr(b[1]), uintptr(b[2]), nullStream), nil
		},
		destroy: destroy,
	}, nil
}

func (l *Library) bindCausalSoftmax() (Kernel, error) {
	var (
		create  func(h uintptr, d *uintptr, data uintptr) int32
		size    func(d uintptr, n *uint64) int32
		execute func(d, ws uintptr, wsSize uint64, data, stream uintptr) int32
		destroy func(d uintptr) int32
	)

	if err := l.resolve(testcase.OpCausalSoftmax, &create, &size, &execute, &destroy); err != nil {
		return nil, err
	}

	return &kernel{
		op:    testcase.OpCausalSoftmax,
		arity: 1,
		create: func(h Handle, t []TensorDesc, _ Attrs) (int32, Descriptor, error) {
			var d uintptr
			status := create(uintptr(h), &d, uintptr(t[0]))

			return status, Descriptor(d), nil
		},
		workspace: size,
		run: func(d Descriptor, ws Ptr, wsSize uint64, b []Ptr, _ Attrs) (int32, error) {
			return execute(uintptr(d), uintptr(ws), wsSize, uintptr(b[0]), nullStream), nil
		},
		destroy: destroy,
	}, nil
}

func (l *Library) bindRoPE() (Kernel, error) {
	var (
		create  func(h uintptr, d *uintptr, t, pos, sin, cos uintptr) int32
		size    func(d uintptr, n *uint64) int32
		execute func(d, ws uintptr, wsSize uint64, t, pos, sin, cos, stream uintptr) int32
		destroy func(d uintptr) int32
	)

	if err := l.resolve(testcase.OpRoPE, &create, &size, &execute, &destroy); err != nil {
		return nil, err
	}

	return &kernel{
		op:    testcase.OpRoPE,
		arity: 4,
		create: func(h Handle, t []TensorDesc, _ Attrs) (int32, Descriptor, error) {
			var d uintptr
			status := create(uintptr(h), &d, uintptr(t[0]), uintptr(t[1]), uintptr(t[2]), uintptr(t[3]))

			return status, Descriptor(d), nil
		},
		workspace: size,
		run: func(d Descriptor, ws Ptr, wsSize uint64, b []Ptr, _ Attrs) (int32, error) {
			return execute(uintptr(d), uintptr(ws), wsSize,
				uintptr(b[0]), uintptr(b[1]), uintptr(b[2]), uintptr(b[3]), nullStream), nil
		},
		destroy: destroy,
	}, nil
}

func (l *Library) bindRearrange() (Kernel, error) {
	var (
		create  func(h uintptr, d *uintptr, dst, src uintptr) int32
		execute func(d, dst, src, stream uintptr) int32
		destroy func(d uintptr) int32
	)

	if err := l.resolve(testcase.OpRearrange, &create, &execute, &destroy); err != nil {
		return nil, err
	}

	return &kernel{
		op:    testcase.OpRearrange,
		arity: 2,
		create: func(h Handle, t []TensorDesc, _ Attrs) (int32, Descriptor, error) {
			var d uintptr
			status := create(uintptr(h), &d, uintptr(t[0]), uintptr(t[1]))

			return status, Descriptor(d), nil
		},
		run: func(d Descriptor, _ Ptr, _ uint64, b []Ptr, _ Attrs) (int32, error) {
			return execute(uintptr(d), uintptr(b[0]), uintptr(b[1]), nullStream), nil
		},
		destroy: destroy,
	}, nil
}

func (l *Library) bindRandomSample() (Kernel, error) {
	var (
		create  func(h uintptr, d *uintptr, result, probs uintptr) int32
		size    func(d uintptr, n *uint64) int32
		execute func(d, ws uintptr, wsSize uint64, result, probs uintptr,
			randomVal, topp float32, topk int32, temperature float32, stream uintptr) int32
		destroy func(d uintptr) int32
	)

	if err := l.resolve(testcase.OpRandomSample, &create, &size, &execute, &destroy); err != nil {
		return nil, err
	}

	return &kernel{
		op:    testcase.OpRandomSample,
		arity: 2,
		create: func(h Handle, t []TensorDesc, _ Attrs) (int32, Descriptor, error) {
			var d uintptr
			status := create(uintptr(h), &d, uintptr(t[0]), uintptr(t[1]))

			return status, Descriptor(d), nil
		},
		workspace: size,
		run: func(d Descriptor, ws Ptr, wsSize uint64, b []Ptr, a Attrs) (int32, error) {
			rv, err := a.Float32("random_val")
			if err != nil {
				return 0, err
			}

			topp, err := a.Float32("topp")
			if err != nil {
				return 0, err
			}

			topk, err := a.Int32("topk")
			if err != nil {
				return 0, err
			}

			temp, err := a.Float32("temperature")
			if err != nil {
				return 0, err
			}

			return execute(uintptr(d), uintptr(ws), wsSize, uintptr(b[0]), uintptr(b[1]),
				rv, topp, topk, temp, nullStream), nil
		},
		destroy: destroy,
	}, nil
}

func (l *Library) bindSwiGLU() (Kernel, error) {
	var (
		create  func(h uintptr, d *uintptr, c, a, b uintptr) int32
		execute func(d, c, a, b, stream uintptr) int32
		destroy func(d uintptr) int32
	)

	if err := l.resolve(testcase.OpSwiGLU, &create, &execute, &destroy); err != nil {
		return nil, err
	}

	return &kernel{
		op:    testcase.OpSwiGLU,
		arity: 3,
		create: func(h Handle, t []TensorDesc, _ Attrs) (int32, Descriptor, error) {
			var d uintptr
			status := create(uintptr(h), &d, uintptr(t[0]), uintptr(t[1]), uintptr(t[2]))

			return status, Descriptor(d), nil
		},
		run: func(d Descriptor, _ Ptr, _ uint64, b []Ptr, _ Attrs) (int32, error) {
			return execute(uintptr(d), uintptr(b[0]), uintptr(b[1]), uintptr(b[2]), nullStream), nil
		},
		destroy: destroy,
	}, nil
}
