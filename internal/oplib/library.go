//go:build darwin || linux

package oplib

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Library is a loaded infiniop (and infinirt) shared library. Operator
// bindings are resolved lazily so a build missing one operator still serves
// the others.
type Library struct {
	path    string
	handles []uintptr

	init              func() int32
	setDevice         func(device, id int32) int32
	deviceSynchronize func() int32
	malloc            func(p *uintptr, size uint64) int32
	free              func(p uintptr) int32
	memcpyToDevice    func(dst uintptr, src unsafe.Pointer, size uint64, kind int32) int32
	memcpyToHost      func(dst unsafe.Pointer, src uintptr, size uint64, kind int32) int32
	createHandle      func(h *uintptr) int32
	destroyHandle     func(h uintptr) int32
	createTensorDesc  func(desc *uintptr, ndim uint64, shape *uint64, strides *int64, dtype int32) int32
	destroyTensorDesc func(desc uintptr) int32

	mu      sync.Mutex
	kernels map[string]Kernel
}

// Open loads the infiniop library at path. runtimePath names a separate
// infinirt library; when empty the runtime symbols are resolved through the
// infiniop library and its dependencies.
func Open(path, runtimePath string) (*Library, error) {
	op, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("oplib: load %s: %w", path, err)
	}

	lib := &Library{path: path, handles: []uintptr{op}, kernels: make(map[string]Kernel)}

	rt := op
	if runtimePath != "" {
		rt, err = purego.Dlopen(runtimePath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			_ = lib.Close()
			return nil, fmt.Errorf("oplib: load %s: %w", runtimePath, err)
		}

		lib.handles = append(lib.handles, rt)
	}

	bindings := []struct {
		handle uintptr
		name   string
		fptr   any
	}{
		{rt, "infinirtInit", &lib.init},
		{rt, "infinirtSetDevice", &lib.setDevice},
		{rt, "infinirtDeviceSynchronize", &lib.deviceSynchronize},
		{rt, "infinirtMalloc", &lib.malloc},
		{rt, "infinirtFree", &lib.free},
		{rt, "infinirtMemcpy", &lib.memcpyToDevice},
		{rt, "infinirtMemcpy", &lib.memcpyToHost},
		{op, "infiniopCreateHandle", &lib.createHandle},
		{op, "infiniopDestroyHandle", &lib.destroyHandle},
		{op, "infiniopCreateTensorDescriptor", &lib.createTensorDesc},
		{op, "infiniopDestroyTensorDescriptor", &lib.destroyTensorDesc},
	}

	for _, b := range bindings {
		if err := bind(b.handle, b.name, b.fptr); err != nil {
			_ = lib.Close()
			return nil, err
		}
	}

	return lib, nil
}

// bind resolves name before registering it; purego.RegisterLibFunc would
// panic on a missing symbol.
func bind(handle uintptr, name string, fptr any) error {
	sym, err := purego.Dlsym(handle, name)
	if err != nil {
		return fmt.Errorf("oplib: resolve %s: %w", name, err)
	}

	purego.RegisterFunc(fptr, sym)

	return nil
}

// Path returns the file the library was loaded from.
func (l *Library) Path() string { return l.path }

// HasSymbol reports whether name is exported by the loaded libraries.
func (l *Library) HasSymbol(name string) bool {
	for _, h := range l.handles {
		if _, err := purego.Dlsym(h, name); err == nil {
			return true
		}
	}

	return false
}

// Close unloads the libraries. Any session or kernel obtained from l must
// not be used afterwards.
func (l *Library) Close() error {
	var errs []error

	for i := len(l.handles) - 1; i >= 0; i-- {
		if err := purego.Dlclose(l.handles[i]); err != nil {
			errs = append(errs, fmt.Errorf("oplib: unload: %w", err))
		}
	}

	l.handles = nil

	return errors.Join(errs...)
}

func (l *Library) Init() error {
	return check("infinirtInit", l.init())
}

func (l *Library) SetDevice(d Device, id int) error {
	return check("infinirtSetDevice", l.setDevice(int32(d), int32(id)))
}

func (l *Library) Synchronize() error {
	return check("infinirtDeviceSynchronize", l.deviceSynchronize())
}

func (l *Library) Malloc(size uint64) (Ptr, error) {
	var p uintptr
	if err := check("infinirtMalloc", l.malloc(&p, size)); err != nil {
		return 0, err
	}

	return Ptr(p), nil
}

func (l *Library) Free(p Ptr) error {
	return check("infinirtFree", l.free(uintptr(p)))
}

func (l *Library) CopyToDevice(dst Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}

	status := l.memcpyToDevice(uintptr(dst), unsafe.Pointer(&src[0]), uint64(len(src)), int32(MemcpyH2D))
	runtime.KeepAlive(src)

	return check("infinirtMemcpy", status)
}

func (l *Library) CopyToHost(dst []byte, src Ptr) error {
	if len(dst) == 0 {
		return nil
	}

	status := l.memcpyToHost(unsafe.Pointer(&dst[0]), uintptr(src), uint64(len(dst)), int32(MemcpyD2H))
	runtime.KeepAlive(dst)

	return check("infinirtMemcpy", status)
}

func (l *Library) CreateHandle() (Handle, error) {
	var h uintptr
	if err := check("infiniopCreateHandle", l.createHandle(&h)); err != nil {
		return 0, err
	}

	return Handle(h), nil
}

func (l *Library) DestroyHandle(h Handle) error {
	return check("infiniopDestroyHandle", l.destroyHandle(uintptr(h)))
}

// CreateTensorDescriptor describes a tensor by shape, element strides and
// native dtype code.
func (l *Library) CreateTensorDescriptor(shape, strides []int, dtype int32) (TensorDesc, error) {
	if len(shape) != len(strides) {
		return 0, fmt.Errorf("oplib: shape %v and strides %v differ in rank", shape, strides)
	}

	dims := make([]uint64, len(shape))
	steps := make([]int64, len(strides))

	for i := range shape {
		dims[i] = uint64(shape[i])
		steps[i] = int64(strides[i])
	}

	var (
		desc   uintptr
		dimPtr *uint64
		stpPtr *int64
	)

	if len(dims) > 0 {
		dimPtr, stpPtr = &dims[0], &steps[0]
	}

	status := l.createTensorDesc(&desc, uint64(len(dims)), dimPtr, stpPtr, dtype)
	runtime.KeepAlive(dims)
	runtime.KeepAlive(steps)

	if err := check("infiniopCreateTensorDescriptor", status); err != nil {
		return 0, err
	}

	return TensorDesc(desc), nil
}

func (l *Library) DestroyTensorDescriptor(d TensorDesc) error {
	return check("infiniopDestroyTensorDescriptor", l.destroyTensorDesc(uintptr(d)))
}

// Kernel returns the binding for op, resolving its symbols on first use.
func (l *Library) Kernel(op string) (Kernel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if k, ok := l.kernels[op]; ok {
		return k, nil
	}

	k, err := l.bindKernel(op)
	if err != nil {
		return nil, err
	}

	l.kernels[op] = k

	return k, nil
}

// resolve binds the symbols of op into fptrs, in Symbols order.
func (l *Library) resolve(op string, fptrs ...any) error {
	syms, err := Symbols(op)
	if err != nil {
		return err
	}

	if len(syms) != len(fptrs) {
		return fmt.Errorf("oplib: %s binds %d symbols, got %d targets", op, len(syms), len(fptrs))
	}

	for i, name := range syms {
		var bound bool

		for _, h := range l.handles {
			if bind(h, name, fptrs[i]) == nil {
				bound = true
				break
			}
		}

		if !bound {
			return fmt.Errorf("oplib: %s: symbol %s not found in %s", op, name, l.path)
		}
	}

	return nil
}
