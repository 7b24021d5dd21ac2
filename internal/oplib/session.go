package oplib

import (
	"errors"
	"fmt"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Session is one device context: the runtime bound to a device and an
// infiniop handle. Sessions are not safe for concurrent use.
type Session struct {
	lib    *Library
	device Device
	id     int
	handle Handle
	closed bool
}

// NewSession initializes the runtime, selects device id and creates an
// operator handle.
func NewSession(lib *Library, device Device, id int) (*Session, error) {
	if lib == nil {
		return nil, errors.New("oplib: nil library")
	}

	if err := lib.Init(); err != nil {
		return nil, err
	}

	if err := lib.SetDevice(device, id); err != nil {
		return nil, fmt.Errorf("oplib: select %s:%d: %w", device, id, err)
	}

	h, err := lib.CreateHandle()
	if err != nil {
		return nil, fmt.Errorf("oplib: handle for %s:%d: %w", device, id, err)
	}

	return &Session{lib: lib, device: device, id: id, handle: h}, nil
}

func (s *Session) Handle() Handle { return s.handle }

func (s *Session) Device() Device { return s.device }

// Malloc allocates size bytes of device memory. A zero size yields a null
// pointer without calling the runtime.
func (s *Session) Malloc(size uint64) (Ptr, error) {
	if size == 0 {
		return 0, nil
	}

	return s.lib.Malloc(size)
}

// Free releases memory from Malloc. Freeing a null pointer is a no-op.
func (s *Session) Free(p Ptr) error {
	if p == 0 {
		return nil
	}

	return s.lib.Free(p)
}

func (s *Session) Upload(dst Ptr, src []byte) error {
	return s.lib.CopyToDevice(dst, src)
}

func (s *Session) Download(dst []byte, src Ptr) error {
	return s.lib.CopyToHost(dst, src)
}

func (s *Session) Synchronize() error {
	return s.lib.Synchronize()
}

// CreateTensorDescriptor describes v's shape, strides and dtype.
func (s *Session) CreateTensorDescriptor(v *tensor.View) (TensorDesc, error) {
	return s.lib.CreateTensorDescriptor(v.Shape(), v.Strides(), int32(v.DType()))
}

func (s *Session) DestroyTensorDescriptor(d TensorDesc) error {
	return s.lib.DestroyTensorDescriptor(d)
}

func (s *Session) Kernel(op string) (Kernel, error) {
	return s.lib.Kernel(op)
}

// Close destroys the operator handle. Calling Close more than once is a
// no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	return s.lib.DestroyHandle(s.handle)
}
