//go:build !(darwin || linux)

package oplib

// Library is unavailable on this platform; Open always fails.
type Library struct {
	path string
}

// Open always returns ErrUnsupportedPlatform on this platform.
func Open(_, _ string) (*Library, error) {
	return nil, ErrUnsupportedPlatform
}

func (l *Library) Path() string { return l.path }

func (l *Library) HasSymbol(string) bool { return false }

func (l *Library) Close() error { return nil }

func (l *Library) Init() error { return ErrUnsupportedPlatform }

func (l *Library) SetDevice(Device, int) error { return ErrUnsupportedPlatform }

func (l *Library) Synchronize() error { return ErrUnsupportedPlatform }

func (l *Library) Malloc(uint64) (Ptr, error) { return 0, ErrUnsupportedPlatform }

func (l *Library) Free(Ptr) error { return ErrUnsupportedPlatform }

func (l *Library) CopyToDevice(Ptr, []byte) error { return ErrUnsupportedPlatform }

func (l *Library) CopyToHost([]byte, Ptr) error { return ErrUnsupportedPlatform }

func (l *Library) CreateHandle() (Handle, error) { return 0, ErrUnsupportedPlatform }

func (l *Library) DestroyHandle(Handle) error { return ErrUnsupportedPlatform }

func (l *Library) CreateTensorDescriptor([]int, []int, int32) (TensorDesc, error) {
	return 0, ErrUnsupportedPlatform
}

func (l *Library) DestroyTensorDescriptor(TensorDesc) error { return ErrUnsupportedPlatform }

func (l *Library) Kernel(string) (Kernel, error) { return nil, ErrUnsupportedPlatform }
