// Package oplib binds the native infiniop operator library and its infinirt
// runtime. Every native call returns an integer status; zero is success and
// anything else surfaces as a *StatusError.
package oplib

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/example/go-opcheck/internal/testcase"
)

// Device is an infinirt device type.
type Device int32

const (
	DeviceCPU Device = iota
	DeviceNvidia
	DeviceCambricon
	DeviceAscend
	DeviceMetax
	DeviceMoore
	DeviceIluvatar
	DeviceKunlun
	DeviceSugon
)

var deviceNames = []string{"cpu", "nvidia", "cambricon", "ascend", "metax", "moore", "iluvatar", "kunlun", "sugon"}

func (d Device) String() string {
	if d >= 0 && int(d) < len(deviceNames) {
		return deviceNames[d]
	}

	return fmt.Sprintf("device(%d)", int32(d))
}

// ParseDevice maps a device name to its Device.
func ParseDevice(s string) (Device, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range deviceNames {
		if n == name {
			return Device(i), nil
		}
	}

	return 0, fmt.Errorf("oplib: unknown device %q (valid: %s)", s, strings.Join(deviceNames, ", "))
}

// Status is a native return code.
type Status int32

const StatusSuccess Status = 0

// StatusError reports a non-zero status from a native call.
type StatusError struct {
	Call   string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oplib: %s returned status %d", e.Call, int32(e.Status))
}

func check(call string, status int32) error {
	if Status(status) == StatusSuccess {
		return nil
	}

	return &StatusError{Call: call, Status: Status(status)}
}

// ErrUnsupportedPlatform is returned by Open where dynamic loading is not
// available.
var ErrUnsupportedPlatform = errors.New("oplib: native library loading is not supported on " + runtime.GOOS)

// Opaque native handles.
type (
	Ptr        uintptr
	Handle     uintptr
	Descriptor uintptr
	TensorDesc uintptr
)

// MemcpyKind selects the direction of infinirtMemcpy.
type MemcpyKind int32

const (
	MemcpyH2H MemcpyKind = iota
	MemcpyH2D
	MemcpyD2H
	MemcpyD2D
)

// Attrs are the scalar operator arguments, keyed by attribute name.
type Attrs map[string]float64

// Float32 returns attribute name narrowed to float32.
func (a Attrs) Float32(name string) (float32, error) {
	v, ok := a[name]
	if !ok {
		return 0, fmt.Errorf("oplib: missing attribute %q", name)
	}

	return float32(v), nil
}

// Int32 returns attribute name as int32. Non-integral or out-of-range
// values are rejected.
func (a Attrs) Int32(name string) (int32, error) {
	v, ok := a[name]
	if !ok {
		return 0, fmt.Errorf("oplib: missing attribute %q", name)
	}

	if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("oplib: attribute %q = %v is not an int32", name, v)
	}

	return int32(v), nil
}

// Kernel drives one operator through the native descriptor lifecycle.
// Tensor descriptors and buffers are passed in the operator's ABI order, see
// Operands.
type Kernel interface {
	Op() string
	Create(h Handle, tensors []TensorDesc, attrs Attrs) (Descriptor, error)
	WorkspaceSize(d Descriptor) (uint64, error)
	Run(d Descriptor, workspace Ptr, workspaceSize uint64, buffers []Ptr, attrs Attrs) error
	Destroy(d Descriptor) error
}

type abi struct {
	stem      string
	workspace bool
	operands  []string
}

var abis = map[string]abi{
	testcase.OpRMSNorm:       {stem: "RMSNorm", workspace: true, operands: []string{"result", "input", "weight"}},
	testcase.OpCausalSoftmax: {stem: "CausalSoftmax", workspace: true, operands: []string{"data"}},
	testcase.OpRoPE:          {stem: "RoPE", workspace: true, operands: []string{"t", "pos_ids", "sin_table", "cos_table"}},
	testcase.OpRearrange:     {stem: "Rearrange", operands: []string{"y", "x"}},
	testcase.OpRandomSample:  {stem: "RandomSample", workspace: true, operands: []string{"result", "data"}},
	testcase.OpSwiGLU:        {stem: "SwiGLU", operands: []string{"c", "a", "b"}},
}

func lookupABI(op string) (abi, error) {
	a, ok := abis[op]
	if !ok {
		return abi{}, fmt.Errorf("oplib: no native binding for operator %q", op)
	}

	return a, nil
}

// Operands returns the operand names of op in the order the native entry
// points take them.
func Operands(op string) ([]string, error) {
	a, err := lookupABI(op)
	if err != nil {
		return nil, err
	}

	return append([]string(nil), a.operands...), nil
}

// Symbols returns the exported symbols op needs: create, the optional
// workspace query, execute and destroy.
func Symbols(op string) ([]string, error) {
	a, err := lookupABI(op)
	if err != nil {
		return nil, err
	}

	syms := []string{"infiniopCreate" + a.stem + "Descriptor"}
	if a.workspace {
		syms = append(syms, "infiniopGet"+a.stem+"WorkspaceSize")
	}

	return append(syms, "infiniop"+a.stem, "infiniopDestroy"+a.stem+"Descriptor"), nil
}

// RuntimeSymbols are the handle and memory entry points every session needs.
var RuntimeSymbols = []string{
	"infinirtInit",
	"infinirtSetDevice",
	"infinirtDeviceSynchronize",
	"infinirtMalloc",
	"infinirtFree",
	"infinirtMemcpy",
	"infiniopCreateHandle",
	"infiniopDestroyHandle",
	"infiniopCreateTensorDescriptor",
	"infiniopDestroyTensorDescriptor",
}

func libraryFile(stem string) string {
	switch runtime.GOOS {
	case "darwin":
		return "lib" + stem + ".dylib"
	case "windows":
		return stem + ".dll"
	default:
		return "lib" + stem + ".so"
	}
}

// DetectLibrary resolves the infiniop shared library: the configured path,
// then $OPCHECK_LIBRARY_INFINIOP_PATH, then $INFINI_ROOT/lib, ~/.infini/lib
// and the system library directories.
func DetectLibrary(configured string) (string, error) {
	path := configured
	if path == "" {
		path = os.Getenv("OPCHECK_LIBRARY_INFINIOP_PATH")
	}

	if path == "" {
		name := libraryFile("infiniop")

		var candidates []string
		if root := os.Getenv("INFINI_ROOT"); root != "" {
			candidates = append(candidates, filepath.Join(root, "lib", name))
		}

		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, filepath.Join(home, ".infini", "lib", name))
		}

		candidates = append(candidates,
			filepath.Join("/usr/local/lib", name),
			filepath.Join("/usr/lib", name),
		)

		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	if path == "" {
		return "", errors.New("oplib: unable to locate the infiniop library; set library.infiniop_path or OPCHECK_LIBRARY_INFINIOP_PATH")
	}

	if _, err := os.Stat(path); err != nil {
		return path, fmt.Errorf("oplib: library path check failed: %w", err)
	}

	return path, nil
}
