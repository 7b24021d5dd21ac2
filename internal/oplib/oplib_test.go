package oplib_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-opcheck/internal/oplib"
	"github.com/example/go-opcheck/internal/runtime/tensor"
	"github.com/example/go-opcheck/internal/testcase"
	"github.com/example/go-opcheck/internal/testutil"
)

func TestParseDevice(t *testing.T) {
	tests := []struct {
		in   string
		want oplib.Device
	}{
		{"cpu", oplib.DeviceCPU},
		{"NVIDIA", oplib.DeviceNvidia},
		{" ascend ", oplib.DeviceAscend},
		{"sugon", oplib.DeviceSugon},
	}

	for _, tt := range tests {
		got, err := oplib.ParseDevice(tt.in)
		if err != nil {
			t.Fatalf("ParseDevice(%q): %v", tt.in, err)
		}

		if got != tt.want {
			t.Errorf("ParseDevice(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := oplib.ParseDevice("tpu"); err == nil {
		t.Error("ParseDevice(tpu) should fail")
	}

	if got := oplib.Device(42).String(); got != "device(42)" {
		t.Errorf("Device(42).String() = %q", got)
	}
}

func TestSymbols(t *testing.T) {
	got, err := oplib.Symbols(testcase.OpRMSNorm)
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}

	want := []string{
		"infiniopCreateRMSNormDescriptor",
		"infiniopGetRMSNormWorkspaceSize",
		"infiniopRMSNorm",
		"infiniopDestroyRMSNormDescriptor",
	}
	if len(got) != len(want) {
		t.Fatalf("Symbols(rms_norm) = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Symbols(rms_norm)[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	for _, op := range []string{testcase.OpRearrange, testcase.OpSwiGLU} {
		syms, err := oplib.Symbols(op)
		if err != nil {
			t.Fatalf("Symbols(%s): %v", op, err)
		}

		if len(syms) != 3 {
			t.Errorf("Symbols(%s) = %v, want no workspace query", op, syms)
		}
	}

	for _, op := range testcase.Operators() {
		if _, err := oplib.Operands(op); err != nil {
			t.Errorf("Operands(%s): %v", op, err)
		}
	}

	if _, err := oplib.Symbols("conv"); err == nil {
		t.Error("Symbols(conv) should fail")
	}
}

func TestOperandsMatchCaseTensors(t *testing.T) {
	small := []testcase.Params{
		testcase.RMSNormParams{Shape: []int{2, 4}, Type: tensor.F32},
		testcase.CausalSoftmaxParams{Shape: []int{2, 4}, Type: tensor.F32},
		testcase.RoPEParams{Shape: []int{2, 1, 4}, Type: tensor.F32},
		testcase.RearrangeParams{Shape: []int{2, 3}, XStrides: []int{1, 2}, Type: tensor.F32},
		testcase.RandomSampleParams{Voc: 8, RandomVal: 0.5, TopP: 0.9, TopK: 3, Temperature: 1, Type: tensor.F32},
		testcase.SwiGLUParams{Shape: []int{2, 3}, Type: tensor.F32},
	}

	rng := tensor.NewRandom(1)

	for _, p := range small {
		c, err := p.Generate(rng)
		if err != nil {
			t.Fatalf("%s: Generate: %v", p.Op(), err)
		}

		names, err := oplib.Operands(p.Op())
		if err != nil {
			t.Fatalf("Operands(%s): %v", p.Op(), err)
		}

		for _, name := range names {
			// random_sample's index slot is allocated by the harness.
			if p.Op() == testcase.OpRandomSample && name == "result" {
				continue
			}

			if _, ok := c.Tensor(name); !ok {
				t.Errorf("%s case has no operand %q", p.Op(), name)
			}
		}
	}
}

func TestAttrs(t *testing.T) {
	a := oplib.Attrs{"topk": 3, "topp": 0.8, "bad": 2.5}

	k, err := a.Int32("topk")
	if err != nil || k != 3 {
		t.Errorf("Int32(topk) = %d, %v", k, err)
	}

	p, err := a.Float32("topp")
	if err != nil || p != float32(0.8) {
		t.Errorf("Float32(topp) = %v, %v", p, err)
	}

	if _, err := a.Int32("bad"); err == nil {
		t.Error("Int32(bad) should reject a fractional value")
	}

	if _, err := a.Float32("missing"); err == nil {
		t.Error("Float32(missing) should fail")
	}
}

func TestStatusError(t *testing.T) {
	var err error = &oplib.StatusError{Call: "rms_norm create", Status: 3}

	var se *oplib.StatusError
	if !errors.As(err, &se) || se.Status != 3 {
		t.Fatalf("errors.As failed for %v", err)
	}

	if got := err.Error(); got != "oplib: rms_norm create returned status 3" {
		t.Errorf("Error() = %q", got)
	}
}

func TestDetectLibrary(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libinfiniop.so")

	if err := os.WriteFile(lib, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := oplib.DetectLibrary(lib)
	if err != nil || got != lib {
		t.Errorf("DetectLibrary(configured) = %q, %v", got, err)
	}

	t.Setenv("OPCHECK_LIBRARY_INFINIOP_PATH", lib)

	got, err = oplib.DetectLibrary("")
	if err != nil || got != lib {
		t.Errorf("DetectLibrary(env) = %q, %v", got, err)
	}

	if _, err := oplib.DetectLibrary(filepath.Join(dir, "missing.so")); err == nil {
		t.Error("DetectLibrary should fail for a missing configured path")
	}
}

func TestSessionMemoryRoundTrip(t *testing.T) {
	path := testutil.RequireOpLibrary(t)

	lib, err := oplib.Open(path, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	defer func() { _ = lib.Close() }()

	s, err := oplib.NewSession(lib, oplib.DeviceCPU, 0)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	defer func() { _ = s.Close() }()

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	p, err := s.Malloc(uint64(len(src)))
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}

	defer func() { _ = s.Free(p) }()

	if err := s.Upload(p, src); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	dst := make([]byte, len(src))
	if err := s.Download(dst, p); err != nil {
		t.Fatalf("Download: %v", err)
	}

	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d = %d, want %d", i, dst[i], src[i])
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
