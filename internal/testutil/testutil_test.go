package testutil_test

import (
	"path/filepath"
	"testing"

	"github.com/example/go-opcheck/internal/testutil"
)

func TestRequireOpLibrary_SkipsWhenAbsent(t *testing.T) {
	t.Setenv("OPCHECK_LIBRARY_INFINIOP_PATH", "/nonexistent/libinfiniop.so")

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}

	if got := testutil.RequireOpLibrary(fakeT); got != "" {
		t.Errorf("RequireOpLibrary returned %q for a missing library", got)
	}

	if !skipped {
		t.Error("expected RequireOpLibrary to skip when library is absent")
	}
}

func TestRequireFixture_SkipsWhenAbsent(t *testing.T) {
	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}

	testutil.RequireFixture(fakeT, filepath.Join(t.TempDir(), "missing.gguf"))

	if !skipped {
		t.Error("expected RequireFixture to skip when the file is absent")
	}
}

// skipTracker is a minimal testing.TB implementation that intercepts Skip calls.
type skipTracker struct {
	testing.TB
	onSkip func()
}

func (s *skipTracker) Helper() {}

func (s *skipTracker) Skip(_ ...any) {
	s.onSkip()
}

func (s *skipTracker) Skipf(_ string, _ ...any) {
	s.onSkip()
	// Do NOT call s.TB.Skip, that would actually skip the outer test.
}
