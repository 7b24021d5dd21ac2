// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestNativeRMSNorm(t *testing.T) {
//	    path := testutil.RequireOpLibrary(t)
//	    ...
//	}
package testutil

import (
	"os"
	"testing"

	"github.com/example/go-opcheck/internal/oplib"
)

// RequireOpLibrary skips the test unless an infiniop shared library can be
// located and returns its path. It checks OPCHECK_LIBRARY_INFINIOP_PATH
// first, then $INFINI_ROOT/lib, ~/.infini/lib and the system library
// directories.
func RequireOpLibrary(tb testing.TB) string {
	tb.Helper()

	if p := os.Getenv("OPCHECK_LIBRARY_INFINIOP_PATH"); p != "" {
		// #nosec G703 -- Integration tests intentionally accept explicit env-provided local library paths.
		if _, err := os.Stat(p); err != nil {
			tb.Skipf("infiniop library not found at OPCHECK_LIBRARY_INFINIOP_PATH=%q", p)
			return ""
		}

		return p
	}

	path, err := oplib.DetectLibrary("")
	if err != nil {
		tb.Skip("infiniop shared library not found; set OPCHECK_LIBRARY_INFINIOP_PATH or INFINI_ROOT")
		return ""
	}

	return path
}

// RequireFixture skips the test if the fixture file at path is missing.
// Fixtures are produced by `opcheck gen` and are not committed.
func RequireFixture(tb testing.TB, path string) {
	tb.Helper()

	if _, err := os.Stat(path); err != nil {
		tb.Skipf("fixture %q not available; generate it with `opcheck gen`", path)
	}
}
