// Package doctor provides environment preflight checks for opcheck.
package doctor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/example/go-opcheck/internal/oplib"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Library is the part of a loaded native library the checks inspect.
// *oplib.Library implements it.
type Library interface {
	HasSymbol(name string) bool
	Close() error
}

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// ResolveLibrary returns the infiniop library path.
	ResolveLibrary func() (string, error)
	// OpenLibrary loads the library at path. Nil skips the load and symbol
	// checks.
	OpenLibrary func(path string) (Library, error)
	// Ops lists the operators whose entry points must be exported.
	Ops []string
	// FixtureDir must exist or be creatable, and be writable.
	FixtureDir string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- library path -----------------------------------------------------
	path, err := cfg.ResolveLibrary()
	if err != nil {
		res.fail(fmt.Sprintf("infiniop library: %v", err))
		fmt.Fprintf(w, "%s infiniop library: not found (%v)\n", FailMark, err)
	} else {
		fmt.Fprintf(w, "%s infiniop library: %s\n", PassMark, path)
	}

	// ---- load and symbols -------------------------------------------------
	switch {
	case err != nil:
		fmt.Fprintf(w, "%s library load: skipped (no library)\n", FailMark)
	case cfg.OpenLibrary == nil:
		fmt.Fprintf(w, "%s library load: skipped\n", PassMark)
	default:
		checkLibrary(cfg, path, w, &res)
	}

	// ---- fixture directory ------------------------------------------------
	if cfg.FixtureDir != "" {
		if err := checkWritable(cfg.FixtureDir); err != nil {
			res.fail(fmt.Sprintf("fixture dir %q: %v", cfg.FixtureDir, err))
			fmt.Fprintf(w, "%s fixture dir %s: %v\n", FailMark, cfg.FixtureDir, err)
		} else {
			fmt.Fprintf(w, "%s fixture dir: %s (writable)\n", PassMark, cfg.FixtureDir)
		}
	}

	return res
}

func checkLibrary(cfg Config, path string, w io.Writer, res *Result) {
	lib, err := cfg.OpenLibrary(path)
	if err != nil {
		res.fail(fmt.Sprintf("library load: %v", err))
		fmt.Fprintf(w, "%s library load: %v\n", FailMark, err)

		return
	}

	defer func() {
		if err := lib.Close(); err != nil {
			res.fail(fmt.Sprintf("library unload: %v", err))
		}
	}()

	fmt.Fprintf(w, "%s library load: ok\n", PassMark)

	if missing := missingSymbols(lib, oplib.RuntimeSymbols); len(missing) > 0 {
		res.fail("runtime symbols missing: " + strings.Join(missing, ", "))
		fmt.Fprintf(w, "%s runtime symbols: missing %s\n", FailMark, strings.Join(missing, ", "))
	} else {
		fmt.Fprintf(w, "%s runtime symbols: %d present\n", PassMark, len(oplib.RuntimeSymbols))
	}

	for _, op := range cfg.Ops {
		syms, err := oplib.Symbols(op)
		if err != nil {
			res.fail(fmt.Sprintf("operator %s: %v", op, err))
			fmt.Fprintf(w, "%s operator %s: %v\n", FailMark, op, err)

			continue
		}

		if missing := missingSymbols(lib, syms); len(missing) > 0 {
			res.fail(fmt.Sprintf("operator %s: missing %s", op, strings.Join(missing, ", ")))
			fmt.Fprintf(w, "%s operator %s: missing %s\n", FailMark, op, strings.Join(missing, ", "))
		} else {
			fmt.Fprintf(w, "%s operator %s: ok\n", PassMark, op)
		}
	}
}

func missingSymbols(lib Library, names []string) []string {
	var missing []string

	for _, name := range names {
		if !lib.HasSymbol(name) {
			missing = append(missing, name)
		}
	}

	return missing
}

// checkWritable creates dir if needed and checks it by writing a temporary file.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".opcheck-doctor-*")
	if err != nil {
		return err
	}

	name := f.Name()

	return errors.Join(f.Close(), os.Remove(name))
}
