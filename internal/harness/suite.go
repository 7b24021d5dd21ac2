package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/example/go-opcheck/internal/fixture"
	"github.com/example/go-opcheck/internal/oplib"
	"github.com/example/go-opcheck/internal/testcase"
)

// OpenFunc opens a backend on device.
type OpenFunc func(device oplib.Device) (Backend, error)

// Suite runs a batch of cases on every selected device, one case at a time.
// A failing case never affects the next one.
type Suite struct {
	Open     OpenFunc
	Devices  []oplib.Device
	Registry *Registry
	Options  Options
	Metrics  *Metrics
	Logger   *slog.Logger

	// OnResult, when set, is called after every case.
	OnResult func(Result)
}

func (s *Suite) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}

	return slog.Default()
}

// Run executes cases on each device in order. Devices that fail to open are
// skipped and reported in the returned error; results for the others are
// still returned. Cancellation is checked between cases.
func (s *Suite) Run(ctx context.Context, cases []*testcase.TestCase) ([]Result, error) {
	if s.Open == nil {
		return nil, errors.New("harness: suite has no backend opener")
	}

	registry := s.Registry
	if registry == nil {
		registry = NewRegistry(nil)
	}

	var (
		results []Result
		errs    []error
	)

	for _, device := range s.Devices {
		out, err := s.runDevice(ctx, registry, device, cases)
		results = append(results, out...)

		if err != nil {
			if ctx.Err() != nil {
				return results, err
			}

			errs = append(errs, err)
		}
	}

	return results, errors.Join(errs...)
}

// RunFixture replays every case of f.
func (s *Suite) RunFixture(ctx context.Context, f *fixture.File) ([]Result, error) {
	cases := make([]*testcase.TestCase, 0, len(f.Cases))

	for _, fc := range f.Cases {
		c, err := testcase.FromFixture(fc)
		if err != nil {
			return nil, err
		}

		cases = append(cases, c)
	}

	return s.Run(ctx, cases)
}

func (s *Suite) runDevice(ctx context.Context, registry *Registry, device oplib.Device, cases []*testcase.TestCase) (results []Result, err error) {
	log := s.logger().With("device", device.String())

	backend, err := s.Open(device)
	if err != nil {
		log.Error("device unavailable", "error", err)
		return nil, fmt.Errorf("harness: open %s: %w", device, err)
	}

	defer func() {
		if cerr := backend.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("harness: close %s: %w", device, cerr))
		}
	}()

	opts := s.Options
	opts.Logger = log
	h := New(backend, opts)

	for _, tc := range cases {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		var r Result

		hc, berr := registry.Build(tc)
		if berr != nil {
			r = Result{Op: tc.Op, Params: tc.Params, Device: device, DType: tc.DType(), Outcome: OutcomeInvalidCase, Err: berr}
		} else {
			r = h.Run(hc)
		}

		logResult(log, r)
		s.Metrics.Observe(r)

		if s.OnResult != nil {
			s.OnResult(r)
		}

		results = append(results, r)
	}

	return results, nil
}

func logResult(log *slog.Logger, r Result) {
	attrs := []any{
		"op", r.Op,
		"dtype", r.DType.String(),
		"params", r.Params,
		"state", r.State.String(),
		"outcome", string(r.Outcome),
		"workspace", humanize.IBytes(r.WorkspaceBytes),
	}

	if r.Passed() {
		log.Info("case passed", append(attrs, "elapsed", r.Elapsed)...)
		return
	}

	if mm := r.Mismatch; mm != nil {
		attrs = append(attrs,
			"first_index", fmt.Sprint(mm.Index),
			"expected", mm.Expected,
			"actual", mm.Actual,
			"tolerance", mm.Tolerance.String(),
			"mismatches", mm.Count)
	}

	log.Warn("case failed", append(attrs, "error", r.Err)...)
}
