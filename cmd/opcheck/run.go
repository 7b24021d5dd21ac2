package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/example/go-opcheck/internal/config"
	"github.com/example/go-opcheck/internal/fixture"
	"github.com/example/go-opcheck/internal/harness"
	"github.com/example/go-opcheck/internal/oplib"
	"github.com/example/go-opcheck/internal/report"
	"github.com/example/go-opcheck/internal/runtime/tensor"
	"github.com/example/go-opcheck/internal/testcase"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		fixturePath string
		format      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run operator cases on the native library and compare against the reference oracles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if format != "table" && format != "json" {
				return errors.New("--format must be 'table' or 'json'")
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			libPath, err := oplib.DetectLibrary(cfg.Library.InfiniopPath)
			if err != nil {
				return err
			}

			lib, err := oplib.Open(libPath, cfg.Library.InfinirtPath)
			if err != nil {
				return err
			}

			defer func() {
				if err := lib.Close(); err != nil {
					slog.Warn("library unload failed", "path", libPath, "error", err)
				}
			}()

			slog.Info("library loaded", "path", libPath)

			return runSuite(cmd.Context(), cmd.OutOrStdout(), cfg, sessionOpener(lib, cfg.Run.DeviceID), runOptions{
				FixturePath: fixturePath,
				Format:      format,
			})
		},
	}

	cmd.Flags().StringVar(&fixturePath, "fixture", "", "Replay the cases of a GGUF fixture instead of generating them")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")

	return cmd
}

func sessionOpener(lib *oplib.Library, id int) harness.OpenFunc {
	return func(device oplib.Device) (harness.Backend, error) {
		s, err := oplib.NewSession(lib, device, id)
		if err != nil {
			return nil, err
		}

		return s, nil
	}
}

type runOptions struct {
	FixturePath string
	Format      string
}

// runSuite executes the selected cases on every configured device, writes
// the reports and fails when any case did not pass.
func runSuite(ctx context.Context, w io.Writer, cfg config.Config, open harness.OpenFunc, opts runOptions) error {
	devices, err := cfg.Devices()
	if err != nil {
		return err
	}

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	runID := report.NewRunID()
	metrics := harness.NewMetrics()

	suite := &harness.Suite{
		Open:     open,
		Devices:  devices,
		Registry: harness.NewRegistry(policy),
		Options: harness.Options{
			Profile:    cfg.Profile.Enabled,
			Warmups:    cfg.Profile.Warmups,
			Iterations: cfg.Profile.Iterations,
		},
		Metrics: metrics,
		Logger:  slog.Default().With("run_id", runID),
	}

	var (
		results []harness.Result
		runErr  error
	)

	if opts.FixturePath != "" {
		f, err := fixture.ReadFile(opts.FixturePath)
		if err != nil {
			return err
		}

		suite.Logger.Info("replaying fixture", "path", opts.FixturePath, "cases", len(f.Cases), "fixture_run_id", f.RunID())
		results, runErr = suite.RunFixture(ctx, f)
	} else {
		cases, err := buildCases(cfg)
		if err != nil {
			return err
		}

		suite.Logger.Info("generated cases", "cases", len(cases), "seed", cfg.Run.Seed)
		results, runErr = suite.Run(ctx, cases)
	}

	rows := report.Rows(runID, results)
	summary := report.Summarize(runID, results)

	if err := writeReports(w, opts.Format, rows, summary, metrics, cfg.Report); err != nil {
		return errors.Join(runErr, err)
	}

	if runErr != nil {
		return runErr
	}

	if summary.Failed() > 0 {
		return fmt.Errorf("%d of %d cases failed", summary.Failed(), summary.Total)
	}

	return nil
}

// buildCases expands the parameter tables of the selected operators and
// generates their stimuli from run.seed.
func buildCases(cfg config.Config) ([]*testcase.TestCase, error) {
	dtypes, err := cfg.DTypes()
	if err != nil {
		return nil, err
	}

	var params []testcase.Params

	for _, op := range cfg.Ops() {
		p, err := testcase.DefaultParams(op, dtypes)
		if err != nil {
			return nil, err
		}

		params = append(params, p...)
	}

	return testcase.Generate(tensor.NewRandom(cfg.Run.Seed), params)
}

func writeReports(w io.Writer, format string, rows []report.Row, summary report.Summary, metrics *harness.Metrics, rc config.ReportConfig) error {
	var err error

	switch format {
	case "json":
		err = report.FormatJSON(rows, summary, w)
	default:
		err = report.FormatTable(rows, summary, w)
	}

	if err != nil {
		return err
	}

	if rc.JSONPath != "" {
		if err := writeJSONReport(rc.JSONPath, rows, summary); err != nil {
			return err
		}
	}

	if rc.ArrowPath != "" {
		if err := report.WriteArrowFile(rc.ArrowPath, rows); err != nil {
			return err
		}
	}

	if rc.MetricsPath != "" {
		if err := metrics.WriteTextfile(rc.MetricsPath); err != nil {
			return err
		}
	}

	return nil
}

func writeJSONReport(path string, rows []report.Row, summary report.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if err := report.FormatJSON(rows, summary, f); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}
