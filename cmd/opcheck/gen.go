package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/example/go-opcheck/internal/config"
	"github.com/example/go-opcheck/internal/fixture"
	"github.com/example/go-opcheck/internal/report"
	"github.com/example/go-opcheck/internal/runtime/tensor"
	"github.com/example/go-opcheck/internal/testcase"
	"github.com/spf13/cobra"
)

// combinedName is the file stem used by gen --combined.
const combinedName = "opcheck"

func newGenCmd() *cobra.Command {
	var (
		outDir   string
		combined bool
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Write GGUF fixtures from the default parameter tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			dir := outDir
			if dir == "" {
				dir = cfg.Fixture.Dir
			}

			written, err := generateFixtures(cfg, dir, combined)
			if err != nil {
				return err
			}

			for _, g := range written {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d cases, %s\n", g.Path, g.Cases, humanize.IBytes(uint64(g.Size)))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "", "Output directory (default fixture.dir)")
	cmd.Flags().BoolVar(&combined, "combined", false, "Write every operator into a single "+combinedName+".gguf")

	return cmd
}

type generated struct {
	Path  string
	Cases int
	Size  int64
}

// generateFixtures writes one fixture per selected operator, or a single
// combined one. Each file draws its stimuli from a fresh stream seeded with
// run.seed, so a per-operator file does not depend on the other selections.
func generateFixtures(cfg config.Config, dir string, combined bool) ([]generated, error) {
	dtypes, err := cfg.DTypes()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fixture dir: %w", err)
	}

	groups := make(map[string][]testcase.Params)
	order := make([]string, 0)

	for _, op := range cfg.Ops() {
		params, err := testcase.DefaultParams(op, dtypes)
		if err != nil {
			return nil, err
		}

		name := op
		if combined {
			name = combinedName
		}

		if _, seen := groups[name]; !seen {
			order = append(order, name)
		}

		groups[name] = append(groups[name], params...)
	}

	runID := report.NewRunID()
	out := make([]generated, 0, len(order))

	for _, name := range order {
		cases, err := testcase.Generate(tensor.NewRandom(cfg.Run.Seed), groups[name])
		if err != nil {
			return nil, err
		}

		path := filepath.Join(dir, name+".gguf")

		err = fixture.WriteFile(path, runID, func(w fixture.Writer) error {
			return testcase.WriteAll(w, cases)
		})
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}

		slog.Info("fixture written", "path", path, "cases", len(cases), "size", humanize.IBytes(uint64(info.Size())), "run_id", runID)
		out = append(out, generated{Path: path, Cases: len(cases), Size: info.Size()})
	}

	return out, nil
}
