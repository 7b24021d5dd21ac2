package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/example/go-opcheck/internal/config"
	"github.com/example/go-opcheck/internal/doctor"
	"github.com/example/go-opcheck/internal/oplib"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the native library, operator symbols and fixture directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			result := doctor.Run(doctorConfig(cfg), out)

			if err := cfg.Validate(); err != nil {
				result.AddFailure(fmt.Sprintf("config: %v", err))
				_, _ = fmt.Fprintf(out, "%s config: %v\n", doctor.FailMark, err)
			} else {
				_, _ = fmt.Fprintf(out, "%s config: ok\n", doctor.PassMark)
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	return cmd
}

func doctorConfig(cfg config.Config) doctor.Config {
	return doctor.Config{
		ResolveLibrary: func() (string, error) {
			return oplib.DetectLibrary(cfg.Library.InfiniopPath)
		},
		OpenLibrary: func(path string) (doctor.Library, error) {
			lib, err := oplib.Open(path, cfg.Library.InfinirtPath)
			if err != nil {
				return nil, err
			}

			return lib, nil
		},
		Ops:        cfg.Ops(),
		FixtureDir: cfg.Fixture.Dir,
	}
}
