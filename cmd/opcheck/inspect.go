package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/example/go-opcheck/internal/fixture"
	"github.com/example/go-opcheck/internal/testcase"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <fixture.gguf>",
		Short: "Summarize the cases stored in a fixture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := fixture.ReadFile(args[0])
			if err != nil {
				return err
			}

			return describeFixture(cmd.OutOrStdout(), f)
		},
	}
}

func describeFixture(w io.Writer, f *fixture.File) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(tw, "gguf version:\t%d\n", f.Version)
	_, _ = fmt.Fprintf(tw, "format version:\t%v\n", f.Metadata[fixture.KeyFormatVersion])
	_, _ = fmt.Fprintf(tw, "run id:\t%s\n", f.RunID())
	_, _ = fmt.Fprintf(tw, "cases:\t%d\n", len(f.Cases))

	for _, fc := range f.Cases {
		c, err := testcase.FromFixture(fc)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(tw, "\n[%d] %s\n", fc.Index, c.Op)

		for _, a := range c.Attributes() {
			_, _ = fmt.Fprintf(tw, "  %s\t%s\t\t\n", a.Name, a.Value)
		}

		for _, t := range c.Tensors() {
			_, _ = fmt.Fprintf(tw, "  %s\t%s %v\tstrides %v\t%s\n", t.Name, t.View.DType(), t.View.Shape(), t.View.Strides(), t.Role)
		}
	}

	return tw.Flush()
}
