package cli

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/render"
)

func newRenderCmd() *cobra.Command {
	var (
		output string
		format string
		opts   render.Options
	)
	cmd := &cobra.Command{
		Use:   "render [model]",
		Short: "Render a model topology as Graphviz DOT or SVG",
		Long:  "Render " + modelHelp + " as a Graphviz diagram. The format follows the output extension unless --format is given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromContext(cmd.Context())
			spec, err := loadSpec(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(output)), ".")
				if output == "-" || format == "" {
					format = "dot"
				}
			}
			dot, err := render.ToDOT(spec, opts)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "dot", "gv":
				data = []byte(dot)
			case "svg":
				prog := newProgress(logger)
				if data, err = render.RenderSVG(cmd.Context(), dot); err != nil {
					return err
				}
				prog.done("rendered SVG")
			default:
				return nerrors.New(nerrors.ErrCodeInvalidConfiguration, "unknown format %q (dot, svg)", format)
			}

			if err := writeOutput(cmd.OutOrStdout(), output, data); err != nil {
				return err
			}
			if output != "-" {
				ui{w: cmd.OutOrStdout()}.success("wrote %s", output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	cmd.Flags().StringVarP(&format, "format", "f", "", "dot or svg")
	cmd.Flags().BoolVar(&opts.Detailed, "detailed", false, "show shapes and parameter counts")
	cmd.Flags().BoolVar(&opts.Horizontal, "horizontal", false, "lay out left to right")
	return cmd
}
