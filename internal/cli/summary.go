package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-netgraph/checkpoints"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/training"
	"github.com/tsawler/go-netgraph/zoo"
)

const modelHelp = "a zoo topology (see `netgraph summary --list`) or a saved model directory"

// loadSpec resolves a model reference: a saved model directory or a zoo
// topology name.
func loadSpec(ctx context.Context, ref string) (*layers.ModelSpec, error) {
	if isDir(ref) {
		loggerFromContext(ctx).Debug("reading topology", "dir", ref)
		ckpt, err := checkpoints.LoadTopology(ref)
		if err != nil {
			return nil, err
		}
		return ckpt.ModelSpec, nil
	}
	return zoo.Get(ref)
}

func newSummaryCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "summary [model]",
		Short: "Print the layers, shapes and parameter counts of a model",
		Long:  "Print the layers, shapes and parameter counts of " + modelHelp + ".",
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ui{w: cmd.OutOrStdout()}
			if list {
				out.title("Zoo topologies")
				for _, name := range zoo.Names() {
					fmt.Fprintf(out.w, "  %s %s\n", styleDim.Render(iconArrow), name)
				}
				return nil
			}
			spec, err := loadSpec(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSummary(out, args[0], spec)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list the zoo topologies")
	return cmd
}

func printSummary(out ui, name string, spec *layers.ModelSpec) {
	kind := "sequential"
	if spec.Functional {
		kind = "functional"
	}
	mem := training.EstimateMemory(spec)

	out.title(fmt.Sprintf("Model %s", filepath.Base(name)))
	out.keyValues([][2]string{
		{"kind", kind},
		{"input", fmt.Sprint(spec.InputShape)},
		{"output", fmt.Sprint(spec.OutputShape)},
		{"parameters", number("%d", spec.TotalParameters) + styleDim.Render(" ("+training.FormatParameterCount(spec.TotalParameters)+")")},
		{"trainable", number("%d", spec.TrainableParameterCount())},
		{"memory", number("%.2f MiB", mem.Total()) + styleDim.Render(" per sample")},
	})
	fmt.Fprintln(out.w)

	header := []string{"#", "layer", "type", "output", "params"}
	if spec.Functional {
		header = append(header, "from")
	}
	rows := make([][]string, 0, len(spec.Layers))
	for i, l := range spec.Layers {
		params := fmt.Sprint(l.ParameterCount)
		if l.Type.HasParameters() && !l.Trainable {
			params = styleFrozen.Render(params + " frozen")
		}
		row := []string{fmt.Sprint(i + 1), l.Name, l.Type.String(), fmt.Sprint(l.OutputShape), params}
		if spec.Functional {
			row = append(row, strings.Join(l.Inputs, ", "))
		}
		rows = append(rows, row)
	}
	out.table(header, rows)
}

// writeOutput writes data to path, or to w when path is "-".
func writeOutput(w io.Writer, path string, data []byte) error {
	if path == "-" {
		_, err := w.Write(data)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
