package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-netgraph/checkpoints"
)

func newExportONNXCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-onnx [model-dir] [out.onnx]",
		Short: "Export a saved model to ONNX",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromContext(cmd.Context())
			out := ui{w: cmd.OutOrStdout()}

			ckpt, err := checkpoints.Load(args[0])
			if err != nil {
				return err
			}
			prog := newProgress(logger)
			if err := checkpoints.ExportONNX(ckpt.ModelSpec, ckpt.Weights, args[1]); err != nil {
				return err
			}
			prog.done("exported " + args[1])

			info, err := checkpoints.InspectONNX(args[1])
			if err != nil {
				return err
			}
			printONNXInfo(out, info)
			out.success("wrote %s", args[1])
			return nil
		},
	}
}

func newImportONNXCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "import-onnx [model.onnx] [model-dir]",
		Short: "Import an ONNX file written by export-onnx into a model directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ui{w: cmd.OutOrStdout()}

			info, err := checkpoints.InspectONNX(args[0])
			if err != nil {
				return err
			}
			printONNXInfo(out, info)

			ckpt, err := checkpoints.NewONNXImporter().ImportFromONNX(args[0])
			if err != nil {
				return err
			}
			mode := checkpoints.FailIfExists
			if overwrite {
				mode = checkpoints.Override
			}
			if err := checkpoints.Save(args[1], ckpt, mode); err != nil {
				return err
			}
			out.success("saved %d layers to %s", len(ckpt.ModelSpec.Layers), args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing model directory")
	return cmd
}

func printONNXInfo(out ui, info *checkpoints.ONNXInfo) {
	values := func(vs []checkpoints.ONNXValue) string {
		parts := make([]string, len(vs))
		for i, v := range vs {
			parts[i] = fmt.Sprintf("%s%v", v.Name, v.Shape)
		}
		return strings.Join(parts, ", ")
	}
	var ops []string
	seen := map[string]bool{}
	for _, op := range info.Ops {
		if !seen[op] {
			seen[op] = true
			ops = append(ops, op)
		}
	}
	out.title("ONNX " + info.GraphName)
	out.keyValues([][2]string{
		{"producer", strings.TrimSpace(info.ProducerName + " " + info.ProducerVersion)},
		{"ir version", number("%d", info.IRVersion)},
		{"opset", number("%d", info.Opset)},
		{"inputs", values(info.Inputs)},
		{"outputs", values(info.Outputs)},
		{"nodes", number("%d", len(info.Ops)) + styleDim.Render(" ("+strings.Join(ops, ", ")+")")},
		{"initializers", number("%d", info.Initializers)},
		{"parameters", number("%d", info.Parameters)},
	})
}
