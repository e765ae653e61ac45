// Package render draws model topologies as Graphviz diagrams.
package render

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
)

// Options configures diagram rendering.
type Options struct {
	// Detailed adds output shapes and parameter counts to node labels.
	// When false, only the layer name and type are shown.
	Detailed bool

	// Horizontal lays the graph out left to right.
	Horizontal bool
}

var fillColors = map[layers.LayerType]string{
	layers.Input:           "lightblue",
	layers.Dense:           "lightyellow",
	layers.Conv2D:          "palegreen",
	layers.MaxPool2D:       "lavender",
	layers.AvgPool2D:       "lavender",
	layers.GlobalAvgPool2D: "lavender",
	layers.Add:             "mistyrose",
}

// ToDOT converts a compiled topology to Graphviz DOT text. Nodes appear in
// topological order and edges point from producer to consumer.
func ToDOT(spec *layers.ModelSpec, opts Options) (string, error) {
	if spec == nil || !spec.Compiled {
		return "", nerrors.New(nerrors.ErrCodeIllegalState, "cannot render a model that is not compiled")
	}

	var buf bytes.Buffer
	buf.WriteString("digraph Model {\n")
	if opts.Horizontal {
		buf.WriteString("  rankdir=LR;\n")
	} else {
		buf.WriteString("  rankdir=TB;\n")
	}
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, fontname=\"Helvetica\", fontsize=12];\n")
	buf.WriteString("  ranksep=0.4;\n")
	buf.WriteString("\n")

	for _, l := range spec.Layers {
		fmt.Fprintf(&buf, "  %q [%s];\n", l.Name, strings.Join(nodeAttrs(l, opts.Detailed), ", "))
	}

	buf.WriteString("\n")
	for _, l := range spec.Layers {
		for _, from := range l.Inputs {
			fmt.Fprintf(&buf, "  %q -> %q;\n", from, l.Name)
		}
	}

	buf.WriteString("}\n")
	return buf.String(), nil
}

func nodeLabel(l layers.LayerSpec, detailed bool) string {
	label := fmt.Sprintf("%s\n%s", l.Name, l.Type)
	if !detailed {
		return label
	}
	parts := []string{fmt.Sprintf("out: %v", l.OutputShape)}
	if l.ParameterCount > 0 {
		parts = append(parts, fmt.Sprintf("params: %d", l.ParameterCount))
	}
	if l.Type.HasParameters() && !l.Trainable {
		parts = append(parts, "frozen")
	}
	return label + "\n" + strings.Join(parts, "\n")
}

func nodeAttrs(l layers.LayerSpec, detailed bool) []string {
	attrs := []string{fmt.Sprintf("label=%q", nodeLabel(l, detailed))}
	if c, ok := fillColors[l.Type]; ok {
		attrs = append(attrs, fmt.Sprintf("fillcolor=%s", c))
	}
	if l.Type.HasParameters() && !l.Trainable {
		attrs = append(attrs, "style=\"rounded,filled,dashed\"")
	}
	return attrs
}

// RenderSVG renders DOT text to SVG using the embedded Graphviz.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "failed to parse DOT")
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}

// ModelSVG is ToDOT followed by RenderSVG.
func ModelSVG(ctx context.Context, spec *layers.ModelSpec, opts Options) ([]byte, error) {
	dot, err := ToDOT(spec, opts)
	if err != nil {
		return nil, err
	}
	return RenderSVG(ctx, dot)
}
