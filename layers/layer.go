package layers

import (
	"fmt"
	"strings"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// ModelSpec is a compiled, validated network topology.
//
// Layers are stored in topological order: every producer precedes its
// consumers and the single Input layer comes first. A ModelSpec is
// immutable once returned from Build; helpers such as Freeze and Extend
// return new specs.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	InputName       string  `json:"input_name"`
	OutputName      string  `json:"output_name"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	Functional      bool    `json:"functional"`
	Compiled        bool    `json:"compiled"`
}

// Layer returns the layer with the given name.
func (ms *ModelSpec) Layer(name string) (LayerSpec, bool) {
	for _, l := range ms.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerSpec{}, false
}

// Consumers returns the names of layers fed by the named layer, in
// topological order.
func (ms *ModelSpec) Consumers(name string) []string {
	var out []string
	for _, l := range ms.Layers {
		for _, p := range l.Inputs {
			if p == name {
				out = append(out, l.Name)
				break
			}
		}
	}
	return out
}

// Sinks returns the names of layers without consumers. A compiled spec has
// exactly one.
func (ms *ModelSpec) Sinks() []string {
	return findSinks(ms.Layers)
}

// Descriptors returns copies of the layer descriptors without any computed
// graph or shape information, in topological order.
func (ms *ModelSpec) Descriptors() []LayerSpec {
	out := make([]LayerSpec, len(ms.Layers))
	for i, l := range ms.Layers {
		out[i] = l.descriptor()
	}
	return out
}

// Edges returns the consumer to producers mapping of the topology.
func (ms *ModelSpec) Edges() map[string][]string {
	edges := make(map[string][]string, len(ms.Layers))
	for _, l := range ms.Layers {
		if len(l.Inputs) > 0 {
			edges[l.Name] = append([]string(nil), l.Inputs...)
		}
	}
	return edges
}

// TrainableParameterCount counts parameters of layers not marked frozen.
func (ms *ModelSpec) TrainableParameterCount() int64 {
	var n int64
	for _, l := range ms.Layers {
		if l.Trainable {
			n += l.ParameterCount
		}
	}
	return n
}

// Rebuild recompiles a spec from its own descriptors and edges. It is used
// after decoding a spec from JSON so that the computed fields are trusted
// only if they can be derived again.
func Rebuild(ms *ModelSpec) (*ModelSpec, error) {
	if ms == nil || len(ms.Layers) == 0 {
		return nil, nerrors.New(nerrors.ErrCodeMalformedTopology, "cannot rebuild empty model")
	}
	for _, l := range ms.Layers {
		if l.Name == "" {
			return nil, nerrors.New(nerrors.ErrCodeMalformedTopology, "serialized layer without name")
		}
	}
	if !ms.Functional {
		return Build(ms.Descriptors(), nil)
	}
	return Build(ms.Descriptors(), ms.Edges())
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	b.WriteString("Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Trainable Parameters: %d\n", ms.TrainableParameterCount())
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type)
		if len(layer.Inputs) > 0 {
			fmt.Fprintf(&b, "  From:   %s\n", strings.Join(layer.Inputs, ", "))
		}
		if len(layer.InputShapes) > 0 {
			fmt.Fprintf(&b, "  Input:  %v\n", formatShapes(layer.InputShapes))
		}
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %d", layer.ParameterCount)
		if layer.Type.HasParameters() && !layer.Trainable {
			b.WriteString(" (frozen)")
		}
		b.WriteString("\n")
		if cfg := layer.configString(); cfg != "" {
			fmt.Fprintf(&b, "  Config: %s\n", cfg)
		}
	}
	return b.String()
}

func formatShapes(shapes [][]int) string {
	if len(shapes) == 1 {
		return fmt.Sprint(shapes[0])
	}
	parts := make([]string, len(shapes))
	for i, s := range shapes {
		parts[i] = fmt.Sprint(s)
	}
	return strings.Join(parts, " + ")
}

func (ls LayerSpec) configString() string {
	switch ls.Type {
	case Dense:
		return fmt.Sprintf("units=%d activation=%s bias=%t", ls.Units, ls.Activation, ls.UseBias)
	case Conv2D:
		return fmt.Sprintf("filters=%d kernel=%dx%d strides=%dx%d padding=%s activation=%s",
			ls.Filters, ls.KernelSize[0], ls.KernelSize[1], ls.Strides[0], ls.Strides[1], ls.Padding, ls.Activation)
	case MaxPool2D, AvgPool2D:
		return fmt.Sprintf("pool=%dx%d strides=%dx%d padding=%s",
			ls.PoolSize[0], ls.PoolSize[1], ls.Strides[0], ls.Strides[1], ls.Padding)
	case Dropout:
		return fmt.Sprintf("rate=%g", ls.Rate)
	case Activation:
		return fmt.Sprintf("activation=%s", ls.Activation)
	}
	return ""
}

// ModelBuilder helps construct sequential models fluently. The first error
// raised by any Add call is kept and reported by Compile.
type ModelBuilder struct {
	layers []LayerSpec
	err    error
}

// NewModelBuilder creates a new model builder whose first layer is an Input
// of the given per-sample shape.
func NewModelBuilder(inputShape []int, opts ...Option) *ModelBuilder {
	mb := &ModelBuilder{}
	return mb.add(NewInput(inputShape, opts...))
}

func (mb *ModelBuilder) add(spec LayerSpec, err error) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	if err != nil {
		mb.err = fmt.Errorf("layer %d: %w", len(mb.layers), err)
		return mb
	}
	mb.layers = append(mb.layers, spec)
	return mb
}

// AddLayer adds a prepared descriptor to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	return mb.add(layer, nil)
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(units int, opts ...Option) *ModelBuilder {
	return mb.add(NewDense(units, opts...))
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(filters int, opts ...Option) *ModelBuilder {
	return mb.add(NewConv2D(filters, opts...))
}

func (mb *ModelBuilder) AddMaxPool2D(opts ...Option) *ModelBuilder {
	return mb.add(NewMaxPool2D(opts...))
}

func (mb *ModelBuilder) AddAvgPool2D(opts ...Option) *ModelBuilder {
	return mb.add(NewAvgPool2D(opts...))
}

func (mb *ModelBuilder) AddFlatten(opts ...Option) *ModelBuilder {
	return mb.add(NewFlatten(opts...))
}

func (mb *ModelBuilder) AddGlobalAvgPool2D(opts ...Option) *ModelBuilder {
	return mb.add(NewGlobalAvgPool2D(opts...))
}

// AddDropout adds a dropout layer to the model
func (mb *ModelBuilder) AddDropout(rate float32, opts ...Option) *ModelBuilder {
	return mb.add(NewDropout(rate, opts...))
}

func (mb *ModelBuilder) AddActivation(a ActivationType, opts ...Option) *ModelBuilder {
	return mb.add(NewActivation(a, opts...))
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if mb.err != nil {
		return nil, mb.err
	}
	return Build(mb.layers, nil)
}

// GraphBuilder assembles functional (DAG) topologies. Each node method
// returns the node's name so it can be passed as a producer to later nodes.
//
//	g := layers.NewGraphBuilder()
//	in := g.Input([]int{8, 8, 3})
//	c1 := g.Conv2D(8, []string{in})
//	c2 := g.Conv2D(8, []string{c1})
//	sum := g.Add([]string{c1, c2})
//	model, err := g.Build()
type GraphBuilder struct {
	nodes []LayerSpec
	edges map[string][]string
	err   error
}

// NewGraphBuilder creates an empty functional builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{edges: make(map[string][]string)}
}

// Node adds a prepared descriptor consuming the given producers and returns
// its name. Unnamed descriptors receive their automatic name.
func (g *GraphBuilder) Node(spec LayerSpec, inputs ...string) string {
	name := spec.Name
	if name == "" {
		name = defaultName(spec.Type, len(g.nodes))
		spec.Name = name
	}
	g.nodes = append(g.nodes, spec)
	if len(inputs) > 0 {
		g.edges[name] = append([]string(nil), inputs...)
	}
	return name
}

func (g *GraphBuilder) node(spec LayerSpec, err error, inputs []string) string {
	if err != nil {
		if g.err == nil {
			g.err = fmt.Errorf("layer %d: %w", len(g.nodes), err)
		}
		return ""
	}
	return g.Node(spec, inputs...)
}

func (g *GraphBuilder) Input(shape []int, opts ...Option) string {
	spec, err := NewInput(shape, opts...)
	return g.node(spec, err, nil)
}

func (g *GraphBuilder) Dense(units int, inputs []string, opts ...Option) string {
	spec, err := NewDense(units, opts...)
	return g.node(spec, err, inputs)
}

func (g *GraphBuilder) Conv2D(filters int, inputs []string, opts ...Option) string {
	spec, err := NewConv2D(filters, opts...)
	return g.node(spec, err, inputs)
}

func (g *GraphBuilder) MaxPool2D(inputs []string, opts ...Option) string {
	spec, err := NewMaxPool2D(opts...)
	return g.node(spec, err, inputs)
}

func (g *GraphBuilder) AvgPool2D(inputs []string, opts ...Option) string {
	spec, err := NewAvgPool2D(opts...)
	return g.node(spec, err, inputs)
}

func (g *GraphBuilder) Flatten(inputs []string, opts ...Option) string {
	spec, err := NewFlatten(opts...)
	return g.node(spec, err, inputs)
}

func (g *GraphBuilder) GlobalAvgPool2D(inputs []string, opts ...Option) string {
	spec, err := NewGlobalAvgPool2D(opts...)
	return g.node(spec, err, inputs)
}

func (g *GraphBuilder) Dropout(rate float32, inputs []string, opts ...Option) string {
	spec, err := NewDropout(rate, opts...)
	return g.node(spec, err, inputs)
}

func (g *GraphBuilder) Activation(a ActivationType, inputs []string, opts ...Option) string {
	spec, err := NewActivation(a, opts...)
	return g.node(spec, err, inputs)
}

// Add sums the outputs of two or more producers element-wise.
func (g *GraphBuilder) Add(inputs []string, opts ...Option) string {
	spec, err := NewAdd(opts...)
	return g.node(spec, err, inputs)
}

// Build validates and compiles the graph.
func (g *GraphBuilder) Build() (*ModelSpec, error) {
	if g.err != nil {
		return nil, g.err
	}
	return Build(g.nodes, g.edges)
}
