package layers

import (
	"fmt"
	"sort"
	"strings"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// Build compiles layer descriptors into a validated topology.
//
// With edges == nil the nodes form a sequential stack: node 0 must be the
// Input layer and every following node consumes the previous one. Otherwise
// edges maps each consumer name to its producer names (functional mode);
// unnamed nodes can be referenced by their automatic name "<kind>_<index>".
//
// Build fails with INVALID_CONFIGURATION for bad descriptors or duplicate
// names, MALFORMED_TOPOLOGY for dangling references, cycles, missing or extra
// input nodes and multiple sinks, and SHAPE_MISMATCH when a layer cannot
// accept the shape its producers emit.
func Build(nodes []LayerSpec, edges map[string][]string) (*ModelSpec, error) {
	if len(nodes) == 0 {
		return nil, nerrors.New(nerrors.ErrCodeMalformedTopology, "cannot compile empty model")
	}

	specs := make([]LayerSpec, len(nodes))
	byName := make(map[string]int, len(nodes))
	for i, n := range nodes {
		spec := n.descriptor()
		if spec.Name == "" {
			spec.Name = defaultName(spec.Type, i)
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if prev, dup := byName[spec.Name]; dup {
			return nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration,
				"duplicate layer name %q (layers %d and %d)", spec.Name, prev, i)
		}
		byName[spec.Name] = i
		specs[i] = spec
	}

	functional := edges != nil
	if functional {
		for consumer, producers := range edges {
			idx, ok := byName[consumer]
			if !ok {
				return nil, nerrors.New(nerrors.ErrCodeMalformedTopology,
					"edge list references unknown consumer %q", consumer)
			}
			specs[idx].Inputs = append([]string(nil), producers...)
		}
	} else {
		for i := 1; i < len(specs); i++ {
			specs[i].Inputs = []string{specs[i-1].Name}
		}
	}

	if err := checkStructure(specs, byName, functional); err != nil {
		return nil, err
	}

	order, err := topologicalOrder(specs, byName)
	if err != nil {
		return nil, err
	}

	sorted := make([]LayerSpec, len(order))
	for i, idx := range order {
		sorted[i] = specs[idx]
	}

	sinks := findSinks(sorted)
	if len(sinks) != 1 {
		return nil, nerrors.New(nerrors.ErrCodeMalformedTopology,
			"model must have exactly one output layer, found %d: %s", len(sinks), strings.Join(sinks, ", "))
	}

	model := &ModelSpec{
		Layers:     sorted,
		Functional: functional,
	}
	if err := model.inferShapes(); err != nil {
		return nil, err
	}
	model.OutputName = sinks[0]
	return model, nil
}

// Sequential compiles a linear stack of layers.
func Sequential(specs ...LayerSpec) (*ModelSpec, error) {
	return Build(specs, nil)
}

// checkStructure validates producer references and the single-input rule.
func checkStructure(specs []LayerSpec, byName map[string]int, functional bool) error {
	malformed := func(format string, args ...any) error {
		return nerrors.New(nerrors.ErrCodeMalformedTopology, format, args...)
	}

	var inputs []string
	for i, spec := range specs {
		if spec.Type == Input {
			inputs = append(inputs, spec.Name)
			if len(spec.Inputs) > 0 {
				return malformed("input layer %q cannot have producers", spec.Name)
			}
			continue
		}
		if !functional && i == 0 {
			return malformed("sequential model must start with an Input layer, got %s %q", spec.Type, spec.Name)
		}
		if len(spec.Inputs) == 0 {
			return malformed("layer %q has no producers", spec.Name)
		}
		for _, p := range spec.Inputs {
			if _, ok := byName[p]; !ok {
				return malformed("layer %q references unknown producer %q", spec.Name, p)
			}
		}
		if spec.Type.IsMerge() {
			if len(spec.Inputs) < 2 {
				return malformed("merge layer %q needs at least two producers, got %d", spec.Name, len(spec.Inputs))
			}
		} else if len(spec.Inputs) > 1 {
			return malformed("layer %q of type %s accepts one producer, got %d", spec.Name, spec.Type, len(spec.Inputs))
		}
	}

	switch {
	case len(inputs) == 0:
		return malformed("model has no Input layer")
	case len(inputs) > 1:
		return malformed("model must have exactly one Input layer, found %s", strings.Join(inputs, ", "))
	}
	return nil
}

// topologicalOrder returns node indices with every producer before its
// consumers. Cycles are detected using depth-first search with
// white/gray/black coloring; declaration order breaks ties.
func topologicalOrder(specs []LayerSpec, byName map[string]int) ([]int, error) {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(specs))
	order := make([]int, 0, len(specs))
	var path []string

	var visit func(i int) error
	visit = func(i int) error {
		switch color[i] {
		case gray:
			start := 0
			for k, name := range path {
				if name == specs[i].Name {
					start = k
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), specs[i].Name)
			return nerrors.New(nerrors.ErrCodeMalformedTopology,
				"topology contains a cycle: %s", strings.Join(cycle, " -> "))
		case black:
			return nil
		}
		color[i] = gray
		path = append(path, specs[i].Name)
		for _, p := range specs[i].Inputs {
			if err := visit(byName[p]); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[i] = black
		order = append(order, i)
		return nil
	}

	for i := range specs {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func findSinks(specs []LayerSpec) []string {
	consumed := make(map[string]bool, len(specs))
	for _, spec := range specs {
		for _, p := range spec.Inputs {
			consumed[p] = true
		}
	}
	var sinks []string
	for _, spec := range specs {
		if !consumed[spec.Name] {
			sinks = append(sinks, spec.Name)
		}
	}
	sort.Strings(sinks)
	return sinks
}

// inferShapes walks the layers in topological order and fills shape and
// parameter information.
func (ms *ModelSpec) inferShapes() error {
	outputs := make(map[string][]int, len(ms.Layers))
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range ms.Layers {
		layer := &ms.Layers[i]

		inputShapes := make([][]int, len(layer.Inputs))
		for k, p := range layer.Inputs {
			inputShapes[k] = cloneShape(outputs[p])
		}
		if layer.Type == Input {
			ms.InputName = layer.Name
			ms.InputShape = cloneShape(layer.Shape)
		} else {
			layer.InputShapes = inputShapes
		}

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, inputShapes)
		if err != nil {
			return fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount
		outputs[layer.Name] = outputShape

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
	}

	last := ms.Layers[len(ms.Layers)-1]
	ms.OutputShape = cloneShape(last.OutputShape)
	ms.ParameterShapes = allParameterShapes
	ms.TotalParameters = totalParams
	ms.Compiled = true
	return nil
}

func cloneShape(s []int) []int {
	if s == nil {
		return nil
	}
	return append([]int(nil), s...)
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapeSize returns the number of elements in a tensor of the given shape.
func ShapeSize(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
