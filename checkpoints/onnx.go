package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
)

// ExportONNX writes spec and its weights as an ONNX model (opset 13).
func ExportONNX(spec *layers.ModelSpec, weights []WeightTensor, path string) error {
	return NewONNXExporter().ExportToONNX(&Checkpoint{ModelSpec: spec, Weights: weights}, path)
}

// ONNXExporter handles conversion of compiled models to ONNX format.
//
// Tensors inside the exported graph use ONNX's NCHW layout: the NHWC graph
// input is transposed once after entry and rank-3 outputs are transposed
// back before leaving. Convolution kernels are stored as OIHW.
type ONNXExporter struct {
	model *ModelProto
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// Model returns the proto built by the last export.
func (oe *ONNXExporter) Model() *ModelProto {
	return oe.model
}

// ExportToONNX converts a checkpoint to ONNX format
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// Marshal builds the ONNX model and returns its wire encoding.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint == nil || checkpoint.ModelSpec == nil || !checkpoint.ModelSpec.Compiled {
		return nil, nerrors.New(nerrors.ErrCodeIllegalState, "ONNX export needs a compiled model")
	}
	if err := checkpoint.Validate(false); err != nil {
		return nil, err
	}

	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	// The topology travels in doc_string so the importer can rebuild the
	// exact spec without reverse engineering the node list.
	specJSON, err := json.Marshal(checkpoint.ModelSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model spec: %w", err)
	}

	model := &ModelProto{
		IrVersion:       onnxIRVersion,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: onnxOpsetVersion}},
		ProducerName:    FrameworkName,
		ProducerVersion: FormatVersion,
		ModelVersion:    1,
		DocString:       string(specJSON),
		Graph:           graph,
	}
	oe.model = model
	return model.Marshal(), nil
}

// graphBuilder accumulates nodes while walking the layers.
type graphBuilder struct {
	nodes  []*NodeProto
	inits  []*TensorProto
	tensor map[string]string // layer name -> ONNX value holding its output
}

func (gb *graphBuilder) add(op, name string, inputs []string, attrs ...*AttributeProto) string {
	out := name
	gb.nodes = append(gb.nodes, &NodeProto{
		Input:     inputs,
		Output:    []string{out},
		Name:      name,
		OpType:    op,
		Attribute: attrs,
	})
	return out
}

func (gb *graphBuilder) initializer(name string, dims []int, data []float32) string {
	d := make([]int64, len(dims))
	for i, v := range dims {
		d[i] = int64(v)
	}
	gb.inits = append(gb.inits, &TensorProto{
		Name:     name,
		Dims:     d,
		DataType: tensorFloat,
		RawData:  float32Bytes(data),
	})
	return name
}

func intsAttr(name string, v ...int) *AttributeProto {
	ints := make([]int64, len(v))
	for i, x := range v {
		ints[i] = int64(x)
	}
	return &AttributeProto{Name: name, Type: AttributeInts, Ints: ints}
}

func intAttr(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInt, I: v}
}

func floatAttr(name string, v float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeFloat, F: v}
}

// buildONNXGraph creates the ONNX computation graph from the layers
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	spec := checkpoint.ModelSpec
	weightMap := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		weightMap[w.Name] = w
	}

	gb := &graphBuilder{tensor: make(map[string]string, len(spec.Layers))}
	for _, l := range spec.Layers {
		var out string
		var err error
		if l.Type == layers.Input {
			out = l.Name
			if len(l.Shape) == 3 {
				out = gb.add("Transpose", l.Name+"/nchw", []string{l.Name}, intsAttr("perm", 0, 3, 1, 2))
			}
		} else {
			out, err = oe.layerNodes(gb, l, weightMap)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", l.Name, err)
			}
		}
		gb.tensor[l.Name] = out
	}

	last := gb.tensor[spec.OutputName]
	if len(spec.OutputShape) == 3 {
		gb.add("Transpose", "output", []string{last}, intsAttr("perm", 0, 2, 3, 1))
	} else {
		gb.add("Identity", "output", []string{last})
	}

	return &GraphProto{
		Name:        "netgraph",
		Node:        gb.nodes,
		Initializer: gb.inits,
		Input:       []*ValueInfoProto{valueInfo(spec.InputName, spec.InputShape)},
		Output:      []*ValueInfoProto{valueInfo("output", spec.OutputShape)},
	}, nil
}

// valueInfo describes an NHWC tensor with a symbolic batch dimension.
func valueInfo(name string, shape []int) *ValueInfoProto {
	dims := []TensorShapeDimension{{DimParam: "N"}}
	for _, d := range shape {
		dims = append(dims, TensorShapeDimension{DimValue: int64(d)})
	}
	return &ValueInfoProto{Name: name, ElemType: tensorFloat, Dims: dims}
}

func (oe *ONNXExporter) layerNodes(gb *graphBuilder, l layers.LayerSpec, weights map[string]WeightTensor) (string, error) {
	inputs := make([]string, len(l.Inputs))
	for i, p := range l.Inputs {
		t, ok := gb.tensor[p]
		if !ok {
			return "", fmt.Errorf("producer %s not emitted", p)
		}
		inputs[i] = t
	}
	src := inputs[0]

	switch l.Type {
	case layers.Dense:
		kernel := weights[l.Name+"/kernel"]
		args := []string{src, gb.initializer(kernel.Name, kernel.Shape, kernel.Data)}
		if bias, ok := weights[l.Name+"/bias"]; ok {
			args = append(args, gb.initializer(bias.Name, bias.Shape, bias.Data))
		}
		z := gb.add("Gemm", l.Name+"/linear", args)
		return oe.activationNode(gb, l.Name, l.Activation, z), nil

	case layers.Conv2D:
		kernel := weights[l.Name+"/kernel"]
		kh, kw, c, f := kernel.Shape[0], kernel.Shape[1], kernel.Shape[2], kernel.Shape[3]
		args := []string{src, gb.initializer(kernel.Name, []int{f, c, kh, kw}, hwioToOIHW(kernel.Data, kh, kw, c, f))}
		if bias, ok := weights[l.Name+"/bias"]; ok {
			args = append(args, gb.initializer(bias.Name, bias.Shape, bias.Data))
		}
		z := gb.add("Conv", l.Name+"/conv", args,
			intsAttr("kernel_shape", kh, kw),
			intsAttr("strides", l.Strides[0], l.Strides[1]),
			intsAttr("pads", onnxPads(l, l.KernelSize)...),
		)
		return oe.activationNode(gb, l.Name, l.Activation, z), nil

	case layers.MaxPool2D:
		return gb.add("MaxPool", l.Name, []string{src},
			intsAttr("kernel_shape", l.PoolSize[0], l.PoolSize[1]),
			intsAttr("strides", l.Strides[0], l.Strides[1]),
			intsAttr("pads", onnxPads(l, l.PoolSize)...),
		), nil

	case layers.AvgPool2D:
		return gb.add("AveragePool", l.Name, []string{src},
			intsAttr("kernel_shape", l.PoolSize[0], l.PoolSize[1]),
			intsAttr("strides", l.Strides[0], l.Strides[1]),
			intsAttr("pads", onnxPads(l, l.PoolSize)...),
			intAttr("count_include_pad", 0),
		), nil

	case layers.Flatten:
		// Flatten works on channels-last data so Dense kernels keep their
		// row order.
		flat := src
		if len(l.InputShapes[0]) == 3 {
			flat = gb.add("Transpose", l.Name+"/nhwc", []string{src}, intsAttr("perm", 0, 2, 3, 1))
		}
		return gb.add("Flatten", l.Name, []string{flat}, intAttr("axis", 1)), nil

	case layers.GlobalAvgPool2D:
		pooled := gb.add("GlobalAveragePool", l.Name+"/pool", []string{src})
		return gb.add("Flatten", l.Name, []string{pooled}, intAttr("axis", 1)), nil

	case layers.Add:
		if len(inputs) == 2 {
			return gb.add("Add", l.Name, inputs), nil
		}
		return gb.add("Sum", l.Name, inputs), nil

	case layers.Dropout:
		return gb.add("Identity", l.Name, []string{src}), nil

	case layers.Activation:
		return oe.activationNode(gb, l.Name, l.Activation, src), nil
	}
	return "", nerrors.New(nerrors.ErrCodeUnsupported, "layer type %s has no ONNX mapping", l.Type)
}

// activationNode appends the activation of a layer. Linear layers get an
// Identity so every layer has a value named after it.
func (oe *ONNXExporter) activationNode(gb *graphBuilder, name string, a layers.ActivationType, src string) string {
	switch a {
	case layers.ReLU:
		return gb.add("Relu", name, []string{src})
	case layers.Sigmoid:
		return gb.add("Sigmoid", name, []string{src})
	case layers.Tanh:
		return gb.add("Tanh", name, []string{src})
	case layers.Softmax:
		// Channel axis in both [N,D] and [N,C,H,W].
		return gb.add("Softmax", name, []string{src}, intAttr("axis", 1))
	case layers.LeakyReLU:
		return gb.add("LeakyRelu", name, []string{src}, floatAttr("alpha", 0.01))
	case layers.ELU:
		return gb.add("Elu", name, []string{src}, floatAttr("alpha", 1))
	default:
		return gb.add("Identity", name, []string{src})
	}
}

// onnxPads converts the layer padding to explicit [top, left, bottom, right]
// pads, placing the odd cell after the input like the CPU engine does.
func onnxPads(l layers.LayerSpec, window [2]int) []int {
	pads := make([]int, 4)
	if l.Padding != layers.PaddingSame {
		return pads
	}
	for axis := 0; axis < 2; axis++ {
		in, out := l.InputShapes[0][axis], l.OutputShape[axis]
		total := (out-1)*l.Strides[axis] + window[axis] - in
		if total < 0 {
			total = 0
		}
		pads[axis] = total / 2
		pads[axis+2] = total - total/2
	}
	return pads
}

func hwioToOIHW(data []float32, kh, kw, c, f int) []float32 {
	out := make([]float32, len(data))
	for y := 0; y < kh; y++ {
		for x := 0; x < kw; x++ {
			for ci := 0; ci < c; ci++ {
				for fi := 0; fi < f; fi++ {
					out[((fi*c+ci)*kh+y)*kw+x] = data[((y*kw+x)*c+ci)*f+fi]
				}
			}
		}
	}
	return out
}

func oihwToHWIO(data []float32, f, c, kh, kw int) []float32 {
	out := make([]float32, len(data))
	for fi := 0; fi < f; fi++ {
		for ci := 0; ci < c; ci++ {
			for y := 0; y < kh; y++ {
				for x := 0; x < kw; x++ {
					out[((y*kw+x)*c+ci)*f+fi] = data[((fi*c+ci)*kh+y)*kw+x]
				}
			}
		}
	}
	return out
}

// ONNXImporter reads models written by ONNXExporter.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX loads an ONNX file exported by this package. Arbitrary ONNX
// graphs are not supported: the topology is recovered from the embedded
// spec, and weights from the initializers.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	model, err := UnmarshalModel(data)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "failed to parse ONNX model")
	}
	if model.ProducerName != FrameworkName || model.DocString == "" {
		return nil, nerrors.New(nerrors.ErrCodeUnsupported,
			"ONNX model produced by %q cannot be imported", model.ProducerName)
	}
	if model.Graph == nil {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "ONNX model has no graph")
	}

	var decoded layers.ModelSpec
	if err := json.Unmarshal([]byte(model.DocString), &decoded); err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "embedded model spec is not valid JSON")
	}
	spec, err := layers.Rebuild(&decoded)
	if err != nil {
		return nil, err
	}

	inits := make(map[string]*TensorProto, len(model.Graph.Initializer))
	for _, t := range model.Graph.Initializer {
		inits[t.Name] = t
	}

	var weights []WeightTensor
	for _, exp := range ExpectedWeights(spec) {
		t, ok := inits[exp.Name]
		if !ok {
			return nil, nerrors.New(nerrors.ErrCodeNotFound, "ONNX model has no initializer %s", exp.Name)
		}
		values, err := t.Floats()
		if err != nil {
			return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "initializer %s", exp.Name)
		}
		if len(exp.Shape) == 4 {
			if len(t.Dims) != 4 {
				return nil, nerrors.New(nerrors.ErrCodeShapeMismatch, "initializer %s has dims %v", exp.Name, t.Dims)
			}
			values = oihwToHWIO(values, int(t.Dims[0]), int(t.Dims[1]), int(t.Dims[2]), int(t.Dims[3]))
		}
		exp.Data = values
		weights = append(weights, exp)
	}

	ckpt := &Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		Metadata: CheckpointMetadata{
			Version:     model.ProducerVersion,
			Framework:   model.ProducerName,
			CreatedAt:   time.Now().UTC(),
			Description: "imported from " + path,
		},
	}
	if err := ckpt.Validate(false); err != nil {
		return nil, err
	}
	return ckpt, nil
}

// ONNXInfo summarises an ONNX file.
type ONNXInfo struct {
	ProducerName    string
	ProducerVersion string
	IRVersion       int64
	Opset           int64
	GraphName       string
	Inputs          []ONNXValue
	Outputs         []ONNXValue
	Ops             []string
	Initializers    int
	Parameters      int64
}

// ONNXValue is a graph input or output. Symbolic dimensions are -1.
type ONNXValue struct {
	Name  string
	Shape []int64
}

// InspectONNX reads the header, inputs, outputs and operator list of any
// ONNX file.
func InspectONNX(path string) (*ONNXInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	model, err := UnmarshalModel(data)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "failed to parse ONNX model")
	}

	info := &ONNXInfo{
		ProducerName:    model.ProducerName,
		ProducerVersion: model.ProducerVersion,
		IRVersion:       model.IrVersion,
	}
	for _, op := range model.OpsetImport {
		if op.Domain == "" {
			info.Opset = op.Version
		}
	}
	if model.Graph == nil {
		return info, nil
	}
	info.GraphName = model.Graph.Name
	for _, v := range model.Graph.Input {
		info.Inputs = append(info.Inputs, toONNXValue(v))
	}
	for _, v := range model.Graph.Output {
		info.Outputs = append(info.Outputs, toONNXValue(v))
	}
	for _, n := range model.Graph.Node {
		info.Ops = append(info.Ops, n.OpType)
	}
	info.Initializers = len(model.Graph.Initializer)
	for _, t := range model.Graph.Initializer {
		count := int64(1)
		for _, d := range t.Dims {
			count *= d
		}
		info.Parameters += count
	}
	return info, nil
}

func toONNXValue(v *ValueInfoProto) ONNXValue {
	out := ONNXValue{Name: v.Name}
	for _, d := range v.Dims {
		if d.DimParam != "" {
			out.Shape = append(out.Shape, -1)
		} else {
			out.Shape = append(out.Shape, d.DimValue)
		}
	}
	return out
}
