package engine

import (
	"math/rand"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/optimizer"
)

// CPUEngine is a single-threaded reference engine. It is meant for tests,
// examples and small models; it is not tuned for speed.
type CPUEngine struct {
	spec   *layers.ModelSpec
	cfg    Config
	index  map[string]int // layer name -> position in spec.Layers
	params []*Parameter
	// per-layer kernel and bias, nil when absent
	kernels []*Parameter
	biases  []*Parameter
	rng     *rand.Rand
	closed  bool
}

// pass holds the intermediate values of one forward pass.
type pass struct {
	batch  int
	z, a   [][]float32 // pre-activation and output per layer
	masks  [][]float32 // dropout masks
	argmax [][]int     // max pooling winners
}

// NewCPUEngine allocates and initialises parameters for a compiled spec.
func NewCPUEngine(spec *layers.ModelSpec, cfg Config) (*CPUEngine, error) {
	if spec == nil || !spec.Compiled {
		return nil, nerrors.New(nerrors.ErrCodeIllegalState, "model spec is not compiled")
	}
	e := &CPUEngine{
		spec:    spec,
		cfg:     cfg,
		index:   make(map[string]int, len(spec.Layers)),
		kernels: make([]*Parameter, len(spec.Layers)),
		biases:  make([]*Parameter, len(spec.Layers)),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
	for i := range spec.Layers {
		l := &spec.Layers[i]
		e.index[l.Name] = i
		if !l.Type.HasParameters() {
			continue
		}
		fanIn, fanOut := fans(l)
		kernel := e.newParameter(l, "kernel", l.ParameterShapes[0], l.KernelInitializer, fanIn, fanOut)
		e.kernels[i] = kernel
		if l.UseBias {
			e.biases[i] = e.newParameter(l, "bias", l.ParameterShapes[1], l.BiasInitializer, fanIn, fanOut)
		}
	}
	return e, nil
}

func (e *CPUEngine) newParameter(l *layers.LayerSpec, name string, shape []int, init layers.Initializer, fanIn, fanOut int) *Parameter {
	p := &Parameter{
		Layer:     l.Name,
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      make([]float32, layers.ShapeSize(shape)),
		Trainable: l.Trainable,
	}
	seed := init.Seed
	if seed == 0 {
		seed = e.cfg.Seed*1_000_003 + int64(len(e.params)) + 1
	}
	initialize(p.Data, init, fanIn, fanOut, rand.New(rand.NewSource(seed)))
	e.params = append(e.params, p)
	return p
}

// Parameters returns the live parameter tensors.
func (e *CPUEngine) Parameters() []*Parameter {
	return e.params
}

// Close releases the engine.
func (e *CPUEngine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.params, e.kernels, e.biases = nil, nil, nil
	return nil
}

func (e *CPUEngine) check(x []float32, batch int) error {
	if e.closed {
		return nerrors.New(nerrors.ErrCodeIllegalState, "engine is closed")
	}
	if batch <= 0 {
		return nerrors.New(nerrors.ErrCodeInvalidInput, "batch size must be positive, got %d", batch)
	}
	if want := batch * layers.ShapeSize(e.spec.InputShape); len(x) != want {
		return nerrors.New(nerrors.ErrCodeShapeMismatch,
			"input has %d values, expected %d for %d samples of shape %v", len(x), want, batch, e.spec.InputShape)
	}
	return nil
}

// Forward runs inference and returns the model outputs.
func (e *CPUEngine) Forward(x []float32, batch int) ([]float32, error) {
	if err := e.check(x, batch); err != nil {
		return nil, err
	}
	p := e.forward(x, batch, false)
	return p.a[len(p.a)-1], nil
}

// EvaluateBatch runs inference and computes the loss.
func (e *CPUEngine) EvaluateBatch(x, y []float32, batch int) (BatchResult, error) {
	if err := e.check(x, batch); err != nil {
		return BatchResult{}, err
	}
	if e.cfg.Loss == nil {
		return BatchResult{}, nerrors.New(nerrors.ErrCodeIllegalState, "engine has no loss configured")
	}
	p := e.forward(x, batch, false)
	loss, _, _, err := e.loss(p, y)
	if err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Loss: loss, Outputs: p.a[len(p.a)-1]}, nil
}

// TrainBatch runs forward and backward passes and applies one optimizer step.
func (e *CPUEngine) TrainBatch(x, y []float32, batch int) (BatchResult, error) {
	if err := e.check(x, batch); err != nil {
		return BatchResult{}, err
	}
	if e.cfg.Loss == nil || e.cfg.Optimizer == nil {
		return BatchResult{}, nerrors.New(nerrors.ErrCodeIllegalState, "engine has no loss or optimizer configured")
	}

	p := e.forward(x, batch, true)
	loss, grad, fused, err := e.loss(p, y)
	if err != nil {
		return BatchResult{}, err
	}

	for _, param := range e.params {
		if param.grad == nil {
			param.grad = make([]float32, len(param.Data))
		} else {
			clear(param.grad)
		}
	}
	e.backward(p, grad, fused)

	var step []optimizer.Param
	for _, param := range e.params {
		if param.Trainable {
			step = append(step, optimizer.Param{Name: param.Key(), Value: param.Data, Grad: param.grad})
		}
	}
	if len(step) > 0 {
		if err := e.cfg.Optimizer.Step(step); err != nil {
			return BatchResult{}, err
		}
	}
	return BatchResult{Loss: loss, Outputs: p.a[len(p.a)-1]}, nil
}

// loss evaluates the configured loss. With softmax cross-entropy on a
// softmax output layer the loss is computed on the pre-activation values and
// fused is true: the returned gradient is then relative to z, not a.
func (e *CPUEngine) loss(p *pass, y []float32) (float64, []float32, bool, error) {
	last := len(e.spec.Layers) - 1
	width := layers.ShapeSize(e.spec.OutputShape)
	pred := p.a[last]
	_, ce := e.cfg.Loss.(SoftmaxCrossEntropyWithLogits)
	fused := ce && e.spec.Layers[last].Activation == layers.Softmax
	if fused {
		pred = p.z[last]
	}
	loss, grad, err := e.cfg.Loss.Compute(pred, y, p.batch, width)
	return loss, grad, fused, err
}

func (e *CPUEngine) forward(x []float32, batch int, training bool) *pass {
	n := len(e.spec.Layers)
	p := &pass{
		batch:  batch,
		z:      make([][]float32, n),
		a:      make([][]float32, n),
		masks:  make([][]float32, n),
		argmax: make([][]int, n),
	}

	for i := range e.spec.Layers {
		l := &e.spec.Layers[i]
		var in []float32
		if len(l.Inputs) > 0 {
			in = p.a[e.index[l.Inputs[0]]]
		}

		var z []float32
		switch l.Type {
		case layers.Input:
			z = x
		case layers.Dense:
			z = denseForward(in, e.kernels[i].Data, e.biasData(i), batch, l.InputShapes[0][0], l.Units)
		case layers.Conv2D:
			z = conv2DForward(in, e.kernels[i].Data, e.biasData(i), batch, newWindowGeometry(l, l.KernelSize))
		case layers.MaxPool2D:
			z, p.argmax[i] = maxPoolForward(in, batch, newWindowGeometry(l, l.PoolSize))
		case layers.AvgPool2D:
			z = avgPoolForward(in, batch, newWindowGeometry(l, l.PoolSize))
		case layers.GlobalAvgPool2D:
			s := l.InputShapes[0]
			z = globalAvgPoolForward(in, batch, s[0]*s[1], s[2])
		case layers.Flatten, layers.Activation:
			z = in
		case layers.Dropout:
			z = in
			if training && l.Rate > 0 {
				z, p.masks[i] = e.dropout(in, l.Rate)
			}
		case layers.Add:
			z = make([]float32, len(in))
			for _, name := range l.Inputs {
				for j, v := range p.a[e.index[name]] {
					z[j] += v
				}
			}
		}

		p.z[i] = z
		if l.Activation == layers.Linear {
			p.a[i] = z
		} else {
			p.a[i] = make([]float32, len(z))
			activate(l.Activation, p.a[i], z, lastDim(l.OutputShape))
		}
	}
	return p
}

func (e *CPUEngine) dropout(in []float32, rate float32) ([]float32, []float32) {
	keep := 1 - rate
	scale := 1 / keep
	out := make([]float32, len(in))
	mask := make([]float32, len(in))
	for j, v := range in {
		if e.rng.Float32() < keep {
			mask[j] = scale
			out[j] = v * scale
		}
	}
	return out, mask
}

// backward propagates grad (relative to the output layer's a, or its z when
// fused) through the graph and accumulates parameter gradients.
func (e *CPUEngine) backward(p *pass, grad []float32, fused bool) {
	n := len(e.spec.Layers)
	grads := make([][]float32, n)
	last := n - 1
	grads[last] = grad

	accumulate := func(name string, d []float32) {
		j := e.index[name]
		if grads[j] == nil {
			grads[j] = d
			return
		}
		for k, v := range d {
			grads[j][k] += v
		}
	}

	for i := last; i >= 1; i-- {
		l := &e.spec.Layers[i]
		dA := grads[i]
		if dA == nil {
			continue
		}
		dZ := dA
		if !(i == last && fused) {
			dZ = activationBackward(l.Activation, p.z[i], p.a[i], dA, lastDim(l.OutputShape))
		}

		var in []float32
		if len(l.Inputs) > 0 {
			in = p.a[e.index[l.Inputs[0]]]
		}

		switch l.Type {
		case layers.Dense:
			accumulate(l.Inputs[0], denseBackward(in, e.kernels[i].Data, dZ, e.kernels[i].grad, e.biasGrad(i),
				p.batch, l.InputShapes[0][0], l.Units))
		case layers.Conv2D:
			accumulate(l.Inputs[0], conv2DBackward(in, e.kernels[i].Data, dZ, e.kernels[i].grad, e.biasGrad(i),
				p.batch, newWindowGeometry(l, l.KernelSize)))
		case layers.MaxPool2D:
			accumulate(l.Inputs[0], maxPoolBackward(dZ, p.argmax[i], len(in)))
		case layers.AvgPool2D:
			accumulate(l.Inputs[0], avgPoolBackward(dZ, p.batch, newWindowGeometry(l, l.PoolSize)))
		case layers.GlobalAvgPool2D:
			s := l.InputShapes[0]
			accumulate(l.Inputs[0], globalAvgPoolBackward(dZ, p.batch, s[0]*s[1], s[2]))
		case layers.Flatten, layers.Activation:
			accumulate(l.Inputs[0], append([]float32(nil), dZ...))
		case layers.Dropout:
			d := append([]float32(nil), dZ...)
			if mask := p.masks[i]; mask != nil {
				for k := range d {
					d[k] *= mask[k]
				}
			}
			accumulate(l.Inputs[0], d)
		case layers.Add:
			for _, name := range l.Inputs {
				accumulate(name, append([]float32(nil), dZ...))
			}
		}
	}
}

func (e *CPUEngine) biasData(i int) []float32 {
	if e.biases[i] == nil {
		return nil
	}
	return e.biases[i].Data
}

func (e *CPUEngine) biasGrad(i int) []float32 {
	if e.biases[i] == nil {
		return nil
	}
	return e.biases[i].grad
}

func lastDim(shape []int) int {
	return shape[len(shape)-1]
}
