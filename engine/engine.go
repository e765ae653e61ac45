// Package engine defines the contract between a model handle and the
// numeric backend that owns parameter tensors, and ships a pure-Go CPU
// reference implementation of that contract.
package engine

import (
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/optimizer"
)

// Parameter is one weight tensor owned by an engine. Data is laid out
// row-major in the order of Shape: Dense kernels are [in, units] and Conv2D
// kernels are [kh, kw, in_channels, filters].
type Parameter struct {
	Layer     string
	Name      string // "kernel" or "bias"
	Shape     []int
	Data      []float32
	Trainable bool

	grad []float32
}

// Key identifies the parameter within a model, e.g. "conv2d_1/kernel".
func (p *Parameter) Key() string {
	return p.Layer + "/" + p.Name
}

// BatchResult is returned from training and evaluation steps.
type BatchResult struct {
	Loss    float64   // mean loss over the batch
	Outputs []float32 // model outputs, batch-major
}

// Config carries everything an engine needs besides the topology.
// Optimizer and Loss may be nil for inference-only engines.
type Config struct {
	Optimizer optimizer.Optimizer
	Loss      Loss
	Seed      int64
}

// Engine executes a compiled topology. Inputs and targets are flat
// batch-major float32 buffers; per-sample layouts follow the layer shapes
// (channels last).
type Engine interface {
	// Parameters returns the live parameter tensors in topological layer
	// order. Writes to Data are visible to the next step.
	Parameters() []*Parameter

	// TrainBatch runs forward and backward passes and applies one
	// optimizer step.
	TrainBatch(x, y []float32, batch int) (BatchResult, error)

	// EvaluateBatch runs an inference forward pass and computes the loss.
	EvaluateBatch(x, y []float32, batch int) (BatchResult, error)

	// Forward runs inference and returns the outputs.
	Forward(x []float32, batch int) ([]float32, error)

	// Close releases the engine. Any later call fails.
	Close() error
}

// Factory allocates an engine for a compiled topology.
type Factory func(spec *layers.ModelSpec, cfg Config) (Engine, error)

// CPUFactory creates CPUEngine instances.
func CPUFactory(spec *layers.ModelSpec, cfg Config) (Engine, error) {
	return NewCPUEngine(spec, cfg)
}
