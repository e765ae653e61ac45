// Package optimizer implements the parameter update rules used by the
// reference engine. Every optimizer works in place on float32 slices and can
// export its slot state for checkpoints.
package optimizer

import (
	"fmt"
	"strings"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// Param is one trainable tensor with the gradient accumulated for it during
// the last batch. Value is updated in place.
type Param struct {
	Name  string
	Value []float32
	Grad  []float32
}

// Optimizer defines the common interface for all optimizers.
// The parameter list handed to Step must keep the same order and sizes for
// the lifetime of the optimizer; slot buffers are matched by position.
type Optimizer interface {
	// Step performs a single optimization step
	Step(params []Param) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the learning rate used by the next step
	GetLearningRate() float32
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string            `json:"type"`       // "Adam", "SGD", etc.
	Parameters map[string]any    `json:"parameters"` // Hyperparameters
	StateData  []OptimizerTensor `json:"state_data"` // slot buffers
}

// OptimizerTensor is one slot buffer, e.g. the Adam first moment of the
// third parameter ("momentum_2").
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// Config is an optimizer configuration that can instantiate its optimizer.
// Model.Compile takes a Config so a handle can be reset and recompiled.
type Config interface {
	OptimizerType() string
	NewOptimizer() (Optimizer, error)
}

// FromName returns the default configuration of the named optimizer with
// the learning rate overridden when lr > 0. Names are matched case
// insensitively: sgd, adam, rmsprop, adagrad, adadelta, nadam.
func FromName(name string, lr float32) (Config, error) {
	switch strings.ToLower(name) {
	case "sgd":
		c := DefaultSGDConfig()
		if lr > 0 {
			c.LearningRate = lr
		}
		return c, nil
	case "adam":
		c := DefaultAdamConfig()
		if lr > 0 {
			c.LearningRate = lr
		}
		return c, nil
	case "rmsprop":
		c := DefaultRMSPropConfig()
		if lr > 0 {
			c.LearningRate = lr
		}
		return c, nil
	case "adagrad":
		c := DefaultAdaGradConfig()
		if lr > 0 {
			c.LearningRate = lr
		}
		return c, nil
	case "adadelta":
		c := DefaultAdaDeltaConfig()
		if lr > 0 {
			c.LearningRate = lr
		}
		return c, nil
	case "nadam":
		c := DefaultNadamConfig()
		if lr > 0 {
			c.LearningRate = lr
		}
		return c, nil
	default:
		return nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "unknown optimizer %q", name)
	}
}

func validateLearningRate(lr float32) error {
	if lr <= 0 {
		return nerrors.New(nerrors.ErrCodeInvalidConfiguration, "learning rate must be positive, got %g", lr)
	}
	return nil
}

func checkParams(params []Param) error {
	for _, p := range params {
		if len(p.Value) != len(p.Grad) {
			return fmt.Errorf("parameter %s: %d values but %d gradients", p.Name, len(p.Value), len(p.Grad))
		}
	}
	return nil
}
