package optimizer

import (
	"fmt"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	MomentumBuffers [][]float32 // Velocity per parameter (only if momentum > 0)

	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

func (c SGDConfig) OptimizerType() string { return "SGD" }

func (c SGDConfig) NewOptimizer() (Optimizer, error) { return NewSGDOptimizer(c) }

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) (*SGDOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %g", config.Momentum)
	}
	return &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
	}, nil
}

// Step applies v = momentum*v + g; w -= lr*v (or the Nesterov variant).
func (sgd *SGDOptimizerState) Step(params []Param) error {
	if err := checkParams(params); err != nil {
		return err
	}
	if sgd.Momentum > 0 {
		if err := ensureBuffers(&sgd.MomentumBuffers, params); err != nil {
			return err
		}
	}

	for i, p := range params {
		for j, g := range p.Grad {
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * p.Value[j]
			}
			if sgd.Momentum > 0 {
				v := sgd.MomentumBuffers[i]
				v[j] = sgd.Momentum*v[j] + g
				if sgd.Nesterov {
					g += sgd.Momentum * v[j]
				} else {
					g = v[j]
				}
			}
			p.Value[j] -= sgd.LearningRate * g
		}
	}
	sgd.StepCount++
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float32 { return sgd.LearningRate }

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]any{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: extractBufferState(sgd.MomentumBuffers, "momentum", "momentum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	buffers, err := restoreBufferState(state, "momentum")
	if err != nil {
		return err
	}
	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	sgd.MomentumBuffers = buffers
	return nil
}
