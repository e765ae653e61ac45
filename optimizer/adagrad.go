package optimizer

import (
	"math"
)

// AdaGradOptimizerState accumulates squared gradients per parameter
type AdaGradOptimizerState struct {
	config AdaGradConfig

	squaredGradAvgBuffers [][]float32 // Accumulated squared gradients

	currentStep uint64
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float32 // Learning rate
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

func (c AdaGradConfig) OptimizerType() string { return "AdaGrad" }

func (c AdaGradConfig) NewOptimizer() (Optimizer, error) { return NewAdaGradOptimizer(c) }

// NewAdaGradOptimizer creates a new AdaGrad optimizer
func NewAdaGradOptimizer(config AdaGradConfig) (*AdaGradOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	return &AdaGradOptimizerState{config: config}, nil
}

// Step performs a single AdaGrad update.
func (a *AdaGradOptimizerState) Step(params []Param) error {
	if err := checkParams(params); err != nil {
		return err
	}
	if err := ensureBuffers(&a.squaredGradAvgBuffers, params); err != nil {
		return err
	}
	for i, p := range params {
		acc := a.squaredGradAvgBuffers[i]
		for j, g := range p.Grad {
			if a.config.WeightDecay != 0 {
				g += a.config.WeightDecay * p.Value[j]
			}
			acc[j] += g * g
			p.Value[j] -= a.config.LearningRate * g / (float32(math.Sqrt(float64(acc[j]))) + a.config.Epsilon)
		}
	}
	a.currentStep++
	return nil
}

// UpdateLearningRate updates the learning rate
func (a *AdaGradOptimizerState) UpdateLearningRate(newLR float32) {
	a.config.LearningRate = newLR
}

func (a *AdaGradOptimizerState) GetLearningRate() float32 { return a.config.LearningRate }

// GetStepCount returns the current step count
func (a *AdaGradOptimizerState) GetStepCount() uint64 {
	return a.currentStep
}

// GetState extracts optimizer state for checkpointing
func (a *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]any{
			"learning_rate": a.config.LearningRate,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.currentStep,
		},
		StateData: extractBufferState(a.squaredGradAvgBuffers, "squared_grad_avg", "squared_grad_avg"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}
	acc, err := restoreBufferState(state, "squared_grad_avg")
	if err != nil {
		return err
	}
	a.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", a.config.LearningRate)
	a.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.currentStep = extractUint64Param(state.Parameters, "step_count", 0)
	a.squaredGradAvgBuffers = acc
	return nil
}
