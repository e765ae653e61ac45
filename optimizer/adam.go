package optimizer

import (
	"fmt"
	"math"
)

// AdamOptimizerState holds Adam hyperparameters and moment buffers
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment for each parameter
	VarianceBuffers [][]float32 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

func (c AdamConfig) OptimizerType() string { return "Adam" }

func (c AdamConfig) NewOptimizer() (Optimizer, error) { return NewAdamOptimizer(c) }

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) (*AdamOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	return &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}, nil
}

// Step performs a single Adam update with bias correction.
func (adam *AdamOptimizerState) Step(params []Param) error {
	if err := checkParams(params); err != nil {
		return err
	}
	if err := ensureBuffers(&adam.MomentumBuffers, params); err != nil {
		return err
	}
	if err := ensureBuffers(&adam.VarianceBuffers, params); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	c1 := 1 - math.Pow(float64(adam.Beta1), t)
	c2 := 1 - math.Pow(float64(adam.Beta2), t)

	for i, p := range params {
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j, g := range p.Grad {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * p.Value[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			mHat := float64(m[j]) / c1
			vHat := float64(v[j]) / c2
			p.Value[j] -= float32(float64(adam.LearningRate) * mHat / (math.Sqrt(vHat) + float64(adam.Epsilon)))
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

func (adam *AdamOptimizerState) GetLearningRate() float32 { return adam.LearningRate }

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	data := extractBufferState(adam.MomentumBuffers, "momentum", "momentum")
	data = append(data, extractBufferState(adam.VarianceBuffers, "variance", "variance")...)
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]any{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: data,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	m, err := restoreBufferState(state, "momentum")
	if err != nil {
		return err
	}
	v, err := restoreBufferState(state, "variance")
	if err != nil {
		return err
	}
	if len(m) != len(v) {
		return fmt.Errorf("adam state has %d momentum and %d variance buffers", len(m), len(v))
	}
	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	adam.MomentumBuffers, adam.VarianceBuffers = m, v
	return nil
}
