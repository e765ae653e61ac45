package optimizer

import (
	"fmt"
	"math"
)

// NadamOptimizerState combines Adam's adaptive learning rates with Nesterov
// momentum
type NadamOptimizerState struct {
	config NadamConfig

	momentumBuffers [][]float32
	varianceBuffers [][]float32

	currentStep uint64
}

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float32 // Base learning rate (typically 0.002)
	Beta1        float32 // Exponential decay rate for first moment estimates (typically 0.9)
	Beta2        float32 // Exponential decay rate for second moment estimates (typically 0.999)
	Epsilon      float32 // Small constant for numerical stability (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient (typically 0.0)
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.002, // Nadam typically uses slightly higher LR than Adam
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

func (c NadamConfig) OptimizerType() string { return "Nadam" }

func (c NadamConfig) NewOptimizer() (Optimizer, error) { return NewNadamOptimizer(c) }

// NewNadamOptimizer creates a new Nadam optimizer
func NewNadamOptimizer(config NadamConfig) (*NadamOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	return &NadamOptimizerState{config: config}, nil
}

// Step performs a single Nadam update.
func (n *NadamOptimizerState) Step(params []Param) error {
	if err := checkParams(params); err != nil {
		return err
	}
	if err := ensureBuffers(&n.momentumBuffers, params); err != nil {
		return err
	}
	if err := ensureBuffers(&n.varianceBuffers, params); err != nil {
		return err
	}
	n.currentStep++
	t := float64(n.currentStep)
	b1, b2 := float64(n.config.Beta1), float64(n.config.Beta2)
	c1 := 1 - math.Pow(b1, t)
	c1Next := 1 - math.Pow(b1, t+1)
	c2 := 1 - math.Pow(b2, t)

	for i, p := range params {
		m, v := n.momentumBuffers[i], n.varianceBuffers[i]
		for j, g := range p.Grad {
			if n.config.WeightDecay != 0 {
				g += n.config.WeightDecay * p.Value[j]
			}
			m[j] = n.config.Beta1*m[j] + (1-n.config.Beta1)*g
			v[j] = n.config.Beta2*v[j] + (1-n.config.Beta2)*g*g
			mHat := b1*float64(m[j])/c1Next + (1-b1)*float64(g)/c1
			vHat := float64(v[j]) / c2
			p.Value[j] -= float32(float64(n.config.LearningRate) * mHat / (math.Sqrt(vHat) + float64(n.config.Epsilon)))
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (n *NadamOptimizerState) UpdateLearningRate(newLR float32) {
	n.config.LearningRate = newLR
}

func (n *NadamOptimizerState) GetLearningRate() float32 { return n.config.LearningRate }

// GetStepCount returns the current step count
func (n *NadamOptimizerState) GetStepCount() uint64 {
	return n.currentStep
}

// GetState extracts optimizer state for checkpointing
func (n *NadamOptimizerState) GetState() (*OptimizerState, error) {
	data := extractBufferState(n.momentumBuffers, "momentum", "momentum")
	data = append(data, extractBufferState(n.varianceBuffers, "variance", "variance")...)
	return &OptimizerState{
		Type: "Nadam",
		Parameters: map[string]any{
			"learning_rate": n.config.LearningRate,
			"beta1":         n.config.Beta1,
			"beta2":         n.config.Beta2,
			"epsilon":       n.config.Epsilon,
			"weight_decay":  n.config.WeightDecay,
			"step_count":    n.currentStep,
		},
		StateData: data,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (n *NadamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Nadam", state); err != nil {
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
	n.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", n.config.LearningRate)
	n.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", n.config.Beta1)
	n.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", n.config.Beta2)
	n.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", n.config.Epsilon)
	n.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", n.config.WeightDecay)
	n.currentStep = extractUint64Param(state.Parameters, "step_count", 0)
	n.momentumBuffers, n.varianceBuffers = m, v
	return nil
}
