package optimizer

import (
	"fmt"
	"math"
)

// AdaDeltaOptimizerState keeps running averages of squared gradients and
// squared updates
type AdaDeltaOptimizerState struct {
	config AdaDeltaConfig

	squaredGradAvgBuffers   [][]float32 // E[g^2]
	squaredUpdateAvgBuffers [][]float32 // E[dx^2]

	currentStep uint64
}

// AdaDeltaConfig holds configuration for AdaDelta optimizer
type AdaDeltaConfig struct {
	LearningRate float32 // Scale applied to the computed update (1.0 is the classic rule)
	Rho          float32 // Decay rate for moving averages (typically 0.95)
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

// DefaultAdaDeltaConfig returns default AdaDelta optimizer configuration
func DefaultAdaDeltaConfig() AdaDeltaConfig {
	return AdaDeltaConfig{
		LearningRate: 1.0,
		Rho:          0.95,
		Epsilon:      1e-6,
		WeightDecay:  0.0,
	}
}

func (c AdaDeltaConfig) OptimizerType() string { return "AdaDelta" }

func (c AdaDeltaConfig) NewOptimizer() (Optimizer, error) { return NewAdaDeltaOptimizer(c) }

// NewAdaDeltaOptimizer creates a new AdaDelta optimizer
func NewAdaDeltaOptimizer(config AdaDeltaConfig) (*AdaDeltaOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Rho <= 0 || config.Rho >= 1 {
		return nil, fmt.Errorf("rho must be in (0, 1), got %g", config.Rho)
	}
	return &AdaDeltaOptimizerState{config: config}, nil
}

// Step performs a single AdaDelta update.
func (a *AdaDeltaOptimizerState) Step(params []Param) error {
	if err := checkParams(params); err != nil {
		return err
	}
	if err := ensureBuffers(&a.squaredGradAvgBuffers, params); err != nil {
		return err
	}
	if err := ensureBuffers(&a.squaredUpdateAvgBuffers, params); err != nil {
		return err
	}
	rho, eps := a.config.Rho, a.config.Epsilon
	for i, p := range params {
		eg, edx := a.squaredGradAvgBuffers[i], a.squaredUpdateAvgBuffers[i]
		for j, g := range p.Grad {
			if a.config.WeightDecay != 0 {
				g += a.config.WeightDecay * p.Value[j]
			}
			eg[j] = rho*eg[j] + (1-rho)*g*g
			dx := float32(math.Sqrt(float64(edx[j]+eps))/math.Sqrt(float64(eg[j]+eps))) * g
			edx[j] = rho*edx[j] + (1-rho)*dx*dx
			p.Value[j] -= a.config.LearningRate * dx
		}
	}
	a.currentStep++
	return nil
}

// UpdateLearningRate updates the learning rate
func (a *AdaDeltaOptimizerState) UpdateLearningRate(newLR float32) {
	a.config.LearningRate = newLR
}

func (a *AdaDeltaOptimizerState) GetLearningRate() float32 { return a.config.LearningRate }

// GetStepCount returns the current step count
func (a *AdaDeltaOptimizerState) GetStepCount() uint64 {
	return a.currentStep
}

// GetState extracts optimizer state for checkpointing
func (a *AdaDeltaOptimizerState) GetState() (*OptimizerState, error) {
	data := extractBufferState(a.squaredGradAvgBuffers, "squared_grad_avg", "squared_grad_avg")
	data = append(data, extractBufferState(a.squaredUpdateAvgBuffers, "squared_update_avg", "squared_update_avg")...)
	return &OptimizerState{
		Type: "AdaDelta",
		Parameters: map[string]any{
			"learning_rate": a.config.LearningRate,
			"rho":           a.config.Rho,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.currentStep,
		},
		StateData: data,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdaDeltaOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaDelta", state); err != nil {
		return err
	}
	eg, err := restoreBufferState(state, "squared_grad_avg")
	if err != nil {
		return err
	}
	edx, err := restoreBufferState(state, "squared_update_avg")
	if err != nil {
		return err
	}
	a.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", a.config.LearningRate)
	a.config.Rho = extractFloat32Param(state.Parameters, "rho", a.config.Rho)
	a.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.currentStep = extractUint64Param(state.Parameters, "step_count", 0)
	a.squaredGradAvgBuffers, a.squaredUpdateAvgBuffers = eg, edx
	return nil
}
