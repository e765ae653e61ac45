package optimizer

import (
	"fmt"
	"math"
)

// RMSPropOptimizerState holds RMSProp hyperparameters and slot buffers
type RMSPropOptimizerState struct {
	LearningRate float32
	Alpha        float32 // Smoothing constant for the squared gradient average
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool // Normalise by the estimated variance instead of the raw second moment

	SquaredGradAvgBuffers [][]float32
	MomentumBuffers       [][]float32 // only if momentum > 0
	GradAvgBuffers        [][]float32 // only if centered

	StepCount uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

func (c RMSPropConfig) OptimizerType() string { return "RMSProp" }

func (c RMSPropConfig) NewOptimizer() (Optimizer, error) { return NewRMSPropOptimizer(c) }

// NewRMSPropOptimizer creates a new RMSProp optimizer
func NewRMSPropOptimizer(config RMSPropConfig) (*RMSPropOptimizerState, error) {
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1), got %g", config.Alpha)
	}
	return &RMSPropOptimizerState{
		LearningRate: config.LearningRate,
		Alpha:        config.Alpha,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		Momentum:     config.Momentum,
		Centered:     config.Centered,
	}, nil
}

// Step performs a single RMSProp update.
func (r *RMSPropOptimizerState) Step(params []Param) error {
	if err := checkParams(params); err != nil {
		return err
	}
	if err := ensureBuffers(&r.SquaredGradAvgBuffers, params); err != nil {
		return err
	}
	if r.Momentum > 0 {
		if err := ensureBuffers(&r.MomentumBuffers, params); err != nil {
			return err
		}
	}
	if r.Centered {
		if err := ensureBuffers(&r.GradAvgBuffers, params); err != nil {
			return err
		}
	}

	for i, p := range params {
		sq := r.SquaredGradAvgBuffers[i]
		for j, g := range p.Grad {
			if r.WeightDecay != 0 {
				g += r.WeightDecay * p.Value[j]
			}
			sq[j] = r.Alpha*sq[j] + (1-r.Alpha)*g*g
			denomSq := sq[j]
			if r.Centered {
				ga := r.GradAvgBuffers[i]
				ga[j] = r.Alpha*ga[j] + (1-r.Alpha)*g
				denomSq -= ga[j] * ga[j]
			}
			update := g / (float32(math.Sqrt(float64(denomSq))) + r.Epsilon)
			if r.Momentum > 0 {
				buf := r.MomentumBuffers[i]
				buf[j] = r.Momentum*buf[j] + update
				update = buf[j]
			}
			p.Value[j] -= r.LearningRate * update
		}
	}
	r.StepCount++
	return nil
}

// UpdateLearningRate updates the learning rate
func (r *RMSPropOptimizerState) UpdateLearningRate(newLR float32) {
	r.LearningRate = newLR
}

func (r *RMSPropOptimizerState) GetLearningRate() float32 { return r.LearningRate }

// GetStepCount returns the current step count
func (r *RMSPropOptimizerState) GetStepCount() uint64 {
	return r.StepCount
}

// GetState extracts optimizer state for checkpointing
func (r *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	data := extractBufferState(r.SquaredGradAvgBuffers, "squared_grad_avg", "squared_grad_avg")
	data = append(data, extractBufferState(r.MomentumBuffers, "momentum", "momentum")...)
	data = append(data, extractBufferState(r.GradAvgBuffers, "grad_avg", "grad_avg")...)
	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]any{
			"learning_rate": r.LearningRate,
			"alpha":         r.Alpha,
			"epsilon":       r.Epsilon,
			"weight_decay":  r.WeightDecay,
			"momentum":      r.Momentum,
			"centered":      r.Centered,
			"step_count":    r.StepCount,
		},
		StateData: data,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (r *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	sq, err := restoreBufferState(state, "squared_grad_avg")
	if err != nil {
		return err
	}
	mom, err := restoreBufferState(state, "momentum")
	if err != nil {
		return err
	}
	ga, err := restoreBufferState(state, "grad_avg")
	if err != nil {
		return err
	}
	r.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", r.LearningRate)
	r.Alpha = extractFloat32Param(state.Parameters, "alpha", r.Alpha)
	r.Epsilon = extractFloat32Param(state.Parameters, "epsilon", r.Epsilon)
	r.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", r.WeightDecay)
	r.Momentum = extractFloat32Param(state.Parameters, "momentum", r.Momentum)
	r.Centered = extractBoolParam(state.Parameters, "centered", r.Centered)
	r.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	r.SquaredGradAvgBuffers, r.MomentumBuffers, r.GradAvgBuffers = sq, mom, ga
	return nil
}
