package optimizer

import (
	"fmt"
)

// Common helper functions for optimizer state management

// ensureBuffers lazily allocates one zeroed slot buffer per parameter and
// verifies that the parameter layout did not change between steps.
func ensureBuffers(buffers *[][]float32, params []Param) error {
	if *buffers == nil {
		*buffers = make([][]float32, len(params))
		for i, p := range params {
			(*buffers)[i] = make([]float32, len(p.Value))
		}
		return nil
	}
	if len(*buffers) != len(params) {
		return fmt.Errorf("optimizer was initialised for %d parameters, got %d", len(*buffers), len(params))
	}
	for i, p := range params {
		if len((*buffers)[i]) != len(p.Value) {
			return fmt.Errorf("parameter %s changed size from %d to %d", p.Name, len((*buffers)[i]), len(p.Value))
		}
	}
	return nil
}

// extractBufferState copies every slot buffer out as named tensors.
func extractBufferState(buffers [][]float32, prefix string, stateType string) []OptimizerTensor {
	out := make([]OptimizerTensor, 0, len(buffers))
	for i, buf := range buffers {
		out = append(out, OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", prefix, i),
			Shape:     []int{len(buf)},
			Data:      append([]float32(nil), buf...),
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferState rebuilds the slot buffers of one state type.
func restoreBufferState(state *OptimizerState, stateType string) ([][]float32, error) {
	var buffers [][]float32
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 {
			return nil, fmt.Errorf("invalid state tensor name %q", t.Name)
		}
		for len(buffers) <= idx {
			buffers = append(buffers, nil)
		}
		buffers[idx] = append([]float32(nil), t.Data...)
	}
	for i, b := range buffers {
		if b == nil {
			return nil, fmt.Errorf("missing %s state for parameter %d", stateType, i)
		}
	}
	return buffers, nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values decoded from JSON arrive as float64.
func extractFloat32Param(params map[string]any, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]any, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]any, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}
