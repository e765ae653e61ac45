package engine

import (
	"math"

	"github.com/tsawler/go-netgraph/layers"
)

const (
	leakyReLUSlope = 0.01
	eluAlpha       = 1.0
)

// activate computes dst = act(src). width is the size of the last axis,
// over which softmax normalises.
func activate(act layers.ActivationType, dst, src []float32, width int) {
	switch act {
	case layers.Linear:
		copy(dst, src)
	case layers.ReLU:
		for i, v := range src {
			if v > 0 {
				dst[i] = v
			} else {
				dst[i] = 0
			}
		}
	case layers.Sigmoid:
		for i, v := range src {
			dst[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	case layers.Tanh:
		for i, v := range src {
			dst[i] = float32(math.Tanh(float64(v)))
		}
	case layers.LeakyReLU:
		for i, v := range src {
			if v > 0 {
				dst[i] = v
			} else {
				dst[i] = leakyReLUSlope * v
			}
		}
	case layers.ELU:
		for i, v := range src {
			if v > 0 {
				dst[i] = v
			} else {
				dst[i] = float32(eluAlpha * (math.Exp(float64(v)) - 1))
			}
		}
	case layers.Softmax:
		for start := 0; start < len(src); start += width {
			softmaxInto(dst[start:start+width], src[start:start+width])
		}
	}
}

// activationBackward maps the gradient of the activated output onto the
// pre-activation values z, given the forward output a.
func activationBackward(act layers.ActivationType, z, a, dA []float32, width int) []float32 {
	if act == layers.Linear {
		return dA
	}
	dZ := make([]float32, len(dA))
	switch act {
	case layers.ReLU:
		for i := range dA {
			if z[i] > 0 {
				dZ[i] = dA[i]
			}
		}
	case layers.Sigmoid:
		for i := range dA {
			dZ[i] = dA[i] * a[i] * (1 - a[i])
		}
	case layers.Tanh:
		for i := range dA {
			dZ[i] = dA[i] * (1 - a[i]*a[i])
		}
	case layers.LeakyReLU:
		for i := range dA {
			if z[i] > 0 {
				dZ[i] = dA[i]
			} else {
				dZ[i] = leakyReLUSlope * dA[i]
			}
		}
	case layers.ELU:
		for i := range dA {
			if z[i] > 0 {
				dZ[i] = dA[i]
			} else {
				dZ[i] = dA[i] * (a[i] + eluAlpha)
			}
		}
	case layers.Softmax:
		for start := 0; start < len(dA); start += width {
			var dot float32
			for j := start; j < start+width; j++ {
				dot += dA[j] * a[j]
			}
			for j := start; j < start+width; j++ {
				dZ[j] = a[j] * (dA[j] - dot)
			}
		}
	}
	return dZ
}
