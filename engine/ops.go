package engine

import (
	"github.com/tsawler/go-netgraph/layers"
)

// windowGeometry describes a sliding window over a [H, W, C] sample.
type windowGeometry struct {
	inH, inW, inC    int
	outH, outW, outC int
	kH, kW           int
	sH, sW           int
	padT, padL       int
}

func newWindowGeometry(l *layers.LayerSpec, window [2]int) windowGeometry {
	in, out := l.InputShapes[0], l.OutputShape
	g := windowGeometry{
		inH: in[0], inW: in[1], inC: in[2],
		outH: out[0], outW: out[1], outC: out[2],
		kH: window[0], kW: window[1],
		sH: l.Strides[0], sW: l.Strides[1],
	}
	if l.Padding == layers.PaddingSame {
		g.padT = samePadBefore(g.inH, g.outH, g.kH, g.sH)
		g.padL = samePadBefore(g.inW, g.outW, g.kW, g.sW)
	}
	return g
}

// samePadBefore splits the total padding like TensorFlow: the extra row or
// column goes after the data.
func samePadBefore(in, out, k, s int) int {
	total := (out-1)*s + k - in
	if total < 0 {
		return 0
	}
	return total / 2
}

// denseForward computes z = x*W + b for a batch of rank-1 samples.
func denseForward(x, w, bias []float32, batch, in, units int) []float32 {
	z := make([]float32, batch*units)
	for b := 0; b < batch; b++ {
		row := z[b*units : (b+1)*units]
		if bias != nil {
			copy(row, bias)
		}
		for i := 0; i < in; i++ {
			v := x[b*in+i]
			if v == 0 {
				continue
			}
			wRow := w[i*units : (i+1)*units]
			for u := range row {
				row[u] += v * wRow[u]
			}
		}
	}
	return z
}

// denseBackward accumulates kernel and bias gradients and returns dX.
func denseBackward(x, w, dZ, dW, dB []float32, batch, in, units int) []float32 {
	dX := make([]float32, batch*in)
	for b := 0; b < batch; b++ {
		dz := dZ[b*units : (b+1)*units]
		if dB != nil {
			for u, g := range dz {
				dB[u] += g
			}
		}
		for i := 0; i < in; i++ {
			v := x[b*in+i]
			wRow := w[i*units : (i+1)*units]
			dwRow := dW[i*units : (i+1)*units]
			var acc float32
			for u, g := range dz {
				dwRow[u] += v * g
				acc += wRow[u] * g
			}
			dX[b*in+i] = acc
		}
	}
	return dX
}

// conv2DForward convolves channels-last samples with a [kh, kw, C, F] kernel.
func conv2DForward(x, w, bias []float32, batch int, g windowGeometry) []float32 {
	F := g.outC
	z := make([]float32, batch*g.outH*g.outW*F)
	for b := 0; b < batch; b++ {
		for oh := 0; oh < g.outH; oh++ {
			for ow := 0; ow < g.outW; ow++ {
				outBase := ((b*g.outH+oh)*g.outW + ow) * F
				out := z[outBase : outBase+F]
				if bias != nil {
					copy(out, bias)
				}
				for kh := 0; kh < g.kH; kh++ {
					ih := oh*g.sH + kh - g.padT
					if ih < 0 || ih >= g.inH {
						continue
					}
					for kw := 0; kw < g.kW; kw++ {
						iw := ow*g.sW + kw - g.padL
						if iw < 0 || iw >= g.inW {
							continue
						}
						inBase := ((b*g.inH+ih)*g.inW + iw) * g.inC
						kBase := (kh*g.kW + kw) * g.inC * F
						for ic := 0; ic < g.inC; ic++ {
							v := x[inBase+ic]
							kRow := w[kBase+ic*F : kBase+(ic+1)*F]
							for f := range out {
								out[f] += v * kRow[f]
							}
						}
					}
				}
			}
		}
	}
	return z
}

// conv2DBackward accumulates kernel and bias gradients and returns dX.
func conv2DBackward(x, w, dZ, dW, dB []float32, batch int, g windowGeometry) []float32 {
	F := g.outC
	dX := make([]float32, batch*g.inH*g.inW*g.inC)
	for b := 0; b < batch; b++ {
		for oh := 0; oh < g.outH; oh++ {
			for ow := 0; ow < g.outW; ow++ {
				outBase := ((b*g.outH+oh)*g.outW + ow) * F
				dz := dZ[outBase : outBase+F]
				if dB != nil {
					for f, v := range dz {
						dB[f] += v
					}
				}
				for kh := 0; kh < g.kH; kh++ {
					ih := oh*g.sH + kh - g.padT
					if ih < 0 || ih >= g.inH {
						continue
					}
					for kw := 0; kw < g.kW; kw++ {
						iw := ow*g.sW + kw - g.padL
						if iw < 0 || iw >= g.inW {
							continue
						}
						inBase := ((b*g.inH+ih)*g.inW + iw) * g.inC
						kBase := (kh*g.kW + kw) * g.inC * F
						for ic := 0; ic < g.inC; ic++ {
							v := x[inBase+ic]
							kOff := kBase + ic*F
							var acc float32
							for f, d := range dz {
								dW[kOff+f] += v * d
								acc += w[kOff+f] * d
							}
							dX[inBase+ic] += acc
						}
					}
				}
			}
		}
	}
	return dX
}

// maxPoolForward returns the pooled values and, for each output element,
// the flat index of the input element that produced it.
func maxPoolForward(x []float32, batch int, g windowGeometry) ([]float32, []int) {
	C := g.inC
	z := make([]float32, batch*g.outH*g.outW*C)
	argmax := make([]int, len(z))
	for b := 0; b < batch; b++ {
		for oh := 0; oh < g.outH; oh++ {
			for ow := 0; ow < g.outW; ow++ {
				outBase := ((b*g.outH+oh)*g.outW + ow) * C
				for c := 0; c < C; c++ {
					best := -1
					var bestV float32
					for kh := 0; kh < g.kH; kh++ {
						ih := oh*g.sH + kh - g.padT
						if ih < 0 || ih >= g.inH {
							continue
						}
						for kw := 0; kw < g.kW; kw++ {
							iw := ow*g.sW + kw - g.padL
							if iw < 0 || iw >= g.inW {
								continue
							}
							idx := ((b*g.inH+ih)*g.inW+iw)*C + c
							if best < 0 || x[idx] > bestV {
								best, bestV = idx, x[idx]
							}
						}
					}
					z[outBase+c] = bestV
					argmax[outBase+c] = best
				}
			}
		}
	}
	return z, argmax
}

func maxPoolBackward(dZ []float32, argmax []int, inSize int) []float32 {
	dX := make([]float32, inSize)
	for i, d := range dZ {
		if argmax[i] >= 0 {
			dX[argmax[i]] += d
		}
	}
	return dX
}

// avgPoolForward averages each window over the in-bounds elements only.
func avgPoolForward(x []float32, batch int, g windowGeometry) []float32 {
	C := g.inC
	z := make([]float32, batch*g.outH*g.outW*C)
	g.eachWindow(batch, func(outBase int, cells []int) {
		if len(cells) == 0 {
			return
		}
		inv := 1 / float32(len(cells))
		for c := 0; c < C; c++ {
			var sum float32
			for _, base := range cells {
				sum += x[base+c]
			}
			z[outBase+c] = sum * inv
		}
	})
	return z
}

func avgPoolBackward(dZ []float32, batch int, g windowGeometry) []float32 {
	C := g.inC
	dX := make([]float32, batch*g.inH*g.inW*C)
	g.eachWindow(batch, func(outBase int, cells []int) {
		if len(cells) == 0 {
			return
		}
		inv := 1 / float32(len(cells))
		for c := 0; c < C; c++ {
			d := dZ[outBase+c] * inv
			for _, base := range cells {
				dX[base+c] += d
			}
		}
	})
	return dX
}

// eachWindow calls fn with the output offset and the input offsets of the
// in-bounds cells of every window.
func (g windowGeometry) eachWindow(batch int, fn func(outBase int, cells []int)) {
	cells := make([]int, 0, g.kH*g.kW)
	for b := 0; b < batch; b++ {
		for oh := 0; oh < g.outH; oh++ {
			for ow := 0; ow < g.outW; ow++ {
				cells = cells[:0]
				for kh := 0; kh < g.kH; kh++ {
					ih := oh*g.sH + kh - g.padT
					if ih < 0 || ih >= g.inH {
						continue
					}
					for kw := 0; kw < g.kW; kw++ {
						iw := ow*g.sW + kw - g.padL
						if iw < 0 || iw >= g.inW {
							continue
						}
						cells = append(cells, ((b*g.inH+ih)*g.inW+iw)*g.inC)
					}
				}
				fn(((b*g.outH+oh)*g.outW+ow)*g.outC, cells)
			}
		}
	}
}

// globalAvgPoolForward averages each channel over the spatial positions.
func globalAvgPoolForward(x []float32, batch, positions, channels int) []float32 {
	z := make([]float32, batch*channels)
	inv := 1 / float32(positions)
	for b := 0; b < batch; b++ {
		out := z[b*channels : (b+1)*channels]
		for p := 0; p < positions; p++ {
			base := (b*positions + p) * channels
			for c := range out {
				out[c] += x[base+c]
			}
		}
		for c := range out {
			out[c] *= inv
		}
	}
	return z
}

func globalAvgPoolBackward(dZ []float32, batch, positions, channels int) []float32 {
	dX := make([]float32, batch*positions*channels)
	inv := 1 / float32(positions)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			base := (b*positions + p) * channels
			for c := 0; c < channels; c++ {
				dX[base+c] = dZ[b*channels+c] * inv
			}
		}
	}
	return dX
}
