package layers

import (
	nerrors "github.com/tsawler/go-netgraph/errors"
)

// computeLayerInfo derives the output shape and parameter shapes of a layer
// from the shapes of its producers.
func computeLayerInfo(layer *LayerSpec, inputShapes [][]int) ([]int, [][]int, int64, error) {
	mismatch := func(format string, args ...any) error {
		return nerrors.New(nerrors.ErrCodeShapeMismatch, format, args...)
	}

	var in []int
	if len(inputShapes) > 0 {
		in = inputShapes[0]
	}

	switch layer.Type {
	case Input:
		return cloneShape(layer.Shape), nil, 0, nil

	case Dense:
		if len(in) != 1 {
			return nil, nil, 0, mismatch("dense layer %q expects rank-1 input, got %v (add a Flatten layer)", layer.Name, in)
		}
		params := [][]int{{in[0], layer.Units}}
		count := int64(in[0] * layer.Units)
		if layer.UseBias {
			params = append(params, []int{layer.Units})
			count += int64(layer.Units)
		}
		return []int{layer.Units}, params, count, nil

	case Conv2D:
		if len(in) != 3 {
			return nil, nil, 0, mismatch("conv2d layer %q expects [height, width, channels] input, got %v", layer.Name, in)
		}
		h, err := windowExtent(layer, in[0], layer.KernelSize[0], layer.Strides[0])
		if err != nil {
			return nil, nil, 0, err
		}
		w, err := windowExtent(layer, in[1], layer.KernelSize[1], layer.Strides[1])
		if err != nil {
			return nil, nil, 0, err
		}
		kh, kw, c := layer.KernelSize[0], layer.KernelSize[1], in[2]
		params := [][]int{{kh, kw, c, layer.Filters}}
		count := int64(kh * kw * c * layer.Filters)
		if layer.UseBias {
			params = append(params, []int{layer.Filters})
			count += int64(layer.Filters)
		}
		return []int{h, w, layer.Filters}, params, count, nil

	case MaxPool2D, AvgPool2D:
		if len(in) != 3 {
			return nil, nil, 0, mismatch("pooling layer %q expects [height, width, channels] input, got %v", layer.Name, in)
		}
		h, err := windowExtent(layer, in[0], layer.PoolSize[0], layer.Strides[0])
		if err != nil {
			return nil, nil, 0, err
		}
		w, err := windowExtent(layer, in[1], layer.PoolSize[1], layer.Strides[1])
		if err != nil {
			return nil, nil, 0, err
		}
		return []int{h, w, in[2]}, nil, 0, nil

	case Flatten:
		if len(in) < 2 {
			return nil, nil, 0, mismatch("flatten layer %q expects input of rank 2 or more, got %v", layer.Name, in)
		}
		return []int{ShapeSize(in)}, nil, 0, nil

	case GlobalAvgPool2D:
		if len(in) != 3 {
			return nil, nil, 0, mismatch("global average pooling layer %q expects [height, width, channels] input, got %v", layer.Name, in)
		}
		return []int{in[2]}, nil, 0, nil

	case Add:
		for i, s := range inputShapes[1:] {
			if !shapesEqual(in, s) {
				return nil, nil, 0, mismatch("add layer %q: producer %q has shape %v, producer %q has %v",
					layer.Name, layer.Inputs[0], in, layer.Inputs[i+1], s)
			}
		}
		return cloneShape(in), nil, 0, nil

	case Dropout, Activation:
		return cloneShape(in), nil, 0, nil

	default:
		return nil, nil, 0, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "unsupported layer type: %s", layer.Type)
	}
}

// windowExtent computes one spatial output dimension of a sliding window.
func windowExtent(layer *LayerSpec, in, window, stride int) (int, error) {
	if layer.Padding == PaddingSame {
		return (in + stride - 1) / stride, nil
	}
	if in < window {
		return 0, nerrors.New(nerrors.ErrCodeShapeMismatch,
			"%s layer %q: window %d does not fit input extent %d with valid padding", layer.Type, layer.Name, window, in)
	}
	return (in-window)/stride + 1, nil
}
