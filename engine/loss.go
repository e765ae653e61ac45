package engine

import (
	"math"
	"strings"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// Loss computes the mean loss of a batch and its gradient with respect to
// the predictions. The gradient already includes the 1/batch factor.
type Loss interface {
	Name() string
	Compute(pred, target []float32, batch, width int) (float64, []float32, error)
}

// SoftmaxCrossEntropyWithLogits applies softmax to the predictions and
// computes categorical cross-entropy. Targets are either one class index
// per sample or a full probability row per sample.
//
// When the output layer itself ends in a softmax, engines feed the
// pre-activation values so the softmax is applied once.
type SoftmaxCrossEntropyWithLogits struct{}

func (SoftmaxCrossEntropyWithLogits) Name() string { return "softmax_cross_entropy_with_logits" }

func (SoftmaxCrossEntropyWithLogits) Compute(logits, target []float32, batch, width int) (float64, []float32, error) {
	if len(logits) != batch*width {
		return 0, nil, nerrors.New(nerrors.ErrCodeShapeMismatch,
			"predictions have %d values, expected %d", len(logits), batch*width)
	}
	sparse := len(target) == batch
	if !sparse && len(target) != batch*width {
		return 0, nil, nerrors.New(nerrors.ErrCodeShapeMismatch,
			"targets have %d values, expected %d (class indices) or %d (one-hot)", len(target), batch, batch*width)
	}

	grad := make([]float32, len(logits))
	total := 0.0
	inv := 1 / float32(batch)
	for b := 0; b < batch; b++ {
		row := logits[b*width : (b+1)*width]
		probs := grad[b*width : (b+1)*width]
		lse := softmaxInto(probs, row)

		if sparse {
			k := int(target[b])
			if k < 0 || k >= width || float32(k) != target[b] {
				return 0, nil, nerrors.New(nerrors.ErrCodeInvalidInput,
					"label %g out of range for %d classes", target[b], width)
			}
			total += lse - float64(row[k])
			for j := range probs {
				probs[j] *= inv
			}
			probs[k] -= inv
			continue
		}

		y := target[b*width : (b+1)*width]
		for j := range probs {
			total += float64(y[j]) * (lse - float64(row[j]))
			probs[j] = (probs[j] - y[j]) * inv
		}
	}
	return total / float64(batch), grad, nil
}

// softmaxInto writes softmax(row) into dst and returns log-sum-exp(row).
func softmaxInto(dst, row []float32) float64 {
	maxV := row[0]
	for _, v := range row[1:] {
		if v > maxV {
			maxV = v
		}
	}
	sum := 0.0
	for j, v := range row {
		e := math.Exp(float64(v - maxV))
		dst[j] = float32(e)
		sum += e
	}
	for j := range dst {
		dst[j] = float32(float64(dst[j]) / sum)
	}
	return float64(maxV) + math.Log(sum)
}

// MeanSquaredError averages (pred-target)^2 over every element.
type MeanSquaredError struct{}

func (MeanSquaredError) Name() string { return "mse" }

func (MeanSquaredError) Compute(pred, target []float32, batch, width int) (float64, []float32, error) {
	if err := checkRegression(pred, target, batch, width); err != nil {
		return 0, nil, err
	}
	n := float64(len(pred))
	grad := make([]float32, len(pred))
	total := 0.0
	for i := range pred {
		d := float64(pred[i] - target[i])
		total += d * d
		grad[i] = float32(2 * d / n)
	}
	return total / n, grad, nil
}

// MeanAbsoluteError averages |pred-target| over every element.
type MeanAbsoluteError struct{}

func (MeanAbsoluteError) Name() string { return "mae" }

func (MeanAbsoluteError) Compute(pred, target []float32, batch, width int) (float64, []float32, error) {
	if err := checkRegression(pred, target, batch, width); err != nil {
		return 0, nil, err
	}
	n := float64(len(pred))
	grad := make([]float32, len(pred))
	total := 0.0
	for i := range pred {
		d := float64(pred[i] - target[i])
		total += math.Abs(d)
		switch {
		case d > 0:
			grad[i] = float32(1 / n)
		case d < 0:
			grad[i] = float32(-1 / n)
		}
	}
	return total / n, grad, nil
}

func checkRegression(pred, target []float32, batch, width int) error {
	if len(pred) != batch*width || len(target) != len(pred) {
		return nerrors.New(nerrors.ErrCodeShapeMismatch,
			"predictions (%d) and targets (%d) must both hold %d values", len(pred), len(target), batch*width)
	}
	return nil
}

// LossFromName resolves the loss names used in run configurations.
func LossFromName(name string) (Loss, error) {
	switch strings.ToLower(name) {
	case "softmax_cross_entropy_with_logits", "softmax_cross_entropy", "cross_entropy", "sparse_categorical_crossentropy":
		return SoftmaxCrossEntropyWithLogits{}, nil
	case "mse", "mean_squared_error":
		return MeanSquaredError{}, nil
	case "mae", "mean_absolute_error":
		return MeanAbsoluteError{}, nil
	default:
		return nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "unknown loss %q", name)
	}
}
