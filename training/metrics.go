package training

import (
	"math"
	"strings"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// Metric scores a batch of predictions. Predictions are batch-major rows of
// width values; targets are either one class index per sample or full rows.
type Metric interface {
	Name() string
	Compute(pred, target []float32, batch, width int) (float64, error)
}

// MetricFromName resolves the metric names used in run configurations.
func MetricFromName(name string) (Metric, error) {
	switch strings.ToLower(name) {
	case "accuracy", "acc":
		return Accuracy{}, nil
	case "mae", "mean_absolute_error":
		return MeanAbsoluteError{}, nil
	case "mse", "mean_squared_error":
		return MeanSquaredError{}, nil
	default:
		return nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "unknown metric %q", name)
	}
}

// Accuracy is the share of samples whose predicted class matches the
// target. A single-unit output is read as a probability with threshold 0.5.
type Accuracy struct{}

func (Accuracy) Name() string { return "accuracy" }

func (Accuracy) Compute(pred, target []float32, batch, width int) (float64, error) {
	if batch <= 0 || len(pred) != batch*width {
		return 0, nerrors.New(nerrors.ErrCodeShapeMismatch, "predictions have %d values for %d samples of width %d", len(pred), batch, width)
	}
	correct := 0
	for b := 0; b < batch; b++ {
		want, err := targetClass(target, b, batch, width)
		if err != nil {
			return 0, err
		}
		if predictedClass(pred[b*width:(b+1)*width]) == want {
			correct++
		}
	}
	return float64(correct) / float64(batch), nil
}

// predictedClass is the argmax of a row, or a 0.5 threshold for one unit.
func predictedClass(row []float32) int {
	if len(row) == 1 {
		if row[0] >= 0.5 {
			return 1
		}
		return 0
	}
	return argmax(row)
}

func targetClass(target []float32, b, batch, width int) (int, error) {
	switch len(target) {
	case batch:
		return int(target[b]), nil
	case batch * width:
		if width == 1 {
			return int(target[b]), nil
		}
		return argmax(target[b*width : (b+1)*width]), nil
	default:
		return 0, nerrors.New(nerrors.ErrCodeShapeMismatch,
			"targets have %d values, expected %d or %d", len(target), batch, batch*width)
	}
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row[1:] {
		if v > row[best] {
			best = i + 1
		}
	}
	return best
}

// MeanAbsoluteError averages |pred - target| over all values.
type MeanAbsoluteError struct{}

func (MeanAbsoluteError) Name() string { return "mae" }

func (MeanAbsoluteError) Compute(pred, target []float32, batch, width int) (float64, error) {
	if err := checkRegression(pred, target, batch, width); err != nil {
		return 0, err
	}
	var sum float64
	for i := range pred {
		sum += math.Abs(float64(pred[i] - target[i]))
	}
	return sum / float64(len(pred)), nil
}

// MeanSquaredError averages (pred - target)^2 over all values.
type MeanSquaredError struct{}

func (MeanSquaredError) Name() string { return "mse" }

func (MeanSquaredError) Compute(pred, target []float32, batch, width int) (float64, error) {
	if err := checkRegression(pred, target, batch, width); err != nil {
		return 0, err
	}
	var sum float64
	for i := range pred {
		d := float64(pred[i] - target[i])
		sum += d * d
	}
	return sum / float64(len(pred)), nil
}

func checkRegression(pred, target []float32, batch, width int) error {
	if batch <= 0 || len(pred) != batch*width || len(target) != len(pred) {
		return nerrors.New(nerrors.ErrCodeShapeMismatch,
			"regression metric needs %d predictions and targets, got %d and %d", batch*width, len(pred), len(target))
	}
	return nil
}

// ConfusionMatrix counts [true_class][predicted_class] pairs over a
// classification run.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Update adds a batch of predictions. Samples whose classes fall outside the
// matrix are skipped.
func (cm *ConfusionMatrix) Update(pred, target []float32, batch, width int) error {
	if len(pred) != batch*width {
		return nerrors.New(nerrors.ErrCodeShapeMismatch, "predictions have %d values for %d samples of width %d", len(pred), batch, width)
	}
	for b := 0; b < batch; b++ {
		trueClass, err := targetClass(target, b, batch, width)
		if err != nil {
			return err
		}
		predClass := predictedClass(pred[b*width : (b+1)*width])
		if trueClass < 0 || trueClass >= cm.NumClasses || predClass >= cm.NumClasses {
			continue
		}
		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}
	return nil
}

// Accuracy returns overall classification accuracy
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Precision of one class: tp / (tp + fp).
func (cm *ConfusionMatrix) Precision(class int) float64 {
	tp := float64(cm.Matrix[class][class])
	fp := 0.0
	for other := 0; other < cm.NumClasses; other++ {
		if other != class {
			fp += float64(cm.Matrix[other][class])
		}
	}
	if tp+fp == 0 {
		return 0
	}
	return tp / (tp + fp)
}

// Recall of one class: tp / (tp + fn).
func (cm *ConfusionMatrix) Recall(class int) float64 {
	tp := float64(cm.Matrix[class][class])
	fn := 0.0
	for other := 0; other < cm.NumClasses; other++ {
		if other != class {
			fn += float64(cm.Matrix[class][other])
		}
	}
	if tp+fn == 0 {
		return 0
	}
	return tp / (tp + fn)
}

// MacroF1 is the harmonic mean of macro precision and macro recall, where
// classes that never occur are left out of the averages.
func (cm *ConfusionMatrix) MacroF1() float64 {
	var p, r float64
	var np, nr int
	for class := 0; class < cm.NumClasses; class++ {
		predicted, actual := 0, 0
		for other := 0; other < cm.NumClasses; other++ {
			predicted += cm.Matrix[other][class]
			actual += cm.Matrix[class][other]
		}
		if predicted > 0 {
			p += cm.Precision(class)
			np++
		}
		if actual > 0 {
			r += cm.Recall(class)
			nr++
		}
	}
	if np == 0 || nr == 0 {
		return 0
	}
	p /= float64(np)
	r /= float64(nr)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// RegressionReport holds regression evaluation metrics
type RegressionReport struct {
	MAE  float64
	MSE  float64
	RMSE float64
	R2   float64
}

// NewRegressionReport scores paired predictions and targets.
func NewRegressionReport(pred, target []float32) (RegressionReport, error) {
	if len(pred) == 0 || len(pred) != len(target) {
		return RegressionReport{}, nerrors.New(nerrors.ErrCodeShapeMismatch,
			"%d predictions for %d targets", len(pred), len(target))
	}
	n := float64(len(pred))
	mean := 0.0
	for _, v := range target {
		mean += float64(v)
	}
	mean /= n

	var absErr, sqErr, sqTotal float64
	for i := range pred {
		d := float64(pred[i]) - float64(target[i])
		absErr += math.Abs(d)
		sqErr += d * d
		t := float64(target[i]) - mean
		sqTotal += t * t
	}
	r := RegressionReport{MAE: absErr / n, MSE: sqErr / n}
	r.RMSE = math.Sqrt(r.MSE)
	if sqTotal > 0 {
		r.R2 = 1 - sqErr/sqTotal
	}
	return r, nil
}
