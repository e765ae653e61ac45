package training

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tsawler/go-netgraph/dataset"
	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
)

// FitConfig controls a training run.
type FitConfig struct {
	Epochs    int
	BatchSize int
	Shuffle   bool
	Verbose   bool

	// Validation is evaluated after every epoch when set.
	Validation          dataset.Dataset
	ValidationBatchSize int

	// Scheduler sets the learning rate at the start of every epoch.
	Scheduler LRScheduler

	// Progress receives the progress bar when Verbose is set. Defaults to
	// standard error.
	Progress io.Writer

	// Context stops training between batches once it is done. Fit then
	// returns the history so far and the context error.
	Context context.Context
}

// EpochStats summarises one epoch. Validation fields are zero without a
// validation dataset.
type EpochStats struct {
	Epoch        int
	Loss         float64
	Metric       float64
	ValLoss      float64
	ValMetric    float64
	LearningRate float64
	Duration     time.Duration
}

// History collects the epochs of one Fit call.
type History struct {
	MetricName string
	Epochs     []EpochStats
}

// Last returns the stats of the final epoch.
func (h *History) Last() EpochStats {
	if len(h.Epochs) == 0 {
		return EpochStats{}
	}
	return h.Epochs[len(h.Epochs)-1]
}

// EvaluationResult is the batch-size weighted mean loss and metrics over a
// dataset.
type EvaluationResult struct {
	Loss    float64
	Metrics map[string]float64
}

// checkDataset verifies sample widths against the model input and output
// before anything reaches the engine.
func (m *Model) checkDataset(ds dataset.Dataset) error {
	if ds == nil || ds.Len() == 0 {
		return nerrors.New(nerrors.ErrCodeInvalidInput, "dataset is empty")
	}
	want := layers.ShapeSize(m.spec.InputShape)
	if got := len(ds.X(0)); got != want {
		return nerrors.New(nerrors.ErrCodeShapeMismatch,
			"samples have %d features, model input %v needs %d", got, m.spec.InputShape, want)
	}
	out := layers.ShapeSize(m.spec.OutputShape)
	if got := len(ds.Y(0)); got != 1 && got != out {
		return nerrors.New(nerrors.ErrCodeShapeMismatch,
			"labels have width %d, model output %v needs 1 or %d", got, m.spec.OutputShape, out)
	}
	return nil
}

// Fit trains the model for cfg.Epochs epochs of ceil(N/BatchSize) batches.
func (m *Model) Fit(ds dataset.Dataset, cfg FitConfig) (*History, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if cfg.Epochs <= 0 || cfg.BatchSize <= 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration,
			"epochs and batch size must be positive, got %d and %d", cfg.Epochs, cfg.BatchSize)
	}
	if err := m.checkDataset(ds); err != nil {
		return nil, err
	}
	if cfg.Validation != nil {
		if err := m.checkDataset(cfg.Validation); err != nil {
			return nil, fmt.Errorf("validation dataset: %w", err)
		}
		if cfg.ValidationBatchSize <= 0 {
			cfg.ValidationBatchSize = cfg.BatchSize
		}
	}
	if cfg.Verbose && cfg.Progress == nil {
		cfg.Progress = os.Stderr
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}

	loader, err := NewDataLoader(ds, cfg.BatchSize, cfg.Shuffle, m.seed)
	if err != nil {
		return nil, err
	}

	width := layers.ShapeSize(m.spec.OutputShape)
	baseLR := float64(m.opt.GetLearningRate())
	plateau, _ := cfg.Scheduler.(*ReduceLROnPlateauScheduler)
	history := &History{MetricName: m.metric.Name()}

	m.logger.Info("training started",
		"epochs", cfg.Epochs, "batch_size", cfg.BatchSize, "samples", ds.Len(), "batches", loader.Len())

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		start := time.Now()
		if cfg.Scheduler != nil {
			lr := cfg.Scheduler.GetLR(epoch, int(m.opt.GetStepCount()), baseLR)
			m.opt.UpdateLearningRate(float32(lr))
		}

		var bar *ProgressBar
		if cfg.Verbose {
			bar = NewProgressBar(cfg.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, cfg.Epochs), loader.Len())
		}

		var lossSum, metricSum float64
		seen := 0
		loader.Reset()
		for loader.HasNext() {
			if err := ctx.Err(); err != nil {
				m.logger.Warn("training interrupted", "epoch", epoch+1, "completed_epochs", len(history.Epochs))
				return history, fmt.Errorf("training interrupted in epoch %d: %w", epoch+1, err)
			}
			b, err := loader.Next()
			if err != nil {
				return history, err
			}
			res, err := m.eng.TrainBatch(b.X, b.Y, b.Size)
			if err != nil {
				return history, engineError(err, "training failed in epoch %d batch %d", epoch+1, b.Index)
			}
			score, err := m.metric.Compute(res.Outputs, b.Y, b.Size, width)
			if err != nil {
				return history, err
			}
			lossSum += res.Loss * float64(b.Size)
			metricSum += score * float64(b.Size)
			seen += b.Size

			m.logger.Debug("batch", "epoch", epoch+1, "batch", b.Index, "size", b.Size, "loss", res.Loss)
			if bar != nil {
				bar.Update(b.Index+1, map[string]float64{
					"loss":          lossSum / float64(seen),
					m.metric.Name(): metricSum / float64(seen),
				})
			}
		}
		if bar != nil {
			bar.Finish()
		}

		stats := EpochStats{
			Epoch:        epoch + 1,
			Loss:         lossSum / float64(seen),
			Metric:       metricSum / float64(seen),
			LearningRate: float64(m.opt.GetLearningRate()),
		}
		monitor := stats.Loss
		if cfg.Validation != nil {
			val, err := m.EvaluateContext(ctx, cfg.Validation, cfg.ValidationBatchSize)
			if err != nil {
				return history, err
			}
			stats.ValLoss = val.Loss
			stats.ValMetric = val.Metrics[m.metric.Name()]
			monitor = val.Loss
		}
		stats.Duration = time.Since(start)
		history.Epochs = append(history.Epochs, stats)

		m.epochsDone++
		if m.bestLoss < 0 || monitor < m.bestLoss {
			m.bestLoss = monitor
		}
		if plateau != nil {
			m.opt.UpdateLearningRate(float32(plateau.Step(monitor, stats.LearningRate)))
		}

		m.logger.Info("epoch finished",
			"epoch", stats.Epoch,
			"loss", fmt.Sprintf("%.4f", stats.Loss),
			m.metric.Name(), fmt.Sprintf("%.4f", stats.Metric),
			"val_loss", fmt.Sprintf("%.4f", stats.ValLoss),
			"lr", stats.LearningRate,
			"took", stats.Duration.Round(time.Millisecond))
	}
	return history, nil
}

// Evaluate computes the loss and metric over ds. Per-batch values are
// combined as a mean weighted by batch size.
func (m *Model) Evaluate(ds dataset.Dataset, batchSize int) (EvaluationResult, error) {
	return m.EvaluateContext(context.Background(), ds, batchSize)
}

// EvaluateContext is Evaluate that stops between batches once ctx is done.
func (m *Model) EvaluateContext(ctx context.Context, ds dataset.Dataset, batchSize int) (EvaluationResult, error) {
	if err := m.ready(); err != nil {
		return EvaluationResult{}, err
	}
	if err := m.checkDataset(ds); err != nil {
		return EvaluationResult{}, err
	}
	loader, err := NewDataLoader(ds, batchSize, false, 0)
	if err != nil {
		return EvaluationResult{}, err
	}

	width := layers.ShapeSize(m.spec.OutputShape)
	var lossSum, metricSum float64
	seen := 0
	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return EvaluationResult{}, fmt.Errorf("evaluation interrupted: %w", err)
		}
		b, err := loader.Next()
		if err != nil {
			return EvaluationResult{}, err
		}
		res, err := m.eng.EvaluateBatch(b.X, b.Y, b.Size)
		if err != nil {
			return EvaluationResult{}, engineError(err, "evaluation failed in batch %d", b.Index)
		}
		score, err := m.metric.Compute(res.Outputs, b.Y, b.Size, width)
		if err != nil {
			return EvaluationResult{}, err
		}
		lossSum += res.Loss * float64(b.Size)
		metricSum += score * float64(b.Size)
		seen += b.Size
	}
	return EvaluationResult{
		Loss:    lossSum / float64(seen),
		Metrics: map[string]float64{m.metric.Name(): metricSum / float64(seen)},
	}, nil
}

// PredictSoftly returns the output vector for one sample laid out in the
// model input shape.
func (m *Model) PredictSoftly(x []float32) ([]float32, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if want := layers.ShapeSize(m.spec.InputShape); len(x) != want {
		return nil, nerrors.New(nerrors.ErrCodeShapeMismatch,
			"sample has %d values, model input %v needs %d", len(x), m.spec.InputShape, want)
	}
	out, err := m.eng.Forward(x, 1)
	if err != nil {
		return nil, engineError(err, "prediction failed")
	}
	return out, nil
}

// Predict returns the index of the largest output. Single-unit outputs have
// no class to pick; use PredictSoftly for them.
func (m *Model) Predict(x []float32) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	if layers.ShapeSize(m.spec.OutputShape) == 1 {
		return 0, nerrors.New(nerrors.ErrCodeInvalidInput, "model has a single output unit; use PredictSoftly")
	}
	out, err := m.PredictSoftly(x)
	if err != nil {
		return 0, err
	}
	return argmax(out), nil
}

// PredictBatch classifies several samples in one forward pass.
func (m *Model) PredictBatch(samples [][]float32) ([]int, error) {
	out, err := m.forwardBatch(samples)
	if err != nil {
		return nil, err
	}
	width := layers.ShapeSize(m.spec.OutputShape)
	if width == 1 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "model has a single output unit; use PredictSoftly")
	}
	classes := make([]int, len(samples))
	for i := range classes {
		classes[i] = argmax(out[i*width : (i+1)*width])
	}
	return classes, nil
}

func (m *Model) forwardBatch(samples [][]float32) ([]float32, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "no samples to predict")
	}
	want := layers.ShapeSize(m.spec.InputShape)
	x := make([]float32, 0, len(samples)*want)
	for i, s := range samples {
		if len(s) != want {
			return nil, nerrors.New(nerrors.ErrCodeShapeMismatch,
				"sample %d has %d values, model input %v needs %d", i, len(s), m.spec.InputShape, want)
		}
		x = append(x, s...)
	}
	out, err := m.eng.Forward(x, len(samples))
	if err != nil {
		return nil, engineError(err, "prediction failed")
	}
	return out, nil
}

// ConfusionMatrix runs inference over ds and tallies true against
// predicted classes.
func (m *Model) ConfusionMatrix(ds dataset.Dataset, batchSize, numClasses int) (*ConfusionMatrix, error) {
	cm := NewConfusionMatrix(numClasses)
	err := m.scan(ds, batchSize, func(out []float32, b *Batch, width int) error {
		return cm.Update(out, b.Y, b.Size, width)
	})
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// RegressionOutputs runs inference over ds and returns the outputs next to
// the labels, in dataset order.
func (m *Model) RegressionOutputs(ds dataset.Dataset, batchSize int) (pred, target []float32, err error) {
	err = m.scan(ds, batchSize, func(out []float32, b *Batch, _ int) error {
		pred = append(pred, out...)
		target = append(target, b.Y...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pred, target, nil
}

// RegressionReport runs inference over ds and scores the outputs against
// the labels.
func (m *Model) RegressionReport(ds dataset.Dataset, batchSize int) (RegressionReport, error) {
	pred, target, err := m.RegressionOutputs(ds, batchSize)
	if err != nil {
		return RegressionReport{}, err
	}
	return NewRegressionReport(pred, target)
}

func (m *Model) scan(ds dataset.Dataset, batchSize int, fn func(out []float32, b *Batch, width int) error) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.checkDataset(ds); err != nil {
		return err
	}
	loader, err := NewDataLoader(ds, batchSize, false, 0)
	if err != nil {
		return err
	}
	width := layers.ShapeSize(m.spec.OutputShape)
	for loader.HasNext() {
		b, err := loader.Next()
		if err != nil {
			return err
		}
		out, err := m.eng.Forward(b.X, b.Size)
		if err != nil {
			return engineError(err, "inference failed in batch %d", b.Index)
		}
		if err := fn(out, b, width); err != nil {
			return err
		}
	}
	return nil
}
