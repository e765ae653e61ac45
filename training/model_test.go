package training

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-netgraph/checkpoints"
	"github.com/tsawler/go-netgraph/dataset"
	"github.com/tsawler/go-netgraph/engine"
	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/optimizer"
)

// fakeEngine reports a fixed loss per batch size and records every call.
type fakeEngine struct {
	width      int
	lossBySize map[int]float64
	outputs    []float32
	failWith   error
	afterTrain func()

	trainSizes []int
	evalSizes  []int
	closed     bool
}

func (f *fakeEngine) Parameters() []*engine.Parameter { return nil }

func (f *fakeEngine) result(batch int) (engine.BatchResult, error) {
	if f.failWith != nil {
		return engine.BatchResult{}, f.failWith
	}
	return engine.BatchResult{Loss: f.lossBySize[batch], Outputs: f.output(batch)}, nil
}

func (f *fakeEngine) output(batch int) []float32 {
	if f.outputs != nil {
		return append([]float32(nil), f.outputs...)
	}
	return make([]float32, batch*f.width)
}

func (f *fakeEngine) TrainBatch(x, y []float32, batch int) (engine.BatchResult, error) {
	f.trainSizes = append(f.trainSizes, batch)
	if f.afterTrain != nil {
		f.afterTrain()
	}
	return f.result(batch)
}

func (f *fakeEngine) EvaluateBatch(x, y []float32, batch int) (engine.BatchResult, error) {
	f.evalSizes = append(f.evalSizes, batch)
	return f.result(batch)
}

func (f *fakeEngine) Forward(x []float32, batch int) ([]float32, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.output(batch), nil
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func classifierSpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{4}).
		AddDense(3, layers.WithName("hidden")).
		AddDense(2, layers.WithName("out"), layers.WithActivation(layers.Softmax)).
		Compile()
	require.NoError(t, err)
	return spec
}

func fakeModel(t *testing.T, fe *fakeEngine) *Model {
	t.Helper()
	spec := classifierSpec(t)
	fe.width = 2
	factory := func(*layers.ModelSpec, engine.Config) (engine.Engine, error) { return fe, nil }
	m, err := NewModel(spec, WithEngine(factory), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, m.Compile(optimizer.DefaultSGDConfig(), engine.SoftmaxCrossEntropyWithLogits{}, nil))
	return m
}

func zeroDataset(t *testing.T, n, features int) *dataset.OnHeap {
	t.Helper()
	ds, err := dataset.FromFlat(make([]float32, n*features), features, make([]float32, n), 1)
	require.NoError(t, err)
	return ds
}

func TestEvaluateWeightsBatchesBySize(t *testing.T) {
	fe := &fakeEngine{lossBySize: map[int]float64{7: 0.5, 3: 0.9}}
	m := fakeModel(t, fe)
	defer m.Close()

	res, err := m.Evaluate(zeroDataset(t, 10, 4), 7)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 3}, fe.evalSizes)
	assert.InDelta(t, 0.62, res.Loss, 1e-9)
	assert.InDelta(t, 1.0, res.Metrics["accuracy"], 1e-9)
}

func TestFitRunsCeilBatchesPerEpoch(t *testing.T) {
	fe := &fakeEngine{lossBySize: map[int]float64{7: 0.5, 3: 0.9}}
	m := fakeModel(t, fe)
	defer m.Close()

	hist, err := m.Fit(zeroDataset(t, 10, 4), FitConfig{Epochs: 2, BatchSize: 7, Shuffle: true})
	require.NoError(t, err)
	assert.Equal(t, []int{7, 3, 7, 3}, fe.trainSizes)
	require.Len(t, hist.Epochs, 2)
	assert.Equal(t, "accuracy", hist.MetricName)
	assert.InDelta(t, 0.62, hist.Last().Loss, 1e-9)
	assert.Equal(t, 2, hist.Last().Epoch)
}

func TestFitWithValidation(t *testing.T) {
	fe := &fakeEngine{lossBySize: map[int]float64{5: 0.4, 2: 0.8}}
	m := fakeModel(t, fe)
	defer m.Close()

	hist, err := m.Fit(zeroDataset(t, 5, 4), FitConfig{
		Epochs:              1,
		BatchSize:           5,
		Validation:          zeroDataset(t, 4, 4),
		ValidationBatchSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, fe.evalSizes)
	assert.InDelta(t, 0.8, hist.Last().ValLoss, 1e-9)
	assert.InDelta(t, 1.0, hist.Last().ValMetric, 1e-9)
}

func TestFitStopsWhenContextIsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fe := &fakeEngine{lossBySize: map[int]float64{2: 0.3}}
	fe.afterTrain = func() {
		if len(fe.trainSizes) == 3 {
			cancel()
		}
	}
	m := fakeModel(t, fe)
	defer m.Close()

	hist, err := m.Fit(zeroDataset(t, 4, 4), FitConfig{Epochs: 5, BatchSize: 2, Context: ctx})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Len(t, fe.trainSizes, 3, "no batch runs after cancellation")
	require.Len(t, hist.Epochs, 1)
	assert.Equal(t, 1, hist.Last().Epoch)

	_, err = m.EvaluateContext(ctx, zeroDataset(t, 4, 4), 2)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, fe.evalSizes)
}

func TestFitChecksShapesBeforeTraining(t *testing.T) {
	fe := &fakeEngine{}
	m := fakeModel(t, fe)
	defer m.Close()

	_, err := m.Fit(zeroDataset(t, 6, 5), FitConfig{Epochs: 1, BatchSize: 2})
	require.Error(t, err)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))

	wide, err := dataset.FromFlat(make([]float32, 12), 4, make([]float32, 9), 3)
	require.NoError(t, err)
	_, err = m.Fit(wide, FitConfig{Epochs: 1, BatchSize: 2})
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))

	_, err = m.Fit(zeroDataset(t, 6, 4), FitConfig{Epochs: 0, BatchSize: 2})
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration))
	assert.Empty(t, fe.trainSizes)
}

func TestFitAppliesScheduler(t *testing.T) {
	fe := &fakeEngine{lossBySize: map[int]float64{4: 1}}
	m := fakeModel(t, fe)
	defer m.Close()

	base, err := m.LearningRate()
	require.NoError(t, err)

	hist, err := m.Fit(zeroDataset(t, 4, 4), FitConfig{
		Epochs:    3,
		BatchSize: 4,
		Scheduler: NewStepLRScheduler(1, 0.5),
	})
	require.NoError(t, err)
	require.Len(t, hist.Epochs, 3)
	assert.InDelta(t, float64(base), hist.Epochs[0].LearningRate, 1e-7)
	assert.InDelta(t, float64(base)/2, hist.Epochs[1].LearningRate, 1e-7)
	assert.InDelta(t, float64(base)/4, hist.Epochs[2].LearningRate, 1e-7)
}

func TestEngineErrorsAreWrapped(t *testing.T) {
	boom := errors.New("device lost")
	fe := &fakeEngine{failWith: boom}
	m := fakeModel(t, fe)
	defer m.Close()

	_, err := m.Fit(zeroDataset(t, 4, 4), FitConfig{Epochs: 1, BatchSize: 2})
	require.Error(t, err)
	assert.Equal(t, nerrors.ErrCodeEngine, nerrors.GetCode(err))
	assert.ErrorIs(t, err, boom)

	_, err = m.PredictSoftly(make([]float32, 4))
	assert.Equal(t, nerrors.ErrCodeEngine, nerrors.GetCode(err))
}

func TestPredict(t *testing.T) {
	fe := &fakeEngine{outputs: []float32{0.2, 0.8}}
	m := fakeModel(t, fe)
	defer m.Close()

	class, err := m.Predict([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 1, class)

	soft, err := m.PredictSoftly([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.2, 0.8}, soft)

	_, err = m.Predict([]float32{1, 2, 3})
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))

	fe.outputs = []float32{0.9, 0.1, 0.3, 0.7}
	classes, err := m.PredictBatch([][]float32{{1, 2, 3, 4}, {4, 3, 2, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, classes)
}

func TestPredictOnSingleUnitOutput(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{2}).AddDense(1, layers.WithActivation(layers.Sigmoid)).Compile()
	require.NoError(t, err)
	m, err := NewModel(spec, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Compile(optimizer.DefaultSGDConfig(), engine.MeanSquaredError{}, MeanSquaredError{}))

	_, err = m.Predict([]float32{1, 2})
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))

	soft, err := m.PredictSoftly([]float32{1, 2})
	require.NoError(t, err)
	assert.Len(t, soft, 1)
}

func TestLifecycle(t *testing.T) {
	fe := &fakeEngine{}
	m := fakeModel(t, fe)

	err := m.Compile(optimizer.DefaultSGDConfig(), engine.SoftmaxCrossEntropyWithLogits{}, nil)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeIllegalState))

	require.NoError(t, m.Reset())
	assert.True(t, fe.closed)
	assert.False(t, m.IsCompiled())
	require.NoError(t, m.Compile(optimizer.DefaultAdamConfig(), engine.SoftmaxCrossEntropyWithLogits{}, nil))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.Evaluate(zeroDataset(t, 2, 4), 1)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeIllegalState))
	err = m.Compile(optimizer.DefaultSGDConfig(), engine.SoftmaxCrossEntropyWithLogits{}, nil)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeIllegalState))
}

func TestUncompiledModel(t *testing.T) {
	m, err := NewModel(classifierSpec(t), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Predict(make([]float32, 4))
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeIllegalState))

	err = m.Compile(nil, engine.MeanSquaredError{}, nil)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration))

	_, err = NewModel(&layers.ModelSpec{})
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeIllegalState))
}

func TestUseClosesOnEveryPath(t *testing.T) {
	fe := &fakeEngine{}
	m := fakeModel(t, fe)
	sentinel := errors.New("stop")
	err := Use(m, func(*Model) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, fe.closed)

	fe2 := &fakeEngine{}
	m2 := fakeModel(t, fe2)
	assert.Panics(t, func() {
		_ = Use(m2, func(*Model) error { panic("bad batch") })
	})
	assert.True(t, fe2.closed)
	assert.False(t, m2.IsCompiled())
}

func trainedCPUModel(t *testing.T, spec *layers.ModelSpec) *Model {
	t.Helper()
	m, err := NewModel(spec, WithSeed(11), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, m.Compile(optimizer.DefaultAdamConfig(), engine.SoftmaxCrossEntropyWithLogits{}, Accuracy{}))

	x := []float32{
		0, 0, 1, 1,
		1, 1, 0, 0,
		0, 1, 0, 1,
		1, 0, 1, 0,
	}
	ds, err := dataset.FromFlat(x, 4, []float32{0, 1, 0, 1}, 1)
	require.NoError(t, err)
	_, err = m.Fit(ds, FitConfig{Epochs: 2, BatchSize: 3})
	require.NoError(t, err)
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := trainedCPUModel(t, classifierSpec(t))
	defer m.Close()
	require.NoError(t, m.Save(dir, checkpoints.FailIfExists))

	err := m.Save(dir, checkpoints.FailIfExists)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeAlreadyExists))
	require.NoError(t, m.Save(dir, checkpoints.Override))

	loaded, err := Load(dir, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer loaded.Close()
	require.True(t, loaded.IsCompiled())

	for _, name := range []string{"hidden", "out"} {
		want, err := m.LayerWeights(name)
		require.NoError(t, err)
		got, err := loaded.LayerWeights(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	sample := []float32{0.5, -1, 2, 0}
	want, err := m.PredictSoftly(sample)
	require.NoError(t, err)
	got, err := loaded.PredictSoftly(sample)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	wantLR, _ := m.LearningRate()
	gotLR, _ := loaded.LearningRate()
	assert.Equal(t, wantLR, gotLR)

	_, err = loaded.LayerWeights("missing")
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeNotFound))
}

func TestResetKeepsWeights(t *testing.T) {
	m := trainedCPUModel(t, classifierSpec(t))
	defer m.Close()
	before, err := m.LayerWeights("out")
	require.NoError(t, err)

	require.NoError(t, m.Reset())
	require.NoError(t, m.Compile(optimizer.DefaultSGDConfig(), engine.SoftmaxCrossEntropyWithLogits{}, nil))
	after, err := m.LayerWeights("out")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadWeightsForFrozenLayers(t *testing.T) {
	dir := t.TempDir()
	base := classifierSpec(t)
	m := trainedCPUModel(t, base)
	defer m.Close()
	require.NoError(t, m.Save(dir, checkpoints.FailIfExists))

	frozen, err := layers.Freeze(base)
	require.NoError(t, err)
	head := layers.Must(layers.NewDense(5, layers.WithName("new_head"), layers.WithActivation(layers.Softmax)))
	extended, err := layers.Extend(frozen, 1, head)
	require.NoError(t, err)

	tl, err := NewModel(extended, WithSeed(5), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer tl.Close()
	require.NoError(t, tl.Compile(optimizer.DefaultAdamConfig(), engine.SoftmaxCrossEntropyWithLogits{}, nil))

	freshHead, err := tl.LayerWeights("new_head")
	require.NoError(t, err)
	require.NoError(t, tl.LoadWeightsForFrozenLayers(dir))

	want, err := m.LayerWeights("hidden")
	require.NoError(t, err)
	got, err := tl.LayerWeights("hidden")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	head2, err := tl.LayerWeights("new_head")
	require.NoError(t, err)
	assert.Equal(t, freshHead, head2)

	err = tl.LoadWeights(dir)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeNotFound))
}

func TestFailedLoadWeightsLeavesModelUntouched(t *testing.T) {
	dir := t.TempDir()
	m := trainedCPUModel(t, classifierSpec(t))
	defer m.Close()
	require.NoError(t, m.Save(dir, checkpoints.FailIfExists))

	renamed, err := layers.NewModelBuilder([]int{4}).
		AddDense(3, layers.WithName("hidden")).
		AddDense(2, layers.WithName("head"), layers.WithActivation(layers.Softmax)).
		Compile()
	require.NoError(t, err)
	other, err := NewModel(renamed, WithSeed(99), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Compile(optimizer.DefaultSGDConfig(), engine.SoftmaxCrossEntropyWithLogits{}, nil))

	before, err := other.LayerWeights("hidden")
	require.NoError(t, err)
	saved, err := m.LayerWeights("hidden")
	require.NoError(t, err)
	require.NotEqual(t, saved, before)

	err = other.LoadWeights(dir)
	require.True(t, nerrors.Is(err, nerrors.ErrCodeNotFound), "got %v", err)

	after, err := other.LayerWeights("hidden")
	require.NoError(t, err)
	assert.Equal(t, before, after, "a failed load must not copy any layer")
}
