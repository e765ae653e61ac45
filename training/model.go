// Package training implements the model handle: it binds a compiled
// topology to an execution engine, runs the fit/evaluate/predict loops over
// datasets, and persists models through the checkpoints package.
//
// A Model is not safe for concurrent use.
package training

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tsawler/go-netgraph/checkpoints"
	"github.com/tsawler/go-netgraph/engine"
	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/optimizer"
)

// Model owns a compiled topology and, after Compile, the engine holding its
// parameters.
type Model struct {
	spec    *layers.ModelSpec
	factory engine.Factory
	logger  *log.Logger
	seed    int64

	eng    engine.Engine
	opt    optimizer.Optimizer
	optCfg optimizer.Config
	loss   engine.Loss
	metric Metric

	// weights copied into the engine on the next Compile
	pending    []checkpoints.WeightTensor
	optState   *optimizer.OptimizerState
	epochsDone int
	bestLoss   float64

	compiled bool
	closed   bool
}

// Option configures a Model.
type Option func(*Model)

// WithEngine selects the engine factory. The CPU reference engine is used
// by default.
func WithEngine(factory engine.Factory) Option {
	return func(m *Model) {
		m.factory = factory
	}
}

// WithLogger sets the logger used for training progress.
func WithLogger(logger *log.Logger) Option {
	return func(m *Model) {
		m.logger = logger
	}
}

// WithSeed seeds parameter initialisation and shuffling.
func WithSeed(seed int64) Option {
	return func(m *Model) {
		m.seed = seed
	}
}

// NewModel creates a handle for a compiled topology.
func NewModel(spec *layers.ModelSpec, opts ...Option) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, nerrors.New(nerrors.ErrCodeIllegalState, "model spec must be built before creating a model")
	}
	m := &Model{
		spec:     spec,
		factory:  engine.CPUFactory,
		logger:   log.Default(),
		bestLoss: -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Use runs fn with the model and closes it afterwards on every exit path,
// including panics.
func Use(m *Model, fn func(*Model) error) (err error) {
	defer func() {
		if cerr := m.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(m)
}

func (m *Model) usable() error {
	if m.closed {
		return nerrors.New(nerrors.ErrCodeIllegalState, "model is closed")
	}
	return nil
}

func (m *Model) ready() error {
	if err := m.usable(); err != nil {
		return err
	}
	if !m.compiled {
		return nerrors.New(nerrors.ErrCodeIllegalState, "model is not compiled")
	}
	return nil
}

// engineError wraps a failure reported by the engine once.
func engineError(err error, format string, args ...any) error {
	if nerrors.Is(err, nerrors.ErrCodeEngine) {
		return err
	}
	return nerrors.Wrap(nerrors.ErrCodeEngine, err, format, args...)
}

// Compile binds the optimizer, loss and metric and allocates the engine.
// Parameters are initialised from the layer initializers, or restored from
// weights loaded with Load. A second Compile requires Reset first.
func (m *Model) Compile(opt optimizer.Config, loss engine.Loss, metric Metric) error {
	if err := m.usable(); err != nil {
		return err
	}
	if m.compiled {
		return nerrors.New(nerrors.ErrCodeIllegalState, "model is already compiled; call Reset to recompile")
	}
	if opt == nil || loss == nil {
		return nerrors.New(nerrors.ErrCodeInvalidConfiguration, "compile needs an optimizer and a loss")
	}
	if metric == nil {
		metric = Accuracy{}
	}

	o, err := opt.NewOptimizer()
	if err != nil {
		return err
	}
	eng, err := m.factory(m.spec, engine.Config{Optimizer: o, Loss: loss, Seed: m.seed})
	if err != nil {
		return engineError(err, "failed to allocate engine")
	}

	if len(m.pending) > 0 {
		if err := assignWeights(eng.Parameters(), m.pending, nil); err != nil {
			_ = eng.Close()
			return err
		}
	}
	if m.optState != nil && m.optState.Type == opt.OptimizerType() {
		if err := o.LoadState(m.optState); err != nil {
			m.logger.Warn("optimizer state not restored", "err", err)
		}
	}

	m.eng, m.opt, m.optCfg, m.loss, m.metric = eng, o, opt, loss, metric
	m.pending, m.optState = nil, nil
	m.compiled = true
	m.logger.Debug("model compiled",
		"optimizer", opt.OptimizerType(), "loss", loss.Name(), "metric", metric.Name(),
		"parameters", m.spec.TotalParameters)
	return nil
}

// Reset releases the engine so the model can be compiled again. The current
// weights are kept and restored by the next Compile.
func (m *Model) Reset() error {
	if err := m.usable(); err != nil {
		return err
	}
	if !m.compiled {
		return nil
	}
	m.pending = weightsFromParameters(m.eng.Parameters(), nil)
	err := m.eng.Close()
	m.eng, m.opt, m.optCfg, m.loss, m.metric = nil, nil, nil, nil, nil
	m.compiled = false
	if err != nil {
		return engineError(err, "failed to release engine")
	}
	return nil
}

// Close releases the engine. Later calls other than Close fail with
// IllegalState.
func (m *Model) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.pending = nil
	if m.eng == nil {
		return nil
	}
	err := m.eng.Close()
	m.eng = nil
	m.compiled = false
	if err != nil {
		return engineError(err, "failed to release engine")
	}
	return nil
}

// Spec returns the topology of the model.
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// Summary describes the topology layer by layer.
func (m *Model) Summary() string {
	return m.spec.Summary()
}

// IsCompiled reports whether an engine is allocated.
func (m *Model) IsCompiled() bool {
	return m.compiled && !m.closed
}

// LearningRate returns the learning rate the next training step will use.
func (m *Model) LearningRate() (float32, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	return m.opt.GetLearningRate(), nil
}

// LayerWeights returns copies of the parameters of a layer, kernel first.
func (m *Model) LayerWeights(name string) ([]checkpoints.WeightTensor, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if _, ok := m.spec.Layer(name); !ok {
		return nil, nerrors.New(nerrors.ErrCodeNotFound, "layer %q not found", name)
	}
	return weightsFromParameters(m.eng.Parameters(), func(p *engine.Parameter) bool {
		return p.Layer == name
	}), nil
}

func weightsFromParameters(params []*engine.Parameter, keep func(*engine.Parameter) bool) []checkpoints.WeightTensor {
	var out []checkpoints.WeightTensor
	for _, p := range params {
		if keep != nil && !keep(p) {
			continue
		}
		out = append(out, checkpoints.WeightTensor{
			Name:  p.Key(),
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
			Layer: p.Layer,
			Type:  p.Name,
		})
	}
	return out
}

// assignWeights copies weights into matching engine parameters. Every
// parameter accepted by want must be present with the same shape; nothing
// is copied unless all of them are.
func assignWeights(params []*engine.Parameter, weights []checkpoints.WeightTensor, want func(*engine.Parameter) bool) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	type assignment struct {
		dst []float32
		src []float32
	}
	plan := make([]assignment, 0, len(params))
	for _, p := range params {
		if want != nil && !want(p) {
			continue
		}
		w, ok := byName[p.Key()]
		if !ok {
			return nerrors.New(nerrors.ErrCodeNotFound, "no saved weights for %s", p.Key())
		}
		if len(w.Data) != len(p.Data) || layers.ShapeSize(w.Shape) != len(p.Data) || !sameShape(w.Shape, p.Shape) {
			return nerrors.New(nerrors.ErrCodeShapeMismatch,
				"saved weights for %s have shape %v, model expects %v", p.Key(), w.Shape, p.Shape)
		}
		plan = append(plan, assignment{dst: p.Data, src: w.Data})
	}
	for _, a := range plan {
		copy(a.dst, a.src)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Save writes the model to dir. With FailIfExists a non-empty directory is
// an AlreadyExists error.
func (m *Model) Save(dir string, mode checkpoints.WritingMode) error {
	if err := m.ready(); err != nil {
		return err
	}
	state, err := m.opt.GetState()
	if err != nil {
		return fmt.Errorf("failed to capture optimizer state: %w", err)
	}
	ckpt := &checkpoints.Checkpoint{
		ModelSpec: m.spec,
		Weights:   weightsFromParameters(m.eng.Parameters(), nil),
		TrainingState: checkpoints.TrainingState{
			Epoch:        m.epochsDone,
			Step:         int(m.opt.GetStepCount()),
			TotalSteps:   int(m.opt.GetStepCount()),
			LearningRate: m.opt.GetLearningRate(),
			BestLoss:     float32(m.bestLoss),
			Optimizer:    m.optCfg.OptimizerType(),
			Loss:         m.loss.Name(),
			Metric:       m.metric.Name(),
		},
		OptimizerState: state,
		Metadata: checkpoints.CheckpointMetadata{
			CreatedAt: time.Now().UTC(),
		},
	}
	if err := checkpoints.Save(dir, ckpt, mode); err != nil {
		return err
	}
	m.logger.Info("model saved", "dir", dir, "run_id", ckpt.Metadata.RunID)
	return nil
}

// Load reads a model saved with Save. When the directory records how the
// model was compiled, the returned model is compiled the same way with its
// weights and optimizer state restored; otherwise it is returned
// uncompiled with the weights applied by the first Compile.
func Load(dir string, opts ...Option) (*Model, error) {
	ckpt, err := checkpoints.Load(dir)
	if err != nil {
		return nil, err
	}
	m, err := NewModel(ckpt.ModelSpec, opts...)
	if err != nil {
		return nil, err
	}
	m.pending = ckpt.Weights
	m.optState = ckpt.OptimizerState
	m.epochsDone = ckpt.TrainingState.Epoch
	m.bestLoss = float64(ckpt.TrainingState.BestLoss)

	ts := ckpt.TrainingState
	if ts.Optimizer == "" || ts.Loss == "" {
		return m, nil
	}
	optCfg, err := optimizer.FromName(ts.Optimizer, ts.LearningRate)
	if err != nil {
		return nil, err
	}
	loss, err := engine.LossFromName(ts.Loss)
	if err != nil {
		return nil, err
	}
	var metric Metric
	if ts.Metric != "" {
		if metric, err = MetricFromName(ts.Metric); err != nil {
			return nil, err
		}
	}
	if err := m.Compile(optCfg, loss, metric); err != nil {
		return nil, err
	}
	m.logger.Debug("model loaded", "dir", dir, "epochs", ts.Epoch)
	return m, nil
}

// LoadWeights copies every parameter from a saved model into this compiled
// model. Layer names and shapes must match.
func (m *Model) LoadWeights(dir string) error {
	if err := m.ready(); err != nil {
		return err
	}
	ckpt, err := checkpoints.Load(dir)
	if err != nil {
		return err
	}
	return assignWeights(m.eng.Parameters(), ckpt.Weights, nil)
}

// LoadWeightsForFrozenLayers copies saved weights only into the layers
// marked not trainable, leaving the freshly initialised head untouched.
func (m *Model) LoadWeightsForFrozenLayers(dir string) error {
	if err := m.ready(); err != nil {
		return err
	}
	ckpt, err := checkpoints.Load(dir)
	if err != nil {
		return err
	}
	n := 0
	err = assignWeights(m.eng.Parameters(), ckpt.Weights, func(p *engine.Parameter) bool {
		if p.Trainable {
			return false
		}
		n++
		return true
	})
	if err != nil {
		return err
	}
	m.logger.Debug("frozen weights loaded", "dir", dir, "parameters", n)
	return nil
}
