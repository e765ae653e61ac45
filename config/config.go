// Package config reads TOML run files for `netgraph train`.
//
// A run file has four tables:
//
//	[model]     topology from the zoo, or a saved model to fine-tune
//	[data]      where the samples come from and the validation split
//	[training]  optimizer, loss, metric, schedule and batch settings
//	[output]    where the trained model is written
//
// Missing keys keep the values of Default.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tsawler/go-netgraph/checkpoints"
	"github.com/tsawler/go-netgraph/engine"
	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/optimizer"
	"github.com/tsawler/go-netgraph/training"
	"github.com/tsawler/go-netgraph/zoo"
)

// Config is a complete training run.
type Config struct {
	Model    ModelConfig    `toml:"model"`
	Data     DataConfig     `toml:"data"`
	Training TrainingConfig `toml:"training"`
	Output   OutputConfig   `toml:"output"`
}

// ModelConfig selects the topology. When From is set the saved model is the
// base of a transfer-learning run: its layers are frozen when Freeze is set,
// the last DropLast layers are removed and Dense layers with the Head units
// are appended, the last one linear.
type ModelConfig struct {
	Name     string `toml:"name"`
	From     string `toml:"from"`
	Freeze   bool   `toml:"freeze"`
	DropLast int    `toml:"drop_last"`
	Head     []int  `toml:"head"`
}

// TrainingConfig holds the compile and fit settings.
type TrainingConfig struct {
	Epochs       int     `toml:"epochs"`
	BatchSize    int     `toml:"batch_size"`
	Optimizer    string  `toml:"optimizer"`
	LearningRate float32 `toml:"learning_rate"`
	Loss         string  `toml:"loss"`
	Metric       string  `toml:"metric"`
	Scheduler    string  `toml:"scheduler"`
	StepSize     int     `toml:"step_size"`
	Gamma        float64 `toml:"gamma"`
	Shuffle      bool    `toml:"shuffle"`
	Seed         int64   `toml:"seed"`
}

// OutputConfig says where results go. An empty Dir skips saving.
type OutputConfig struct {
	Dir       string `toml:"dir"`
	Overwrite bool   `toml:"overwrite"`
	ONNX      string `toml:"onnx"`
}

// Default returns a small sine regression run. Files usually override the
// model and data tables and keep most training settings.
func Default() Config {
	return Config{
		Model: ModelConfig{Name: "sine"},
		Data: DataConfig{
			Kind:            "sine",
			Samples:         1000,
			ColorOrder:      "rgb",
			Scale:           255,
			ValidationSplit: 0.1,
			Workers:         4,
		},
		Training: TrainingConfig{
			Epochs:       10,
			BatchSize:    32,
			Optimizer:    "adam",
			LearningRate: 0.001,
			Loss:         "mse",
			Metric:       "mae",
			Scheduler:    "constant",
			StepSize:     10,
			Gamma:        0.1,
			Shuffle:      true,
			Seed:         zoo.Seed,
		},
	}
}

// Load reads a run file on top of Default and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nerrors.Wrap(nerrors.ErrCodeNotFound, err, "run file %s not found", path)
		}
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(string(data))
}

// Parse decodes run file text on top of Default and validates it. Unknown
// keys are rejected so that typos do not silently fall back to defaults.
func Parse(text string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, nerrors.Wrap(nerrors.ErrCodeInvalidConfiguration, err, "failed to parse run file")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "unknown keys in run file: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func (c Config) Encode() (string, error) {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", fmt.Errorf("failed to encode run file: %w", err)
	}
	return b.String(), nil
}

// Validate checks every table and resolves all names.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return nerrors.New(nerrors.ErrCodeInvalidConfiguration, format, args...)
	}

	if c.Model.From == "" {
		if _, err := zoo.Get(c.Model.Name); err != nil {
			return nerrors.Wrap(nerrors.ErrCodeInvalidConfiguration, err, "model.name")
		}
		if c.Model.Freeze || c.Model.DropLast != 0 || len(c.Model.Head) > 0 {
			return invalid("model.freeze, model.drop_last and model.head need model.from")
		}
	}
	if c.Model.DropLast < 0 {
		return invalid("model.drop_last must not be negative, got %d", c.Model.DropLast)
	}
	for i, u := range c.Model.Head {
		if u <= 0 {
			return invalid("model.head[%d] must be positive, got %d", i, u)
		}
	}

	if err := c.Data.validate(); err != nil {
		return err
	}

	t := c.Training
	if t.Epochs <= 0 {
		return invalid("training.epochs must be positive, got %d", t.Epochs)
	}
	if t.BatchSize <= 0 {
		return invalid("training.batch_size must be positive, got %d", t.BatchSize)
	}
	if _, err := c.OptimizerConfig(); err != nil {
		return err
	}
	if _, err := engine.LossFromName(t.Loss); err != nil {
		return err
	}
	if t.Metric != "" {
		if _, err := training.MetricFromName(t.Metric); err != nil {
			return err
		}
	}
	if _, err := training.SchedulerFromName(t.Scheduler, t.StepSize, t.Gamma, t.Epochs); err != nil {
		return err
	}
	if c.Output.ONNX != "" && c.Output.Dir == "" {
		return invalid("output.onnx needs output.dir")
	}
	return nil
}

// OptimizerConfig resolves training.optimizer and training.learning_rate.
func (c Config) OptimizerConfig() (optimizer.Config, error) {
	if c.Training.LearningRate < 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration,
			"training.learning_rate must not be negative, got %g", c.Training.LearningRate)
	}
	return optimizer.FromName(c.Training.Optimizer, c.Training.LearningRate)
}

// Loss resolves training.loss.
func (c Config) Loss() (engine.Loss, error) {
	return engine.LossFromName(c.Training.Loss)
}

// Metric resolves training.metric; an empty name means no metric.
func (c Config) Metric() (training.Metric, error) {
	if c.Training.Metric == "" {
		return nil, nil
	}
	return training.MetricFromName(c.Training.Metric)
}

// FitConfig builds the Fit settings. The validation set is attached by the
// caller and training.seed goes to training.WithSeed.
func (c Config) FitConfig() (training.FitConfig, error) {
	t := c.Training
	sched, err := training.SchedulerFromName(t.Scheduler, t.StepSize, t.Gamma, t.Epochs)
	if err != nil {
		return training.FitConfig{}, err
	}
	return training.FitConfig{
		Epochs:    t.Epochs,
		BatchSize: t.BatchSize,
		Shuffle:   t.Shuffle,
		Scheduler: sched,
	}, nil
}

// WritingMode maps output.overwrite to a checkpoint writing mode.
func (c Config) WritingMode() checkpoints.WritingMode {
	if c.Output.Overwrite {
		return checkpoints.Override
	}
	return checkpoints.FailIfExists
}

// BuildSpec returns the topology to train. For a transfer run the second
// result is true and the caller loads the frozen weights from Model.From
// after compiling.
func (c Config) BuildSpec() (*layers.ModelSpec, bool, error) {
	if c.Model.From == "" {
		spec, err := zoo.Get(c.Model.Name)
		return spec, false, err
	}

	ckpt, err := checkpoints.LoadTopology(c.Model.From)
	if err != nil {
		return nil, false, err
	}
	spec := ckpt.ModelSpec
	if c.Model.Freeze {
		if spec, err = layers.Freeze(spec); err != nil {
			return nil, false, err
		}
	}
	if c.Model.DropLast == 0 && len(c.Model.Head) == 0 {
		return spec, true, nil
	}

	head := make([]layers.LayerSpec, len(c.Model.Head))
	for i, units := range c.Model.Head {
		opts := []layers.Option{layers.WithName(fmt.Sprintf("head_%d", i))}
		if i == len(c.Model.Head)-1 {
			opts = append(opts, layers.WithActivation(layers.Linear))
		}
		if head[i], err = layers.NewDense(units, opts...); err != nil {
			return nil, false, err
		}
	}
	spec, err = layers.Extend(spec, c.Model.DropLast, head...)
	if err != nil {
		return nil, false, err
	}
	return spec, true, nil
}
