package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-netgraph/checkpoints"
	"github.com/tsawler/go-netgraph/engine"
	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/optimizer"
	"github.com/tsawler/go-netgraph/training"
	"github.com/tsawler/go-netgraph/zoo"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
[model]
name = "titanic-mlp"

[data]
kind = "titanic"
path = "titanic.csv"
validation_split = 0.2

[training]
epochs = 3
optimizer = "sgd"
learning_rate = 0.05
loss = "softmax_cross_entropy"
metric = "accuracy"
scheduler = "step"
step_size = 1
gamma = 0.5

[output]
dir = "out/titanic"
overwrite = true
`)
	require.NoError(t, err)

	assert.Equal(t, "titanic-mlp", cfg.Model.Name)
	assert.Equal(t, 3, cfg.Training.Epochs)
	assert.Equal(t, 32, cfg.Training.BatchSize, "unset keys keep defaults")
	assert.Equal(t, checkpoints.Override, cfg.WritingMode())

	opt, err := cfg.OptimizerConfig()
	require.NoError(t, err)
	sgd, ok := opt.(optimizer.SGDConfig)
	require.True(t, ok)
	assert.Equal(t, float32(0.05), sgd.LearningRate)

	loss, err := cfg.Loss()
	require.NoError(t, err)
	assert.IsType(t, engine.SoftmaxCrossEntropyWithLogits{}, loss)

	fit, err := cfg.FitConfig()
	require.NoError(t, err)
	assert.Equal(t, "StepLR", fit.Scheduler.GetName())
	assert.InDelta(t, 0.025, fit.Scheduler.GetLR(1, 0, 0.05), 1e-9)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"syntax", `[model`},
		{"unknown key", "[training]\nepoch = 3"},
		{"unknown model", "[model]\nname = \"vgg\""},
		{"head without base", "[model]\nhead = [10]"},
		{"mnist without files", "[data]\nkind = \"mnist\""},
		{"unknown data", "[data]\nkind = \"audio\""},
		{"bad split", "[data]\nvalidation_split = 1.0"},
		{"bad color order", "[data]\nkind = \"images\"\npath = \"x\"\ncolor_order = \"cmyk\""},
		{"zero epochs", "[training]\nepochs = 0"},
		{"negative lr", "[training]\nlearning_rate = -1.0"},
		{"unknown optimizer", "[training]\noptimizer = \"lbfgs\""},
		{"unknown loss", "[training]\nloss = \"hinge\""},
		{"unknown metric", "[training]\nmetric = \"auc\""},
		{"unknown scheduler", "[training]\nscheduler = \"warmup\""},
		{"onnx without dir", "[output]\nonnx = \"m.onnx\""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.text)
			require.Error(t, err)
			assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration), err.Error())
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.toml")
	text, err := Default().Encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeNotFound))
}

func TestDataLoadSplitsValidation(t *testing.T) {
	d := Default().Data
	d.Kind, d.Samples, d.ValidationSplit = "linear", 50, 0.2
	train, val, err := d.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, train.Len())
	assert.Equal(t, 10, val.Len())
	assert.Len(t, train.X(0), 4)

	d.ValidationSplit = 0
	all, val, err := d.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, val)
	assert.Equal(t, 50, all.Len())
}

func TestDataLoadTitanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "titanic.csv")
	require.NoError(t, os.WriteFile(path, []byte("pclass;survived;name;sex;age;sibsp;parch;fare;embarked\n"+
		"1;1;Allen;female;29;0;0;211,3375;S\n"+
		"3;0;Braund;male;22;1;0;7,25;S\n"+
		"2;1;Cumings;female;;1;;71,2833;C\n"+
		"3;0;Dawson;male;20;0;0;;Q\n"), 0o644))

	d := DataConfig{Kind: "titanic", Path: path}
	ds, _, err := d.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())
	assert.Len(t, ds.X(0), 12)

	d.Path = filepath.Join(t.TempDir(), "none.csv")
	_, _, err = d.Load(context.Background())
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeNotFound))
}

func saveBase(t *testing.T) string {
	t.Helper()
	spec, err := zoo.TitanicMLP(4)
	require.NoError(t, err)
	m, err := training.NewModel(spec, training.WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	require.NoError(t, m.Compile(optimizer.DefaultAdamConfig(), engine.SoftmaxCrossEntropyWithLogits{}, nil))
	dir := filepath.Join(t.TempDir(), "base")
	require.NoError(t, m.Save(dir, checkpoints.FailIfExists))
	require.NoError(t, m.Close())
	return dir
}

func TestBuildSpecTransfer(t *testing.T) {
	cfg := Default()
	cfg.Model = ModelConfig{From: saveBase(t), Freeze: true, DropLast: 1, Head: []int{8, 3}}
	require.NoError(t, cfg.Validate())

	spec, transfer, err := cfg.BuildSpec()
	require.NoError(t, err)
	assert.True(t, transfer)
	assert.Equal(t, []int{3}, spec.OutputShape)

	head, ok := spec.Layer("head_1")
	require.True(t, ok)
	assert.Equal(t, layers.Linear, head.Activation)
	assert.True(t, head.Trainable)
	assert.Equal(t, int64(20*8+8+8*3+3), spec.TrainableParameterCount())

	cfg.Model = ModelConfig{Name: "linear"}
	spec, transfer, err = cfg.BuildSpec()
	require.NoError(t, err)
	assert.False(t, transfer)
	assert.Equal(t, []int{4}, spec.InputShape)
}
