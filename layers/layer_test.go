package layers_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
)

func TestLeNetStyleSequentialModel(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{28, 28, 1}).
		AddConv2D(32).
		AddMaxPool2D().
		AddFlatten().
		AddDense(10, layers.WithActivation(layers.Softmax)).
		Compile()
	require.NoError(t, err)

	require.Len(t, model.Layers, 5)
	assert.Equal(t, []string{"dense_4"}, model.Sinks())
	assert.Equal(t, "input_0", model.InputName)
	assert.Equal(t, "dense_4", model.OutputName)
	assert.Equal(t, []int{10}, model.OutputShape)

	conv, ok := model.Layer("conv2d_1")
	require.True(t, ok)
	assert.Equal(t, []int{28, 28, 32}, conv.OutputShape)
	assert.Equal(t, [][]int{{3, 3, 1, 32}, {32}}, conv.ParameterShapes)

	pool, _ := model.Layer("max_pool2d_2")
	assert.Equal(t, []int{14, 14, 32}, pool.OutputShape)

	flat, _ := model.Layer("flatten_3")
	assert.Equal(t, []int{14 * 14 * 32}, flat.OutputShape)

	dense, _ := model.Layer("dense_4")
	assert.Equal(t, [][]int{{6272, 10}, {10}}, dense.ParameterShapes)
	assert.Equal(t, int64(3*3*32+32+6272*10+10), model.TotalParameters)
	assert.Contains(t, model.Summary(), "Model Summary:")
}

func TestSequentialShapeMismatch(t *testing.T) {
	_, err := layers.NewModelBuilder([]int{28, 28, 1}).
		AddConv2D(8).
		AddDense(10).
		Compile()
	require.Error(t, err)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))

	_, err = layers.NewModelBuilder([]int{4}).AddFlatten().Compile()
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))

	// 3x3 valid window on a 2x2 image leaves no output.
	_, err = layers.NewModelBuilder([]int{2, 2, 1}).
		AddConv2D(4, layers.WithPadding(layers.PaddingValid)).
		Compile()
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))
}

func TestValidPaddingAndStrides(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{32, 32, 3}).
		AddConv2D(6, layers.WithKernelSize(5), layers.WithPadding(layers.PaddingValid)).
		AddAvgPool2D(layers.WithPoolSize(1, 2, 2, 1), layers.WithStrides(1, 2, 2, 1)).
		AddConv2D(16, layers.WithKernelSize(5), layers.WithStrides(2), layers.WithPadding(layers.PaddingSame)).
		AddGlobalAvgPool2D().
		Compile()
	require.NoError(t, err)
	assert.Equal(t, []int{28, 28, 6}, model.Layers[1].OutputShape)
	assert.Equal(t, []int{14, 14, 6}, model.Layers[2].OutputShape)
	assert.Equal(t, []int{7, 7, 16}, model.Layers[3].OutputShape)
	assert.Equal(t, []int{16}, model.OutputShape)
}

func TestDescriptorValidation(t *testing.T) {
	cases := map[string]func() (layers.LayerSpec, error){
		"zero units":       func() (layers.LayerSpec, error) { return layers.NewDense(0) },
		"negative filters": func() (layers.LayerSpec, error) { return layers.NewConv2D(-1) },
		"bad kernel rank":  func() (layers.LayerSpec, error) { return layers.NewConv2D(4, layers.WithKernelSize(3, 3, 3)) },
		"zero stride":      func() (layers.LayerSpec, error) { return layers.NewMaxPool2D(layers.WithStrides(0, 2)) },
		"dropout rate":     func() (layers.LayerSpec, error) { return layers.NewDropout(1) },
		"input rank":       func() (layers.LayerSpec, error) { return layers.NewInput(nil) },
		"input dims":       func() (layers.LayerSpec, error) { return layers.NewInput([]int{28, 0, 1}) },
		"bad name":         func() (layers.LayerSpec, error) { return layers.NewFlatten(layers.WithName("a b")) },
		"pool activation": func() (layers.LayerSpec, error) {
			return layers.NewMaxPool2D(layers.WithActivation(layers.ReLU))
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := build()
			require.Error(t, err)
			assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration), err.Error())
		})
	}
}

func TestBuilderKeepsFirstError(t *testing.T) {
	_, err := layers.NewModelBuilder([]int{4}).
		AddDense(0).
		AddDense(-3).
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "layer 1")
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration))
}

func toyResidual(t *testing.T) *layers.GraphBuilder {
	t.Helper()
	g := layers.NewGraphBuilder()
	in := g.Input([]int{8, 8, 3}, layers.WithName("img"))
	c1 := g.Conv2D(8, []string{in}, layers.WithName("c1"))
	c2 := g.Conv2D(8, []string{c1}, layers.WithName("c2"))
	sum := g.Add([]string{c1, c2}, layers.WithName("sum"))
	gap := g.GlobalAvgPool2D([]string{sum})
	g.Dense(10, []string{gap}, layers.WithActivation(layers.Softmax), layers.WithName("out"))
	return g
}

func TestFunctionalResidualGraph(t *testing.T) {
	model, err := toyResidual(t).Build()
	require.NoError(t, err)

	assert.True(t, model.Functional)
	assert.Equal(t, "out", model.OutputName)
	assert.Equal(t, []string{"c2", "sum"}, model.Consumers("c1"))

	sum, ok := model.Layer("sum")
	require.True(t, ok)
	assert.Equal(t, [][]int{{8, 8, 8}, {8, 8, 8}}, sum.InputShapes)

	pos := map[string]int{}
	for i, l := range model.Layers {
		pos[l.Name] = i
	}
	for _, l := range model.Layers {
		for _, p := range l.Inputs {
			assert.Less(t, pos[p], pos[l.Name], "%s must precede %s", p, l.Name)
		}
	}
}

func TestAddShapeMismatch(t *testing.T) {
	g := layers.NewGraphBuilder()
	in := g.Input([]int{8, 8, 3})
	a := g.Conv2D(8, []string{in})
	b := g.Conv2D(4, []string{in})
	g.Add([]string{a, b})
	_, err := g.Build()
	require.Error(t, err)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))
}

func TestCycleIsMalformed(t *testing.T) {
	in := layers.Must(layers.NewInput([]int{4}, layers.WithName("in")))
	a := layers.Must(layers.NewDense(4, layers.WithName("a")))
	b := layers.Must(layers.NewDense(4, layers.WithName("b")))
	merge := layers.Must(layers.NewAdd(layers.WithName("m")))
	out := layers.Must(layers.NewDense(1, layers.WithName("out")))

	_, err := layers.Build([]layers.LayerSpec{in, a, b, merge, out}, map[string][]string{
		"a":   {"in"},
		"m":   {"a", "b"},
		"b":   {"m"},
		"out": {"m"},
	})
	require.Error(t, err)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeMalformedTopology))
	assert.Contains(t, err.Error(), "cycle")
}

func TestMalformedTopologies(t *testing.T) {
	in := layers.Must(layers.NewInput([]int{4}, layers.WithName("in")))
	a := layers.Must(layers.NewDense(4, layers.WithName("a")))
	b := layers.Must(layers.NewDense(4, layers.WithName("b")))

	cases := map[string]struct {
		nodes []layers.LayerSpec
		edges map[string][]string
	}{
		"two sinks":        {[]layers.LayerSpec{in, a, b}, map[string][]string{"a": {"in"}, "b": {"in"}}},
		"unknown producer": {[]layers.LayerSpec{in, a}, map[string][]string{"a": {"ghost"}}},
		"unknown consumer": {[]layers.LayerSpec{in, a}, map[string][]string{"a": {"in"}, "ghost": {"a"}}},
		"orphan layer":     {[]layers.LayerSpec{in, a, b}, map[string][]string{"a": {"in"}}},
		"no input":         {[]layers.LayerSpec{a}, nil},
		"two producers":    {[]layers.LayerSpec{in, a, b}, map[string][]string{"a": {"in"}, "b": {"a", "in"}}},
		"add in chain":     {[]layers.LayerSpec{in, a, layers.Must(layers.NewAdd())}, nil},
		"empty":            {nil, nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := layers.Build(tc.nodes, tc.edges)
			require.Error(t, err)
			assert.True(t, nerrors.Is(err, nerrors.ErrCodeMalformedTopology), err.Error())
		})
	}
}

func TestDuplicateNames(t *testing.T) {
	_, err := layers.Sequential(
		layers.Must(layers.NewInput([]int{4})),
		layers.Must(layers.NewDense(4, layers.WithName("fc"))),
		layers.Must(layers.NewDense(2, layers.WithName("fc"))),
	)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration))
}

func TestBuildDoesNotMutateDescriptors(t *testing.T) {
	shape := []int{4}
	nodes := []layers.LayerSpec{
		layers.Must(layers.NewInput(shape)),
		layers.Must(layers.NewDense(2)),
	}
	model, err := layers.Build(nodes, nil)
	require.NoError(t, err)

	assert.Empty(t, nodes[1].Name)
	assert.Nil(t, nodes[1].OutputShape)
	model.Layers[0].Shape[0] = 99
	assert.Equal(t, 4, nodes[0].Shape[0])
}

func TestJSONRoundTripAndRebuild(t *testing.T) {
	model, err := toyResidual(t).Build()
	require.NoError(t, err)

	data, err := json.Marshal(model)
	require.NoError(t, err)
	var decoded layers.ModelSpec
	require.NoError(t, json.Unmarshal(data, &decoded))

	rebuilt, err := layers.Rebuild(&decoded)
	require.NoError(t, err)
	assert.Equal(t, model, rebuilt)
}

func TestFreezeAndExtend(t *testing.T) {
	base, err := layers.NewModelBuilder([]int{12}).
		AddDense(16, layers.WithName("hidden")).
		AddDense(2, layers.WithName("head"), layers.WithActivation(layers.Softmax)).
		Compile()
	require.NoError(t, err)

	frozen, err := layers.Freeze(base, "hidden")
	require.NoError(t, err)
	hidden, _ := frozen.Layer("hidden")
	assert.False(t, hidden.Trainable)
	assert.Equal(t, int64(16*2+2), frozen.TrainableParameterCount())
	assert.Contains(t, frozen.Summary(), "(frozen)")

	_, err = layers.Freeze(base, "missing")
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeNotFound))

	extended, err := layers.Extend(frozen, 1,
		layers.Must(layers.NewDense(8, layers.WithName("new_hidden"))),
		layers.Must(layers.NewDense(3, layers.WithName("new_head"), layers.WithActivation(layers.Softmax))),
	)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, extended.OutputShape)
	assert.Equal(t, "new_head", extended.OutputName)
	kept, _ := extended.Layer("hidden")
	assert.False(t, kept.Trainable)
}
