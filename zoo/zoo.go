// Package zoo provides ready-made topologies for the bundled example
// programs together with the label maps of their datasets.
package zoo

import (
	"fmt"
	"slices"
	"sort"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
)

// Seed is the initializer seed used by every zoo topology.
const Seed = 12

// LeNet5 is the classic LeNet-5 with ReLU activations and max pooling
// instead of sigmoid and average pooling.
func LeNet5(numClasses int) (*layers.ModelSpec, error) {
	kernel := layers.WithKernelInitializer(layers.GlorotNormalInit(Seed))
	bias := layers.WithBiasInitializer(layers.GlorotUniformInit(Seed))
	return layers.NewModelBuilder([]int{28, 28, 1}, layers.WithName("input_0")).
		AddConv2D(32, layers.WithKernelSize(5, 5), layers.WithStrides(1, 1, 1, 1), layers.WithPadding(layers.PaddingSame),
			kernel, bias, layers.WithName("conv2d_1")).
		AddMaxPool2D(layers.WithPoolSize(1, 2, 2, 1), layers.WithStrides(1, 2, 2, 1), layers.WithName("maxPool_2")).
		AddConv2D(64, layers.WithKernelSize(5, 5), layers.WithPadding(layers.PaddingSame),
			kernel, bias, layers.WithName("conv2d_3")).
		AddMaxPool2D(layers.WithName("maxPool_4")).
		AddFlatten(layers.WithName("flatten_5")).
		AddDense(120, kernel, bias, layers.WithName("dense_6")).
		AddDense(84, kernel, bias, layers.WithName("dense_7")).
		AddDense(numClasses, layers.WithActivation(layers.Linear), kernel, bias, layers.WithName("dense_8")).
		Compile()
}

// MNISTCNN is the two-block convolutional network of the MNIST example.
func MNISTCNN() (*layers.ModelSpec, error) {
	kernel := layers.WithKernelInitializer(layers.GlorotNormalInit(Seed))
	return layers.NewModelBuilder([]int{28, 28, 1}).
		AddConv2D(32, layers.WithKernelSize(5), kernel, layers.WithBiasInitializer(layers.ZerosInit())).
		AddMaxPool2D().
		AddConv2D(64, layers.WithKernelSize(5), kernel, layers.WithBiasInitializer(layers.ZerosInit())).
		AddMaxPool2D().
		AddFlatten().
		AddDense(512, kernel, layers.WithBiasInitializer(layers.ConstantInit(0.1))).
		AddDense(10, layers.WithActivation(layers.Linear), kernel, layers.WithBiasInitializer(layers.ConstantInit(0.1))).
		Compile()
}

// FashionMNISTMLP is the multilayer perceptron of the first tutorials.
func FashionMNISTMLP() (*layers.ModelSpec, error) {
	return layers.NewModelBuilder([]int{28, 28, 1}).
		AddFlatten().
		AddDense(300).
		AddDense(100).
		AddDense(10, layers.WithActivation(layers.Linear)).
		Compile()
}

// ToyResNet is a small residual network: three convolution blocks joined by
// Add shortcuts, global average pooling and a dense head.
func ToyResNet() (*layers.ModelSpec, error) {
	g := layers.NewGraphBuilder()
	in := g.Input([]int{28, 28, 1})
	x := g.Conv2D(32, []string{in})
	x = g.Conv2D(64, []string{x})
	block1 := g.MaxPool2D([]string{x}, layers.WithPoolSize(3), layers.WithStrides(3))

	x = g.Conv2D(64, []string{block1})
	x = g.Conv2D(64, []string{x})
	block2 := g.Add([]string{x, block1})

	x = g.Conv2D(64, []string{block2})
	x = g.Conv2D(64, []string{x})
	block3 := g.Add([]string{x, block2})

	x = g.Conv2D(64, []string{block3})
	x = g.GlobalAvgPool2D([]string{x})
	x = g.Dense(256, []string{x})
	g.Dense(10, []string{x}, layers.WithActivation(layers.Linear))
	return g.Build()
}

// TitanicMLP classifies passengers into did-not-survive / survived.
func TitanicMLP(features int) (*layers.ModelSpec, error) {
	kernel := layers.WithKernelInitializer(layers.HeNormalInit(Seed))
	bias := layers.WithBiasInitializer(layers.HeUniformInit(Seed))
	return layers.NewModelBuilder([]int{features}).
		AddDense(features*5, kernel, bias).
		AddDense(features*5, kernel, bias).
		AddDense(2, layers.WithActivation(layers.Linear), kernel, bias).
		Compile()
}

// SineRegressor fits y = sin(x).
func SineRegressor() (*layers.ModelSpec, error) {
	return layers.NewModelBuilder([]int{1}, layers.WithName("input_1")).
		AddDense(20, layers.WithName("dense_1")).
		AddDense(20, layers.WithName("dense_2")).
		AddDense(1, layers.WithActivation(layers.Linear), layers.WithName("dense_3")).
		Compile()
}

// LinearRegressor is a single linear unit over four features.
func LinearRegressor() (*layers.ModelSpec, error) {
	return layers.NewModelBuilder([]int{4}).
		AddDense(1, layers.WithActivation(layers.Linear),
			layers.WithKernelInitializer(layers.HeNormalInit(Seed)),
			layers.WithBiasInitializer(layers.ZerosInit())).
		Compile()
}

var registry = map[string]func() (*layers.ModelSpec, error){
	"lenet5":            func() (*layers.ModelSpec, error) { return LeNet5(10) },
	"mnist-cnn":         MNISTCNN,
	"fashion-mnist-mlp": FashionMNISTMLP,
	"toy-resnet":        ToyResNet,
	"titanic-mlp":       func() (*layers.ModelSpec, error) { return TitanicMLP(12) },
	"sine":              SineRegressor,
	"linear":            LinearRegressor,
}

// Names lists the registered topologies.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get builds a registered topology by name.
func Get(name string) (*layers.ModelSpec, error) {
	build, ok := registry[name]
	if !ok {
		return nil, nerrors.New(nerrors.ErrCodeNotFound, "unknown model %q (available: %v)", name, Names())
	}
	return build()
}

// FashionMNISTLabels maps Fashion-MNIST class indices to names.
var FashionMNISTLabels = []string{
	"T-shirt/top", "Trouser", "Pullover", "Dress", "Coat",
	"Sandal", "Shirt", "Sneaker", "Bag", "Ankle boot",
}

// CIFAR10Labels maps CIFAR-10 class indices to names.
var CIFAR10Labels = []string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

// Labels returns a label map by dataset name.
func Labels(name string) ([]string, error) {
	switch name {
	case "fashion-mnist":
		return slices.Clone(FashionMNISTLabels), nil
	case "cifar10", "cifar-10":
		return slices.Clone(CIFAR10Labels), nil
	case "mnist":
		labels := make([]string, 10)
		for i := range labels {
			labels[i] = fmt.Sprint(i)
		}
		return labels, nil
	default:
		return nil, nerrors.New(nerrors.ErrCodeNotFound, "unknown label map %q", name)
	}
}

// Label names a class index, falling back to the index itself.
func Label(labels []string, class int) string {
	if class >= 0 && class < len(labels) {
		return labels[class]
	}
	return fmt.Sprintf("class_%d", class)
}
