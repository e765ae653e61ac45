package layers

import (
	"fmt"
	"strings"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// LayerSpec defines layer configuration for the execution engine.
// This is pure configuration - no execution logic.
//
// Descriptors are built with the New* constructors, which validate every
// numeric parameter. The builder works on copies, so a descriptor handed to
// it is never modified.
type LayerSpec struct {
	Type LayerType `json:"type"`
	Name string    `json:"name"`

	Shape      []int          `json:"shape,omitempty"`   // Input: per-sample shape, channels last
	Units      int            `json:"units,omitempty"`   // Dense
	Filters    int            `json:"filters,omitempty"` // Conv2D
	KernelSize [2]int         `json:"kernel_size"`       // Conv2D
	PoolSize   [2]int         `json:"pool_size"`         // MaxPool2D, AvgPool2D
	Strides    [2]int         `json:"strides"`           // Conv2D and pooling
	Padding    Padding        `json:"padding"`
	Rate       float32        `json:"rate,omitempty"` // Dropout
	Activation ActivationType `json:"activation"`

	KernelInitializer Initializer `json:"kernel_initializer"`
	BiasInitializer   Initializer `json:"bias_initializer"`
	UseBias           bool        `json:"use_bias"`
	Trainable         bool        `json:"trainable"`

	// Graph and shape information (computed during Build)
	Inputs          []string `json:"inputs,omitempty"`
	InputShapes     [][]int  `json:"input_shapes,omitempty"`
	OutputShape     []int    `json:"output_shape,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// Option customises a descriptor during construction.
type Option func(*LayerSpec) error

// WithName sets the layer name. Names must be unique within a model.
func WithName(name string) Option {
	return func(ls *LayerSpec) error {
		if err := nerrors.ValidateName(name); err != nil {
			return err
		}
		ls.Name = name
		return nil
	}
}

// WithActivation sets the activation applied to the layer output.
func WithActivation(a ActivationType) Option {
	return func(ls *LayerSpec) error {
		ls.Activation = a
		return nil
	}
}

// WithKernelInitializer sets the weight initializer.
func WithKernelInitializer(init Initializer) Option {
	return func(ls *LayerSpec) error {
		ls.KernelInitializer = init
		return nil
	}
}

// WithBiasInitializer sets the bias initializer.
func WithBiasInitializer(init Initializer) Option {
	return func(ls *LayerSpec) error {
		ls.BiasInitializer = init
		return nil
	}
}

// WithoutBias drops the bias vector of Dense and Conv2D layers.
func WithoutBias() Option {
	return func(ls *LayerSpec) error {
		ls.UseBias = false
		return nil
	}
}

// Frozen marks the layer as not trainable; the optimizer skips its parameters.
func Frozen() Option {
	return func(ls *LayerSpec) error {
		ls.Trainable = false
		return nil
	}
}

// WithKernelSize sets the convolution window. One value means a square
// kernel; the four-element form [1, h, w, 1] is accepted as well.
func WithKernelSize(dims ...int) Option {
	return func(ls *LayerSpec) error {
		pair, err := spatialPair("kernel size", dims)
		if err != nil {
			return err
		}
		ls.KernelSize = pair
		return nil
	}
}

// WithPoolSize sets the pooling window, in the same forms as WithKernelSize.
func WithPoolSize(dims ...int) Option {
	return func(ls *LayerSpec) error {
		pair, err := spatialPair("pool size", dims)
		if err != nil {
			return err
		}
		ls.PoolSize = pair
		return nil
	}
}

// WithStrides sets the window step, in the same forms as WithKernelSize.
func WithStrides(dims ...int) Option {
	return func(ls *LayerSpec) error {
		pair, err := spatialPair("strides", dims)
		if err != nil {
			return err
		}
		ls.Strides = pair
		return nil
	}
}

// WithPadding sets the border mode.
func WithPadding(p Padding) Option {
	return func(ls *LayerSpec) error {
		ls.Padding = p
		return nil
	}
}

// spatialPair normalises a window description to [height, width].
func spatialPair(what string, dims []int) ([2]int, error) {
	switch {
	case len(dims) == 1:
		return [2]int{dims[0], dims[0]}, nil
	case len(dims) == 2:
		return [2]int{dims[0], dims[1]}, nil
	case len(dims) == 4 && dims[0] == 1 && dims[3] == 1:
		return [2]int{dims[1], dims[2]}, nil
	default:
		return [2]int{}, nerrors.New(nerrors.ErrCodeInvalidConfiguration,
			"%s %v does not match spatial rank 2", what, dims)
	}
}

func newSpec(base LayerSpec, opts []Option) (LayerSpec, error) {
	spec := base
	for _, opt := range opts {
		if err := opt(&spec); err != nil {
			return LayerSpec{}, err
		}
	}
	if err := spec.Validate(); err != nil {
		return LayerSpec{}, err
	}
	return spec, nil
}

// NewInput creates the model entry point for samples of the given shape,
// e.g. []int{28, 28, 1} for grayscale images or []int{12} for tabular rows.
func NewInput(shape []int, opts ...Option) (LayerSpec, error) {
	return newSpec(LayerSpec{
		Type:      Input,
		Shape:     append([]int(nil), shape...),
		Trainable: true,
	}, opts)
}

// NewDense creates a fully connected layer.
func NewDense(units int, opts ...Option) (LayerSpec, error) {
	return newSpec(LayerSpec{
		Type:              Dense,
		Units:             units,
		Activation:        ReLU,
		KernelInitializer: HeNormalInit(0),
		BiasInitializer:   HeUniformInit(0),
		UseBias:           true,
		Trainable:         true,
	}, opts)
}

// NewConv2D creates a 2D convolution with a 3x3 kernel, stride 1 and same
// padding unless overridden.
func NewConv2D(filters int, opts ...Option) (LayerSpec, error) {
	return newSpec(LayerSpec{
		Type:              Conv2D,
		Filters:           filters,
		KernelSize:        [2]int{3, 3},
		Strides:           [2]int{1, 1},
		Padding:           PaddingSame,
		Activation:        ReLU,
		KernelInitializer: HeNormalInit(0),
		BiasInitializer:   HeUniformInit(0),
		UseBias:           true,
		Trainable:         true,
	}, opts)
}

func newPool(t LayerType, opts []Option) (LayerSpec, error) {
	spec := LayerSpec{
		Type:      t,
		PoolSize:  [2]int{2, 2},
		Padding:   PaddingValid,
		Trainable: true,
	}
	for _, opt := range opts {
		if err := opt(&spec); err != nil {
			return LayerSpec{}, err
		}
	}
	// Strides default to the window so pooling does not overlap.
	if spec.Strides == [2]int{} {
		spec.Strides = spec.PoolSize
	}
	if err := spec.Validate(); err != nil {
		return LayerSpec{}, err
	}
	return spec, nil
}

// NewMaxPool2D creates a max pooling layer (2x2 window, stride 2, valid).
func NewMaxPool2D(opts ...Option) (LayerSpec, error) {
	return newPool(MaxPool2D, opts)
}

// NewAvgPool2D creates an average pooling layer (2x2 window, stride 2, valid).
func NewAvgPool2D(opts ...Option) (LayerSpec, error) {
	return newPool(AvgPool2D, opts)
}

// NewFlatten creates a layer collapsing [h, w, c] into one dimension.
func NewFlatten(opts ...Option) (LayerSpec, error) {
	return newSpec(LayerSpec{Type: Flatten, Trainable: true}, opts)
}

// NewAdd creates an element-wise sum of two or more producers.
func NewAdd(opts ...Option) (LayerSpec, error) {
	return newSpec(LayerSpec{Type: Add, Trainable: true}, opts)
}

// NewGlobalAvgPool2D averages every channel over the spatial dimensions.
func NewGlobalAvgPool2D(opts ...Option) (LayerSpec, error) {
	return newSpec(LayerSpec{Type: GlobalAvgPool2D, Trainable: true}, opts)
}

// NewDropout zeroes a fraction rate of activations during training.
func NewDropout(rate float32, opts ...Option) (LayerSpec, error) {
	return newSpec(LayerSpec{Type: Dropout, Rate: rate, Trainable: true}, opts)
}

// NewActivation applies an activation function as a standalone layer.
func NewActivation(a ActivationType, opts ...Option) (LayerSpec, error) {
	return newSpec(LayerSpec{Type: Activation, Activation: a, Trainable: true}, opts)
}

// Must panics if err is non-nil. It is intended for static model
// definitions whose parameters are known to be valid.
func Must(spec LayerSpec, err error) LayerSpec {
	if err != nil {
		panic(err)
	}
	return spec
}

// Validate checks the descriptor parameters. It does not look at shapes
// flowing in from other layers; that happens in Build.
func (ls LayerSpec) Validate() error {
	invalid := func(format string, args ...any) error {
		return nerrors.New(nerrors.ErrCodeInvalidConfiguration, "%s %s: %s",
			ls.Type, ls.displayName(), fmt.Sprintf(format, args...))
	}

	if ls.Name != "" {
		if err := nerrors.ValidateName(ls.Name); err != nil {
			return err
		}
	}
	if _, ok := activationNames[ls.Activation]; !ok {
		return invalid("unknown activation %d", int(ls.Activation))
	}
	if ls.Activation != Linear && ls.Type != Dense && ls.Type != Conv2D && ls.Type != Activation {
		return invalid("activation %s is not supported on this layer type", ls.Activation)
	}

	switch ls.Type {
	case Input:
		if len(ls.Shape) == 0 || len(ls.Shape) > 3 {
			return invalid("input shape %v must have rank 1 to 3", ls.Shape)
		}
		for _, d := range ls.Shape {
			if d <= 0 {
				return invalid("input shape %v must be positive", ls.Shape)
			}
		}
	case Dense:
		if ls.Units <= 0 {
			return invalid("units must be positive, got %d", ls.Units)
		}
	case Conv2D:
		if ls.Filters <= 0 {
			return invalid("filters must be positive, got %d", ls.Filters)
		}
		if err := positivePair("kernel size", ls.KernelSize); err != nil {
			return invalid("%v", err)
		}
		if err := positivePair("strides", ls.Strides); err != nil {
			return invalid("%v", err)
		}
	case MaxPool2D, AvgPool2D:
		if err := positivePair("pool size", ls.PoolSize); err != nil {
			return invalid("%v", err)
		}
		if err := positivePair("strides", ls.Strides); err != nil {
			return invalid("%v", err)
		}
	case Dropout:
		if ls.Rate < 0 || ls.Rate >= 1 {
			return invalid("rate must be in [0, 1), got %g", ls.Rate)
		}
	case Flatten, Add, GlobalAvgPool2D, Activation:
	default:
		return invalid("unsupported layer type")
	}

	if ls.Padding != PaddingValid && ls.Padding != PaddingSame {
		return invalid("unknown padding %d", int(ls.Padding))
	}
	return nil
}

func positivePair(what string, p [2]int) error {
	if p[0] <= 0 || p[1] <= 0 {
		return fmt.Errorf("%s %v must be positive", what, p)
	}
	return nil
}

func (ls LayerSpec) displayName() string {
	if ls.Name == "" {
		return "(unnamed)"
	}
	return ls.Name
}

var defaultNamePrefixes = map[LayerType]string{
	Input:           "input",
	Dense:           "dense",
	Conv2D:          "conv2d",
	MaxPool2D:       "max_pool2d",
	AvgPool2D:       "avg_pool2d",
	Flatten:         "flatten",
	Add:             "add",
	GlobalAvgPool2D: "global_avg_pool2d",
	Dropout:         "dropout",
	Activation:      "activation",
}

// defaultName derives the automatic name for the layer at position idx,
// e.g. "conv2d_1" or "max_pool2d_2".
func defaultName(t LayerType, idx int) string {
	prefix, ok := defaultNamePrefixes[t]
	if !ok {
		prefix = strings.ToLower(t.String())
	}
	return fmt.Sprintf("%s_%d", prefix, idx)
}

// descriptor returns a copy with all Build-computed fields cleared and no
// slices shared with the receiver.
func (ls LayerSpec) descriptor() LayerSpec {
	out := ls
	out.Shape = append([]int(nil), ls.Shape...)
	if len(out.Shape) == 0 {
		out.Shape = nil
	}
	out.Inputs = nil
	out.InputShapes = nil
	out.OutputShape = nil
	out.ParameterShapes = nil
	out.ParameterCount = 0
	return out
}
