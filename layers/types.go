package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Input LayerType = iota
	Dense
	Conv2D
	MaxPool2D
	AvgPool2D
	Flatten
	Add
	GlobalAvgPool2D
	Dropout
	Activation
)

var layerTypeNames = map[LayerType]string{
	Input:           "Input",
	Dense:           "Dense",
	Conv2D:          "Conv2D",
	MaxPool2D:       "MaxPool2D",
	AvgPool2D:       "AvgPool2D",
	Flatten:         "Flatten",
	Add:             "Add",
	GlobalAvgPool2D: "GlobalAvgPool2D",
	Dropout:         "Dropout",
	Activation:      "Activation",
}

func (lt LayerType) String() string {
	if name, ok := layerTypeNames[lt]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText encodes the layer type by name so saved topologies stay readable.
func (lt LayerType) MarshalText() ([]byte, error) {
	name, ok := layerTypeNames[lt]
	if !ok {
		return nil, fmt.Errorf("unknown layer type %d", int(lt))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a layer type name.
func (lt *LayerType) UnmarshalText(text []byte) error {
	for t, name := range layerTypeNames {
		if strings.EqualFold(name, string(text)) {
			*lt = t
			return nil
		}
	}
	return fmt.Errorf("unknown layer type %q", string(text))
}

// HasParameters reports whether layers of this type own trainable tensors.
func (lt LayerType) HasParameters() bool {
	return lt == Dense || lt == Conv2D
}

// IsMerge reports whether the layer combines several producers.
func (lt LayerType) IsMerge() bool {
	return lt == Add
}

// Padding selects how convolution and pooling treat the borders.
type Padding int

const (
	// PaddingValid uses only complete windows.
	PaddingValid Padding = iota
	// PaddingSame zero-pads so that output extent is ceil(input/stride).
	PaddingSame
)

func (p Padding) String() string {
	switch p {
	case PaddingValid:
		return "valid"
	case PaddingSame:
		return "same"
	default:
		return "unknown"
	}
}

func (p Padding) MarshalText() ([]byte, error) {
	if p != PaddingValid && p != PaddingSame {
		return nil, fmt.Errorf("unknown padding %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Padding) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "valid":
		*p = PaddingValid
	case "same":
		*p = PaddingSame
	default:
		return fmt.Errorf("unknown padding %q", string(text))
	}
	return nil
}

// ActivationType is the activation function tag attached to a layer.
type ActivationType int

const (
	Linear ActivationType = iota
	ReLU
	Sigmoid
	Tanh
	Softmax
	LeakyReLU
	ELU
)

var activationNames = map[ActivationType]string{
	Linear:    "linear",
	ReLU:      "relu",
	Sigmoid:   "sigmoid",
	Tanh:      "tanh",
	Softmax:   "softmax",
	LeakyReLU: "leaky_relu",
	ELU:       "elu",
}

func (a ActivationType) String() string {
	if name, ok := activationNames[a]; ok {
		return name
	}
	return "unknown"
}

func (a ActivationType) MarshalText() ([]byte, error) {
	name, ok := activationNames[a]
	if !ok {
		return nil, fmt.Errorf("unknown activation %d", int(a))
	}
	return []byte(name), nil
}

func (a *ActivationType) UnmarshalText(text []byte) error {
	for t, name := range activationNames {
		if name == strings.ToLower(string(text)) {
			*a = t
			return nil
		}
	}
	return fmt.Errorf("unknown activation %q", string(text))
}

// ParseActivation resolves an activation name as used in config files.
func ParseActivation(name string) (ActivationType, error) {
	var a ActivationType
	err := a.UnmarshalText([]byte(name))
	return a, err
}

// InitializerKind enumerates the supported weight initialisation schemes.
type InitializerKind int

const (
	Zeros InitializerKind = iota
	Ones
	Constant
	GlorotNormal
	GlorotUniform
	HeNormal
	HeUniform
)

var initializerNames = map[InitializerKind]string{
	Zeros:         "zeros",
	Ones:          "ones",
	Constant:      "constant",
	GlorotNormal:  "glorot_normal",
	GlorotUniform: "glorot_uniform",
	HeNormal:      "he_normal",
	HeUniform:     "he_uniform",
}

func (k InitializerKind) String() string {
	if name, ok := initializerNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k InitializerKind) MarshalText() ([]byte, error) {
	name, ok := initializerNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown initializer %d", int(k))
	}
	return []byte(name), nil
}

func (k *InitializerKind) UnmarshalText(text []byte) error {
	for t, name := range initializerNames {
		if name == strings.ToLower(string(text)) {
			*k = t
			return nil
		}
	}
	return fmt.Errorf("unknown initializer %q", string(text))
}

// Initializer is a weight initialisation tag. The engine interprets it when
// parameters are allocated.
type Initializer struct {
	Kind  InitializerKind `json:"kind"`
	Value float32         `json:"value,omitempty"` // Constant only
	Seed  int64           `json:"seed,omitempty"`  // random kinds only
}

func (i Initializer) String() string {
	switch i.Kind {
	case Constant:
		return fmt.Sprintf("constant(%g)", i.Value)
	case GlorotNormal, GlorotUniform, HeNormal, HeUniform:
		if i.Seed != 0 {
			return fmt.Sprintf("%s(seed=%d)", i.Kind, i.Seed)
		}
	}
	return i.Kind.String()
}

// ZerosInit returns the all-zero initializer.
func ZerosInit() Initializer { return Initializer{Kind: Zeros} }

// OnesInit returns the all-one initializer.
func OnesInit() Initializer { return Initializer{Kind: Ones} }

// ConstantInit fills tensors with v.
func ConstantInit(v float32) Initializer { return Initializer{Kind: Constant, Value: v} }

// GlorotNormalInit draws from N(0, 2/(fanIn+fanOut)).
func GlorotNormalInit(seed int64) Initializer { return Initializer{Kind: GlorotNormal, Seed: seed} }

// GlorotUniformInit draws from U(-limit, limit) with limit sqrt(6/(fanIn+fanOut)).
func GlorotUniformInit(seed int64) Initializer { return Initializer{Kind: GlorotUniform, Seed: seed} }

// HeNormalInit draws from N(0, 2/fanIn).
func HeNormalInit(seed int64) Initializer { return Initializer{Kind: HeNormal, Seed: seed} }

// HeUniformInit draws from U(-limit, limit) with limit sqrt(6/fanIn).
func HeUniformInit(seed int64) Initializer { return Initializer{Kind: HeUniform, Seed: seed} }
