package engine

import (
	"math"
	"math/rand"

	"github.com/tsawler/go-netgraph/layers"
)

// initialize fills data according to the initializer tag.
func initialize(data []float32, init layers.Initializer, fanIn, fanOut int, rng *rand.Rand) {
	switch init.Kind {
	case layers.Zeros:
		for i := range data {
			data[i] = 0
		}
	case layers.Ones:
		fill(data, 1)
	case layers.Constant:
		fill(data, init.Value)
	case layers.GlorotNormal:
		initializeNormal(data, math.Sqrt(2/float64(fanIn+fanOut)), rng)
	case layers.GlorotUniform:
		initializeUniform(data, math.Sqrt(6/float64(fanIn+fanOut)), rng)
	case layers.HeNormal:
		initializeNormal(data, math.Sqrt(2/float64(fanIn)), rng)
	case layers.HeUniform:
		initializeUniform(data, math.Sqrt(6/float64(fanIn)), rng)
	}
}

func fill(data []float32, v float32) {
	for i := range data {
		data[i] = v
	}
}

// initializeUniform draws from U(-limit, limit).
func initializeUniform(data []float32, limit float64, rng *rand.Rand) {
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

// initializeNormal draws from N(0, std^2).
func initializeNormal(data []float32, std float64, rng *rand.Rand) {
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
}

// fans returns fan-in and fan-out of a parameterised layer.
func fans(l *layers.LayerSpec) (int, int) {
	switch l.Type {
	case layers.Dense:
		return l.InputShapes[0][0], l.Units
	case layers.Conv2D:
		area := l.KernelSize[0] * l.KernelSize[1]
		return area * l.InputShapes[0][2], area * l.Filters
	}
	return 1, 1
}
