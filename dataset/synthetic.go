package dataset

import (
	"math"
	"math/rand"
)

// Sine samples n points x uniformly from [0, 2π) with target sin(x).
func Sine(n int, seed int64) (*OnHeap, error) {
	rng := rand.New(rand.NewSource(seed))
	x := make([]float32, n)
	y := make([]float32, n)
	for i := range x {
		v := rng.Float64() * 2 * math.Pi
		x[i] = float32(v)
		y[i] = float32(math.Sin(v))
	}
	return FromFlat(x, 1, y, 1)
}

// LinearCoefficients are the weights of the synthetic regression target
// y = 1*x1 - 2*x2 + 1.5*x3 - 0.95*x4 + 0.2 + noise.
var LinearCoefficients = []float64{1, -2, 1.5, -0.95}

// LinearIntercept is the constant term of the synthetic regression target.
const LinearIntercept = 0.2

// Linear samples n points with four features uniform in [-1, 1) and a
// linear target plus uniform noise in [0, noise).
func Linear(n int, noise float64, seed int64) (*OnHeap, error) {
	rng := rand.New(rand.NewSource(seed))
	features := len(LinearCoefficients)
	x := make([]float32, n*features)
	y := make([]float32, n)
	for i := 0; i < n; i++ {
		target := LinearIntercept + rng.Float64()*noise
		for j, c := range LinearCoefficients {
			v := 2 * (rng.Float64() - 0.5)
			x[i*features+j] = float32(v)
			target += c * v
		}
		y[i] = float32(target)
	}
	return FromFlat(x, features, y, 1)
}
