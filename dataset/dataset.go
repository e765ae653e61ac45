// Package dataset provides the sample source consumed by training: an
// indexable collection of feature and label vectors, plus loaders for the
// tabular, IDX and synthetic data used by the example programs.
package dataset

import (
	"fmt"
	"math/rand"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// Dataset is an indexable collection of samples. X and Y return views that
// callers must not modify. A label is either a single class index (sparse)
// or a vector such as a one-hot row or a regression target.
type Dataset interface {
	Len() int
	X(i int) []float32
	Y(i int) []float32
}

// OnHeap keeps all samples in two flat in-memory buffers.
type OnHeap struct {
	x           []float32
	y           []float32
	featureSize int
	labelWidth  int
}

// NewOnHeap copies per-sample features and labels into a dataset. Every
// feature row must have the same length, as must every label row.
func NewOnHeap(x, y [][]float32) (*OnHeap, error) {
	if len(x) != len(y) {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "%d feature rows but %d label rows", len(x), len(y))
	}
	if len(x) == 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "dataset is empty")
	}
	d := &OnHeap{featureSize: len(x[0]), labelWidth: len(y[0])}
	if d.featureSize == 0 || d.labelWidth == 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "samples must have features and labels")
	}
	d.x = make([]float32, 0, len(x)*d.featureSize)
	d.y = make([]float32, 0, len(y)*d.labelWidth)
	for i := range x {
		if len(x[i]) != d.featureSize {
			return nil, nerrors.New(nerrors.ErrCodeShapeMismatch, "sample %d has %d features, expected %d", i, len(x[i]), d.featureSize)
		}
		if len(y[i]) != d.labelWidth {
			return nil, nerrors.New(nerrors.ErrCodeShapeMismatch, "label %d has width %d, expected %d", i, len(y[i]), d.labelWidth)
		}
		d.x = append(d.x, x[i]...)
		d.y = append(d.y, y[i]...)
	}
	return d, nil
}

// FromFlat wraps batch-major buffers without copying.
func FromFlat(x []float32, featureSize int, y []float32, labelWidth int) (*OnHeap, error) {
	if featureSize <= 0 || labelWidth <= 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "feature size and label width must be positive")
	}
	if len(x)%featureSize != 0 || len(y)%labelWidth != 0 || len(x)/featureSize != len(y)/labelWidth {
		return nil, nerrors.New(nerrors.ErrCodeShapeMismatch,
			"%d feature values of size %d do not pair with %d label values of width %d", len(x), featureSize, len(y), labelWidth)
	}
	if len(x) == 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "dataset is empty")
	}
	return &OnHeap{x: x, y: y, featureSize: featureSize, labelWidth: labelWidth}, nil
}

// Len returns the number of samples
func (d *OnHeap) Len() int {
	return len(d.x) / d.featureSize
}

func (d *OnHeap) X(i int) []float32 {
	return d.x[i*d.featureSize : (i+1)*d.featureSize : (i+1)*d.featureSize]
}

func (d *OnHeap) Y(i int) []float32 {
	return d.y[i*d.labelWidth : (i+1)*d.labelWidth : (i+1)*d.labelWidth]
}

// FeatureSize is the number of values per sample.
func (d *OnHeap) FeatureSize() int { return d.featureSize }

// LabelWidth is the number of values per label.
func (d *OnHeap) LabelWidth() int { return d.labelWidth }

// Shuffle permutes the samples in place using a seeded generator so runs are
// reproducible.
func (d *OnHeap) Shuffle(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	fx := make([]float32, d.featureSize)
	fy := make([]float32, d.labelWidth)
	rng.Shuffle(d.Len(), func(i, j int) {
		xi, xj := d.X(i), d.X(j)
		copy(fx, xi)
		copy(xi, xj)
		copy(xj, fx)
		yi, yj := d.Y(i), d.Y(j)
		copy(fy, yi)
		copy(yi, yj)
		copy(yj, fy)
	})
}

// Split returns the first ratio share of the samples as the train set and the
// rest as the test set. Both halves are copies.
func (d *OnHeap) Split(ratio float64) (*OnHeap, *OnHeap, error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "split ratio must be in (0, 1), got %g", ratio)
	}
	n := d.Len()
	cut := int(float64(n) * ratio)
	if cut == 0 || cut == n {
		return nil, nil, nerrors.New(nerrors.ErrCodeInvalidInput, "split %g of %d samples leaves an empty side", ratio, n)
	}
	return d.slice(0, cut), d.slice(cut, n), nil
}

func (d *OnHeap) slice(from, to int) *OnHeap {
	return &OnHeap{
		x:           append([]float32(nil), d.x[from*d.featureSize:to*d.featureSize]...),
		y:           append([]float32(nil), d.y[from*d.labelWidth:to*d.labelWidth]...),
		featureSize: d.featureSize,
		labelWidth:  d.labelWidth,
	}
}

// Subset returns a copy holding the samples at indices, in that order.
func (d *OnHeap) Subset(indices []int) (*OnHeap, error) {
	if len(indices) == 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "subset is empty")
	}
	out := &OnHeap{featureSize: d.featureSize, labelWidth: d.labelWidth}
	for _, i := range indices {
		if i < 0 || i >= d.Len() {
			return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "index %d out of range [0, %d)", i, d.Len())
		}
		out.x = append(out.x, d.X(i)...)
		out.y = append(out.y, d.Y(i)...)
	}
	return out, nil
}

// ClassCounts counts sparse labels per class index.
func (d *OnHeap) ClassCounts() (map[int]int, error) {
	if d.labelWidth != 1 {
		return nil, nerrors.New(nerrors.ErrCodeUnsupported, "class counts need sparse labels, width is %d", d.labelWidth)
	}
	counts := make(map[int]int)
	for _, v := range d.y {
		counts[int(v)]++
	}
	return counts, nil
}

func (d *OnHeap) String() string {
	return fmt.Sprintf("OnHeap(samples=%d, features=%d, label_width=%d)", d.Len(), d.featureSize, d.labelWidth)
}
