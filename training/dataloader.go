package training

import (
	"math/rand"

	"github.com/tsawler/go-netgraph/dataset"
	nerrors "github.com/tsawler/go-netgraph/errors"
)

// DataLoader partitions a dataset into batches. An epoch has ceil(N/B)
// batches; every batch holds B samples except possibly the last.
type DataLoader struct {
	dataset   dataset.Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	batches   int
}

// Batch represents a batch of samples and labels as flat batch-major buffers
type Batch struct {
	X     []float32
	Y     []float32
	Size  int
	Index int
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(ds dataset.Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "batch size must be positive, got %d", batchSize)
	}
	if ds == nil || ds.Len() == 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "dataset is empty")
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch, reshuffling when enabled.
func (dl *DataLoader) Reset() {
	dl.position = 0
	dl.batches = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	return dl.position < len(dl.indices)
}

// Next returns the next batch, or nil at the end of the epoch. All samples
// in a batch must share the feature and label widths of the first one.
func (dl *DataLoader) Next() (*Batch, error) {
	if !dl.HasNext() {
		return nil, nil
	}
	end := min(dl.position+dl.batchSize, len(dl.indices))
	idx := dl.indices[dl.position:end]
	dl.position = end

	first := idx[0]
	xw, yw := len(dl.dataset.X(first)), len(dl.dataset.Y(first))
	b := &Batch{
		X:     make([]float32, 0, len(idx)*xw),
		Y:     make([]float32, 0, len(idx)*yw),
		Size:  len(idx),
		Index: dl.batches,
	}
	for _, i := range idx {
		x, y := dl.dataset.X(i), dl.dataset.Y(i)
		if len(x) != xw || len(y) != yw {
			return nil, nerrors.New(nerrors.ErrCodeShapeMismatch,
				"sample %d has %d features and %d labels, batch expects %d and %d", i, len(x), len(y), xw, yw)
		}
		b.X = append(b.X, x...)
		b.Y = append(b.Y, y...)
	}
	dl.batches++
	return b, nil
}
