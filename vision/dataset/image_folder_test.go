package dataset

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/vision/preprocessing"
)

// makeTree writes count gray PNGs of the given size per class, filled with
// the class index times 100.
func makeTree(t *testing.T, counts map[string]int, size int) string {
	t.Helper()
	root := t.TempDir()
	classes := []string{"cat", "dog", "fox"}
	for ci, class := range classes {
		n, ok := counts[class]
		if !ok {
			continue
		}
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < n; i++ {
			img := image.NewGray(image.Rect(0, 0, size, size))
			for p := range img.Pix {
				img.Pix[p] = uint8(ci * 100)
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%03d.png", i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cat", "notes.txt"), []byte("ignored"), 0o644))
	return root
}

func TestNewImageFolderMapsFoldersToLabels(t *testing.T) {
	root := makeTree(t, map[string]int{"cat": 3, "dog": 2}, 4)
	d, err := NewImageFolder(root, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, d.Len())
	assert.Equal(t, []string{"cat", "dog"}, d.ClassNames())
	assert.Equal(t, map[string]int{"cat": 3, "dog": 2}, d.ClassDistribution())

	path, label, err := d.Item(3)
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	assert.Equal(t, "dog", filepath.Base(filepath.Dir(path)))

	idx, ok := d.ClassIndex("dog")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	_, _, err = d.Item(5)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))
	assert.Contains(t, d.String(), "cat: 3 samples")
}

func TestNewImageFolderErrors(t *testing.T) {
	_, err := NewImageFolder(filepath.Join(t.TempDir(), "missing"), nil)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeNotFound))

	_, err = NewImageFolder(t.TempDir(), nil)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))
}

func TestSelections(t *testing.T) {
	root := makeTree(t, map[string]int{"cat": 4, "dog": 3, "fox": 1}, 2)
	d, err := NewImageFolder(root, []string{".png"})
	require.NoError(t, err)

	limited := d.LimitPerClass(2)
	assert.Equal(t, map[string]int{"cat": 2, "dog": 2, "fox": 1}, limited.ClassDistribution())

	dogs := d.FilterByClass("dog")
	assert.Equal(t, 3, dogs.Len())
	_, label, _ := dogs.Item(0)
	assert.Equal(t, 1, label)

	train, val, err := d.Split(0.75, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, train.Len())
	assert.Equal(t, 2, val.Len())

	_, _, err = d.Split(1, 1)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration))
}

func TestLoadBuildsDataset(t *testing.T) {
	root := makeTree(t, map[string]int{"cat": 2, "dog": 2}, 6)
	d, err := NewImageFolder(root, nil)
	require.NoError(t, err)

	p := preprocessing.Pipeline{
		Resize:     &preprocessing.Resize{Width: 3, Height: 3},
		Rescale:    &preprocessing.Rescale{Scale: 100},
		ColorOrder: preprocessing.Grayscale,
	}
	cache := preprocessing.NewCache(0)
	ds, shape, err := d.Load(context.Background(), p, 2, cache)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 1}, shape.Dims())
	assert.Equal(t, 4, ds.Len())
	assert.Len(t, ds.X(0), 9)
	assert.Equal(t, []float32{0}, ds.Y(1))
	assert.Equal(t, []float32{1}, ds.Y(2))
	assert.InDelta(t, 1.0, ds.X(3)[4], 1e-3)

	_, _, err = d.FilterByClass("none").Load(context.Background(), p, 1, nil)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))
}

func TestLoadRequiresUniformShapes(t *testing.T) {
	root := makeTree(t, map[string]int{"cat": 1}, 2)
	big := image.NewGray(image.Rect(0, 0, 5, 5))
	f, err := os.Create(filepath.Join(root, "cat", "big.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, big))
	require.NoError(t, f.Close())

	d, err := NewImageFolder(root, nil)
	require.NoError(t, err)
	_, _, err = d.Load(context.Background(), preprocessing.Pipeline{}, 1, nil)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))
}
