// Package dataset maps an image directory tree onto labelled samples: every
// subdirectory of the root is one class.
package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"

	ngdata "github.com/tsawler/go-netgraph/dataset"
	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/vision/preprocessing"
)

// DefaultExtensions are the file types picked up when none are given.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".webp"}

// ImageFolder lists image files with the class index of their folder.
// Classes are numbered in lexical order of folder names.
type ImageFolder struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolder scans root. Files directly in root are ignored.
func NewImageFolder(root string, extensions []string) (*ImageFolder, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nerrors.Wrap(nerrors.ErrCodeNotFound, err, "image folder %s not found", root)
		}
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	d := &ImageFolder{classToIdx: make(map[string]int)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		className := entry.Name()
		classIdx := len(d.classNames)
		d.classNames = append(d.classNames, className)
		d.classToIdx[className] = classIdx

		files, err := os.ReadDir(filepath.Join(root, className))
		if err != nil {
			return nil, fmt.Errorf("failed to list class %s: %w", className, err)
		}
		for _, f := range files {
			if f.IsDir() || !slices.Contains(extensions, strings.ToLower(filepath.Ext(f.Name()))) {
				continue
			}
			d.imagePaths = append(d.imagePaths, filepath.Join(root, className, f.Name()))
			d.labels = append(d.labels, classIdx)
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "no images found in %s", root)
	}
	return d, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolder) Len() int {
	return len(d.imagePaths)
}

// Item returns the image path and label at the given index
func (d *ImageFolder) Item(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, nerrors.New(nerrors.ErrCodeInvalidInput, "index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolder) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the folder name of every class index.
func (d *ImageFolder) ClassNames() []string {
	return slices.Clone(d.classNames)
}

// ClassIndex returns the label of a class folder.
func (d *ImageFolder) ClassIndex(name string) (int, bool) {
	idx, ok := d.classToIdx[name]
	return idx, ok
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolder) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

func (d *ImageFolder) derive(indices []int) *ImageFolder {
	out := &ImageFolder{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}
	for i, idx := range indices {
		out.imagePaths[i] = d.imagePaths[idx]
		out.labels[i] = d.labels[idx]
	}
	return out
}

// Split shuffles with seed and divides the files into a training share of
// ratio and the rest.
func (d *ImageFolder) Split(ratio float64, seed int64) (*ImageFolder, *ImageFolder, error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "split ratio must be in (0, 1), got %v", ratio)
	}
	n := len(d.imagePaths)
	trainSize := int(float64(n) * ratio)
	if trainSize == 0 || trainSize == n {
		return nil, nil, nerrors.New(nerrors.ErrCodeInvalidInput, "split of %d images at %v leaves one side empty", n, ratio)
	}

	indices := rand.New(rand.NewSource(seed)).Perm(n)
	return d.derive(indices[:trainSize]), d.derive(indices[trainSize:]), nil
}

// FilterByClass keeps only samples of the named classes. Class indices are
// unchanged.
func (d *ImageFolder) FilterByClass(classNames ...string) *ImageFolder {
	var keep []int
	for i, label := range d.labels {
		if slices.Contains(classNames, d.classNames[label]) {
			keep = append(keep, i)
		}
	}
	return d.derive(keep)
}

// LimitPerClass keeps at most n files of every class, in listing order.
func (d *ImageFolder) LimitPerClass(n int) *ImageFolder {
	counts := make(map[int]int)
	var keep []int
	for i, label := range d.labels {
		if counts[label] < n {
			counts[label]++
			keep = append(keep, i)
		}
	}
	return d.derive(keep)
}

// Load runs the pipeline over every image and returns an in-memory dataset
// with one class index per sample. All images must come out with the same
// shape, so a pipeline without Resize needs equally sized files.
func (d *ImageFolder) Load(ctx context.Context, p preprocessing.Pipeline, workers int, cache *preprocessing.Cache) (*ngdata.OnHeap, preprocessing.ImageShape, error) {
	if len(d.imagePaths) == 0 {
		return nil, preprocessing.ImageShape{}, nerrors.New(nerrors.ErrCodeInvalidInput, "image folder selection is empty")
	}
	images, err := preprocessing.PreprocessBatch(ctx, p, d.imagePaths, workers, cache)
	if err != nil {
		return nil, preprocessing.ImageShape{}, err
	}
	shape := images[0].Shape
	x := make([]float32, 0, len(images)*shape.Size())
	y := make([]float32, len(images))
	for i, img := range images {
		if img.Shape != shape {
			return nil, preprocessing.ImageShape{}, nerrors.New(nerrors.ErrCodeShapeMismatch,
				"%s is %dx%d, expected %dx%d; add a resize step", img.Path, img.Shape.Width, img.Shape.Height, shape.Width, shape.Height)
		}
		x = append(x, img.Data...)
		y[i] = float32(d.labels[i])
	}
	ds, err := ngdata.FromFlat(x, shape.Size(), y, 1)
	if err != nil {
		return nil, preprocessing.ImageShape{}, err
	}
	return ds, shape, nil
}

// String returns a string representation of the dataset
func (d *ImageFolder) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolder: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames))
	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		fmt.Fprintf(&sb, "  %s: %d samples\n", className, dist[className])
	}
	return sb.String()
}
