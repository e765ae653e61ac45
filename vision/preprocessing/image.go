// Package preprocessing turns image files into model input tensors through
// a declarative pipeline: load, resize, rescale and reorder channels.
package preprocessing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// ColorOrder selects the channel layout of the output.
type ColorOrder int

const (
	RGB ColorOrder = iota
	BGR
	Grayscale
)

func (c ColorOrder) String() string {
	switch c {
	case RGB:
		return "rgb"
	case BGR:
		return "bgr"
	case Grayscale:
		return "grayscale"
	default:
		return "unknown"
	}
}

// ParseColorOrder parses the names produced by String.
func ParseColorOrder(s string) (ColorOrder, error) {
	for _, c := range []ColorOrder{RGB, BGR, Grayscale} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "unknown color order %q", s)
}

// Channels is the number of values per pixel.
func (c ColorOrder) Channels() int {
	if c == Grayscale {
		return 1
	}
	return 3
}

// Interpolation selects the resampling kernel used by Resize.
type Interpolation int

const (
	Bilinear Interpolation = iota
	Nearest
	CatmullRom
)

func (i Interpolation) scaler() draw.Scaler {
	switch i {
	case Nearest:
		return draw.NearestNeighbor
	case CatmullRom:
		return draw.CatmullRom
	default:
		return draw.BiLinear
	}
}

// ImageShape describes a processed image. The data layout is
// [Height, Width, Channels], channels last.
type ImageShape struct {
	Width    int
	Height   int
	Channels int
}

// Dims returns the shape in layer order, ready for an Input layer.
func (s ImageShape) Dims() []int {
	return []int{s.Height, s.Width, s.Channels}
}

// Size is the number of float32 values of one image.
func (s ImageShape) Size() int {
	return s.Width * s.Height * s.Channels
}

// Resize scales images to a fixed size.
type Resize struct {
	Width, Height int
	Interpolation Interpolation
}

// Rescale divides every channel value (0-255) by Scale.
type Rescale struct {
	Scale float32
}

// Pipeline is an ordered list of image transforms. Steps left nil are
// skipped; without Rescale values stay in 0-255.
type Pipeline struct {
	Resize     *Resize
	Rescale    *Rescale
	ColorOrder ColorOrder
}

// Validate checks step parameters.
func (p Pipeline) Validate() error {
	if p.Resize != nil && (p.Resize.Width <= 0 || p.Resize.Height <= 0) {
		return nerrors.New(nerrors.ErrCodeInvalidConfiguration,
			"resize target must be positive, got %dx%d", p.Resize.Width, p.Resize.Height)
	}
	if p.Rescale != nil && p.Rescale.Scale == 0 {
		return nerrors.New(nerrors.ErrCodeInvalidConfiguration, "rescale factor must not be zero")
	}
	if p.ColorOrder < RGB || p.ColorOrder > Grayscale {
		return nerrors.New(nerrors.ErrCodeInvalidConfiguration, "unknown color order %d", p.ColorOrder)
	}
	return nil
}

// OutputShape is the shape produced for a source of the given size.
func (p Pipeline) OutputShape(width, height int) ImageShape {
	if p.Resize != nil {
		width, height = p.Resize.Width, p.Resize.Height
	}
	return ImageShape{Width: width, Height: height, Channels: p.ColorOrder.Channels()}
}

// Load reads and processes an image file.
func (p Pipeline) Load(path string) ([]float32, ImageShape, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ImageShape{}, nerrors.Wrap(nerrors.ErrCodeNotFound, err, "image %s not found", path)
		}
		return nil, ImageShape{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	data, shape, err := p.Decode(f)
	if err != nil {
		return nil, ImageShape{}, fmt.Errorf("%s: %w", path, err)
	}
	return data, shape, nil
}

// Decode processes an encoded image in any registered format (JPEG, PNG,
// GIF, BMP, WebP).
func (p Pipeline) Decode(r io.Reader) ([]float32, ImageShape, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, ImageShape{}, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "failed to decode image")
	}
	return p.Apply(img)
}

// DecodeBytes is Decode over an in-memory file.
func (p Pipeline) DecodeBytes(b []byte) ([]float32, ImageShape, error) {
	return p.Decode(bytes.NewReader(b))
}

// Apply runs the pipeline on a decoded image.
func (p Pipeline) Apply(img image.Image) ([]float32, ImageShape, error) {
	if err := p.Validate(); err != nil {
		return nil, ImageShape{}, err
	}
	bounds := img.Bounds()
	shape := p.OutputShape(bounds.Dx(), bounds.Dy())
	if shape.Width == 0 || shape.Height == 0 {
		return nil, ImageShape{}, nerrors.New(nerrors.ErrCodeInvalidInput, "image is empty")
	}

	rgba := image.NewRGBA(image.Rect(0, 0, shape.Width, shape.Height))
	if p.Resize != nil {
		p.Resize.Interpolation.scaler().Scale(rgba, rgba.Bounds(), img, bounds, draw.Src, nil)
	} else {
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	}

	scale := float32(1)
	if p.Rescale != nil {
		scale = p.Rescale.Scale
	}

	data := make([]float32, 0, shape.Size())
	for i := 0; i < len(rgba.Pix); i += 4 {
		r, g, b := float32(rgba.Pix[i]), float32(rgba.Pix[i+1]), float32(rgba.Pix[i+2])
		switch p.ColorOrder {
		case BGR:
			data = append(data, b/scale, g/scale, r/scale)
		case Grayscale:
			// ITU-R 601 luma
			data = append(data, (0.299*r+0.587*g+0.114*b)/scale)
		default:
			data = append(data, r/scale, g/scale, b/scale)
		}
	}
	return data, shape, nil
}

// CacheKey identifies the result of running p on path. Pipelines that
// differ in any step get different keys for the same file.
func (p Pipeline) CacheKey(path string) string {
	key := fmt.Sprintf("%s|%s", path, p.ColorOrder)
	if p.Resize != nil {
		key += fmt.Sprintf("|%dx%d/%d", p.Resize.Width, p.Resize.Height, p.Resize.Interpolation)
	}
	if p.Rescale != nil {
		key += fmt.Sprintf("|/%g", p.Rescale.Scale)
	}
	return key
}

// ProcessedImage is one result of PreprocessBatch.
type ProcessedImage struct {
	Path  string
	Data  []float32
	Shape ImageShape
}

// PreprocessBatch runs the pipeline over many files with at most
// maxWorkers concurrent decoders. Results keep the order of paths. The
// first failure cancels the remaining work. A non-nil cache is consulted
// before decoding and filled afterwards.
func PreprocessBatch(ctx context.Context, p Pipeline, paths []string, maxWorkers int, cache *Cache) ([]ProcessedImage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]ProcessedImage, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := p.CacheKey(path)
			if cache != nil {
				if hit, ok := cache.Get(key); ok {
					results[i] = hit
					return nil
				}
			}
			data, shape, err := p.Load(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			results[i] = ProcessedImage{Path: path, Data: data, Shape: shape}
			if cache != nil {
				cache.Put(key, results[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
