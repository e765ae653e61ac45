// Package detection draws object-detection results onto images. The
// detections themselves come from an external model; boxes are given in
// coordinates relative to the image size.
package detection

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"slices"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/vision/preprocessing"
)

// DetectedObject is one box reported by a detector. Coordinates are
// fractions of the image width and height.
type DetectedObject struct {
	XMin        float32 `json:"x_min"`
	XMax        float32 `json:"x_max"`
	YMin        float32 `json:"y_min"`
	YMax        float32 `json:"y_max"`
	Probability float32 `json:"probability"`
	ClassLabel  string  `json:"class_label"`
}

// Bounds converts the box to pixels of a width x height image.
func (o DetectedObject) Bounds(width, height int) image.Rectangle {
	return image.Rect(
		int(math.Round(float64(o.XMin)*float64(width))),
		int(math.Round(float64(o.YMin)*float64(height))),
		int(math.Round(float64(o.XMax)*float64(width))),
		int(math.Round(float64(o.YMax)*float64(height))),
	)
}

func (o DetectedObject) String() string {
	return fmt.Sprintf("%s (%.2f) [%.3f,%.3f]-[%.3f,%.3f]", o.ClassLabel, o.Probability, o.XMin, o.YMin, o.XMax, o.YMax)
}

// ReadDetections decodes a JSON array of detections.
func ReadDetections(r io.Reader) ([]DetectedObject, error) {
	var objs []DetectedObject
	if err := json.NewDecoder(r).Decode(&objs); err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "failed to decode detections")
	}
	for i, o := range objs {
		if o.XMax < o.XMin || o.YMax < o.YMin {
			return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "detection %d has inverted box %v", i, o)
		}
	}
	return objs, nil
}

// Filter keeps the detections whose label is one of labels.
func Filter(objs []DetectedObject, labels ...string) []DetectedObject {
	var out []DetectedObject
	for _, o := range objs {
		if slices.Contains(labels, o.ClassLabel) {
			out = append(out, o)
		}
	}
	return out
}

// TopK returns the k most probable detections, highest first.
func TopK(objs []DetectedObject, k int) []DetectedObject {
	out := slices.Clone(objs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
	if k >= 0 && k < len(out) {
		out = out[:k]
	}
	return out
}

// StreetColors colours people red, bicycles blue and cars green.
var StreetColors = map[string]color.Color{
	"person":  color.RGBA{255, 0, 0, 255},
	"bicycle": color.RGBA{0, 0, 255, 255},
	"car":     color.RGBA{0, 255, 0, 255},
}

// DrawOptions controls Annotate.
type DrawOptions struct {
	// Width and Height resize the image before drawing when both are set.
	Width, Height int

	Colors       map[string]color.Color
	DefaultColor color.Color
	LineWidth    float64

	// Boxes wider or taller than MaxBoxSize pixels are skipped; 0 disables
	// the check.
	MaxBoxSize int
}

// DefaultDrawOptions mirror the street-photo example: 1200x1200 output, a
// 4 pixel stroke and boxes over 400 pixels skipped.
func DefaultDrawOptions() DrawOptions {
	return DrawOptions{
		Width:        1200,
		Height:       1200,
		Colors:       StreetColors,
		DefaultColor: color.RGBA{255, 255, 0, 255},
		LineWidth:    4,
		MaxBoxSize:   400,
	}
}

// Annotate returns a copy of src with a rectangle per detection and the
// number of rectangles drawn.
func Annotate(src image.Image, objs []DetectedObject, opts DrawOptions) (image.Image, int) {
	base := src
	if opts.Width > 0 && opts.Height > 0 {
		base = imaging.Resize(src, opts.Width, opts.Height, imaging.Lanczos)
	}
	bounds := base.Bounds()
	dc := gg.NewContextForImage(base)
	if opts.LineWidth > 0 {
		dc.SetLineWidth(opts.LineWidth)
	}

	drawn := 0
	for _, o := range objs {
		box := o.Bounds(bounds.Dx(), bounds.Dy())
		if opts.MaxBoxSize > 0 && (box.Dx() > opts.MaxBoxSize || box.Dy() > opts.MaxBoxSize) {
			continue
		}
		c, ok := opts.Colors[o.ClassLabel]
		if !ok {
			if opts.DefaultColor == nil {
				continue
			}
			c = opts.DefaultColor
		}
		dc.SetColor(c)
		dc.DrawRectangle(float64(box.Min.X), float64(box.Min.Y), float64(box.Dx()), float64(box.Dy()))
		dc.Stroke()
		drawn++
	}
	return dc.Image(), drawn
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) error {
	if err := gg.SavePNG(path, img); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ToImage turns a rescaled pipeline tensor (values in [0, 1], channels
// last) back into an image. Values outside the range are clamped.
func ToImage(data []float32, shape preprocessing.ImageShape, order preprocessing.ColorOrder) (*image.RGBA, error) {
	if shape.Channels != order.Channels() || len(data) != shape.Size() {
		return nil, nerrors.New(nerrors.ErrCodeShapeMismatch,
			"%d values do not form a %dx%dx%d %s image", len(data), shape.Height, shape.Width, shape.Channels, order)
	}
	img := image.NewRGBA(image.Rect(0, 0, shape.Width, shape.Height))
	toByte := func(v float32) uint8 {
		return uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
	}
	for p := 0; p < shape.Width*shape.Height; p++ {
		px := data[p*shape.Channels : (p+1)*shape.Channels]
		var r, g, b uint8
		switch order {
		case preprocessing.BGR:
			r, g, b = toByte(px[2]), toByte(px[1]), toByte(px[0])
		case preprocessing.Grayscale:
			r = toByte(px[0])
			g, b = r, r
		default:
			r, g, b = toByte(px[0]), toByte(px[1]), toByte(px[2])
		}
		img.Pix[4*p], img.Pix[4*p+1], img.Pix[4*p+2], img.Pix[4*p+3] = r, g, b, 255
	}
	return img, nil
}
