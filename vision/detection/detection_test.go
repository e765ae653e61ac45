package detection

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/vision/preprocessing"
)

var street = []DetectedObject{
	{XMin: 0.2, XMax: 0.8, YMin: 0.2, YMax: 0.8, Probability: 0.7, ClassLabel: "car"},
	{XMin: 0.1, XMax: 0.3, YMin: 0.1, YMax: 0.5, Probability: 0.9, ClassLabel: "person"},
	{XMin: 0, XMax: 1, YMin: 0, YMax: 1, Probability: 0.4, ClassLabel: "bus"},
}

func TestFilterAndTopK(t *testing.T) {
	kept := Filter(street, "car", "person", "bicycle")
	require.Len(t, kept, 2)
	assert.Equal(t, "car", kept[0].ClassLabel)

	top := TopK(street, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "person", top[0].ClassLabel)
	assert.Equal(t, "car", top[1].ClassLabel)
	assert.Equal(t, "car", street[0].ClassLabel)
	assert.Len(t, TopK(street, -1), 3)
}

func TestBounds(t *testing.T) {
	assert.Equal(t, image.Rect(20, 40, 80, 160), street[0].Bounds(100, 200))
}

func TestReadDetections(t *testing.T) {
	objs, err := ReadDetections(strings.NewReader(
		`[{"x_min":0.1,"x_max":0.2,"y_min":0.3,"y_max":0.4,"probability":0.5,"class_label":"car"}]`))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, float32(0.3), objs[0].YMin)

	_, err = ReadDetections(strings.NewReader(`[{"x_min":0.5,"x_max":0.2}]`))
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))
	_, err = ReadDetections(strings.NewReader(`{`))
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))
}

func TestAnnotateDrawsColouredBoxes(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for i := 3; i < len(src.Pix); i += 4 {
		src.Pix[i] = 255
	}

	opts := DrawOptions{Colors: StreetColors, LineWidth: 4, MaxBoxSize: 70}
	out, drawn := Annotate(src, street, opts)
	assert.Equal(t, 2, drawn)
	assert.Equal(t, src.Bounds(), out.Bounds())

	r, g, b, _ := out.At(20, 70).RGBA()
	assert.Greater(t, g>>8, uint32(200))
	assert.Less(t, r>>8, uint32(50))
	assert.Less(t, b>>8, uint32(50))

	r, _, _, _ = out.At(10, 30).RGBA()
	assert.Greater(t, r>>8, uint32(200))

	r, g, b, _ = out.At(50, 50).RGBA()
	assert.Zero(t, r+g+b)
	assert.Zero(t, src.Pix[(50*100+20)*4+1], "source is not modified")
}

func TestAnnotateResizes(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 10, 10))
	opts := DefaultDrawOptions()
	opts.Width, opts.Height = 40, 30
	out, drawn := Annotate(src, street[:1], opts)
	assert.Equal(t, image.Rect(0, 0, 40, 30), out.Bounds())
	assert.Equal(t, 1, drawn)

	path := filepath.Join(t.TempDir(), "out.png")
	require.NoError(t, SavePNG(path, out))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestToImage(t *testing.T) {
	shape := preprocessing.ImageShape{Width: 2, Height: 1, Channels: 3}
	img, err := ToImage([]float32{0, 0, 1, 1.5, 0.5, -1}, shape, preprocessing.BGR)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{0, 128, 255, 255}, img.RGBAAt(1, 0))

	gray, err := ToImage([]float32{0.5}, preprocessing.ImageShape{Width: 1, Height: 1, Channels: 1}, preprocessing.Grayscale)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{128, 128, 128, 255}, gray.RGBAAt(0, 0))

	_, err = ToImage([]float32{1, 2}, shape, preprocessing.RGB)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))
}
