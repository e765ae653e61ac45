package config

import (
	"context"
	"os"
	"strings"

	"github.com/tsawler/go-netgraph/dataset"
	nerrors "github.com/tsawler/go-netgraph/errors"
	vdataset "github.com/tsawler/go-netgraph/vision/dataset"
	"github.com/tsawler/go-netgraph/vision/preprocessing"
)

// DataConfig describes where samples come from.
//
//	mnist, fashion-mnist  Images and Labels are IDX files, optionally gzipped
//	titanic               Path is the ';'-delimited passenger list
//	sine, linear          Samples synthetic points (Noise for linear)
//	images                Path is a folder with one sub-folder per class
type DataConfig struct {
	Kind    string `toml:"kind"`
	Path    string `toml:"path"`
	Images  string `toml:"images"`
	Labels  string `toml:"labels"`
	Samples int    `toml:"samples"`

	Noise float64 `toml:"noise"`

	// Image folders only.
	Width      int     `toml:"width"`
	Height     int     `toml:"height"`
	ColorOrder string  `toml:"color_order"`
	Scale      float32 `toml:"scale"`
	Workers    int     `toml:"workers"`

	// ValidationSplit is the share of samples held out for validation;
	// 0 disables validation.
	ValidationSplit float64 `toml:"validation_split"`
	Seed            int64   `toml:"seed"`
}

func (d DataConfig) validate() error {
	invalid := func(format string, args ...any) error {
		return nerrors.New(nerrors.ErrCodeInvalidConfiguration, format, args...)
	}
	switch strings.ToLower(d.Kind) {
	case "mnist", "fashion-mnist":
		if d.Images == "" || d.Labels == "" {
			return invalid("data.images and data.labels are required for %s", d.Kind)
		}
	case "titanic":
		if d.Path == "" {
			return invalid("data.path is required for titanic")
		}
	case "sine", "linear":
		if d.Samples <= 0 {
			return invalid("data.samples must be positive, got %d", d.Samples)
		}
	case "images":
		if d.Path == "" {
			return invalid("data.path is required for images")
		}
		if _, err := d.Pipeline(); err != nil {
			return err
		}
	default:
		return invalid("unknown data.kind %q (mnist, fashion-mnist, titanic, sine, linear, images)", d.Kind)
	}
	if d.ValidationSplit < 0 || d.ValidationSplit >= 1 {
		return invalid("data.validation_split must be in [0, 1), got %g", d.ValidationSplit)
	}
	return nil
}

// Pipeline builds the image preprocessing of an images run.
func (d DataConfig) Pipeline() (preprocessing.Pipeline, error) {
	order, err := preprocessing.ParseColorOrder(d.ColorOrder)
	if err != nil {
		return preprocessing.Pipeline{}, err
	}
	p := preprocessing.Pipeline{ColorOrder: order}
	if d.Width > 0 || d.Height > 0 {
		p.Resize = &preprocessing.Resize{Width: d.Width, Height: d.Height}
	}
	if d.Scale != 0 {
		p.Rescale = &preprocessing.Rescale{Scale: d.Scale}
	}
	if err := p.Validate(); err != nil {
		return preprocessing.Pipeline{}, err
	}
	return p, nil
}

// Load reads the samples and splits off the validation share. The second
// result is nil when ValidationSplit is 0.
func (d DataConfig) Load(ctx context.Context) (*dataset.OnHeap, *dataset.OnHeap, error) {
	var (
		ds  *dataset.OnHeap
		err error
	)
	switch strings.ToLower(d.Kind) {
	case "mnist", "fashion-mnist":
		ds, _, err = dataset.LoadMNIST(d.Images, d.Labels)
	case "titanic":
		ds, err = d.loadTitanic()
	case "sine":
		ds, err = dataset.Sine(d.Samples, d.Seed)
	case "linear":
		ds, err = dataset.Linear(d.Samples, d.Noise, d.Seed)
	case "images":
		ds, err = d.loadImages(ctx)
	default:
		err = nerrors.New(nerrors.ErrCodeInvalidConfiguration, "unknown data.kind %q", d.Kind)
	}
	if err != nil {
		return nil, nil, err
	}
	if d.ValidationSplit == 0 {
		return ds, nil, nil
	}
	ds.Shuffle(d.Seed)
	return ds.Split(1 - d.ValidationSplit)
}

func (d DataConfig) loadTitanic() (*dataset.OnHeap, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nerrors.Wrap(nerrors.ErrCodeNotFound, err, "titanic data %s not found", d.Path)
		}
		return nil, err
	}
	defer f.Close()
	return dataset.Titanic(f)
}

func (d DataConfig) loadImages(ctx context.Context) (*dataset.OnHeap, error) {
	p, err := d.Pipeline()
	if err != nil {
		return nil, err
	}
	folder, err := vdataset.NewImageFolder(d.Path, nil)
	if err != nil {
		return nil, err
	}
	if d.Samples > 0 {
		folder = folder.LimitPerClass(d.Samples)
	}
	ds, _, err := folder.Load(ctx, p, d.Workers, preprocessing.NewCache(0))
	return ds, err
}
