package cli

import (
	"fmt"
	"image"
	"os"

	"github.com/spf13/cobra"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/vision/detection"
)

func newDrawDetectionsCmd() *cobra.Command {
	var (
		output  string
		labels  []string
		top     int
		size    int
		maxSize int
	)
	cmd := &cobra.Command{
		Use:   "draw-detections [image] [detections.json]",
		Short: "Draw detector boxes onto an image",
		Long: `Draw the boxes of a JSON detections file onto an image. Each detection has
x_min, x_max, y_min, y_max (fractions of the image size), probability and class_label.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ui{w: cmd.OutOrStdout()}

			src, err := decodeImage(args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				if os.IsNotExist(err) {
					return nerrors.Wrap(nerrors.ErrCodeNotFound, err, "detections %s not found", args[1])
				}
				return fmt.Errorf("failed to open detections: %w", err)
			}
			objs, err := detection.ReadDetections(f)
			f.Close()
			if err != nil {
				return err
			}

			if len(labels) > 0 {
				objs = detection.Filter(objs, labels...)
			}
			if top > 0 {
				objs = detection.TopK(objs, top)
			}
			opts := detection.DefaultDrawOptions()
			opts.Width, opts.Height = size, size
			opts.MaxBoxSize = maxSize

			annotated, drawn := detection.Annotate(src, objs, opts)
			if err := detection.SavePNG(output, annotated); err != nil {
				return err
			}
			if skipped := len(objs) - drawn; skipped > 0 {
				out.warning("skipped %d boxes (oversized or without a color)", skipped)
			}
			out.success("drew %d boxes into %s", drawn, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "detections.png", "PNG output file")
	cmd.Flags().StringSliceVar(&labels, "labels", []string{"person", "bicycle", "car"}, "class labels to keep; empty keeps all")
	cmd.Flags().IntVar(&top, "top", 0, "keep only the most probable boxes; 0 keeps all")
	cmd.Flags().IntVar(&size, "size", 1200, "resize the image to size x size before drawing; 0 keeps the original")
	cmd.Flags().IntVar(&maxSize, "max-box", 400, "skip boxes larger than this many pixels; 0 disables")
	return cmd
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nerrors.Wrap(nerrors.ErrCodeNotFound, err, "image %s not found", path)
		}
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	// Decoders are registered by the preprocessing package.
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "failed to decode %s", path)
	}
	return img, nil
}
