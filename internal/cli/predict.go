package cli

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-netgraph/config"
	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/training"
	"github.com/tsawler/go-netgraph/vision/preprocessing"
	"github.com/tsawler/go-netgraph/zoo"
)

// imageFlags are shared by the commands that feed image files to a model.
type imageFlags struct {
	colorOrder string
	scale      float32
	labelMap   string
}

func (f *imageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.colorOrder, "color-order", "", "rgb, bgr or grayscale (default: from the model input channels)")
	cmd.Flags().Float32Var(&f.scale, "scale", 255, "divide pixel values by this factor")
	cmd.Flags().StringVar(&f.labelMap, "labels", "", "label map for class names (mnist, fashion-mnist, cifar10)")
}

// pipeline builds the preprocessing that turns an image file into input for
// spec: resized to the input height and width with matching channels.
func (f *imageFlags) pipeline(spec *layers.ModelSpec) (preprocessing.Pipeline, error) {
	in := spec.InputShape
	if len(in) != 3 {
		return preprocessing.Pipeline{}, nerrors.New(nerrors.ErrCodeShapeMismatch, "model input %v is not an image", in)
	}
	order := preprocessing.RGB
	if in[2] == 1 {
		order = preprocessing.Grayscale
	}
	if f.colorOrder != "" {
		var err error
		if order, err = preprocessing.ParseColorOrder(f.colorOrder); err != nil {
			return preprocessing.Pipeline{}, err
		}
	}
	if order.Channels() != in[2] {
		return preprocessing.Pipeline{}, nerrors.New(nerrors.ErrCodeShapeMismatch,
			"model expects %d channels, %s images have %d", in[2], order, order.Channels())
	}
	p := preprocessing.Pipeline{
		Resize:     &preprocessing.Resize{Width: in[1], Height: in[0]},
		ColorOrder: order,
	}
	if f.scale != 0 && f.scale != 1 {
		p.Rescale = &preprocessing.Rescale{Scale: f.scale}
	}
	return p, p.Validate()
}

func (f *imageFlags) labels() ([]string, error) {
	if f.labelMap == "" {
		return nil, nil
	}
	return zoo.Labels(f.labelMap)
}

func newPredictCmd() *cobra.Command {
	var (
		flags imageFlags
		top   int
	)
	cmd := &cobra.Command{
		Use:   "predict [model-dir] [images...]",
		Short: "Classify image files with a saved model",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromContext(cmd.Context())
			out := ui{w: cmd.OutOrStdout()}

			labels, err := flags.labels()
			if err != nil {
				return err
			}
			m, err := training.Load(args[0], training.WithLogger(logger))
			if err != nil {
				return err
			}
			return training.Use(m, func(m *training.Model) error {
				if err := compileFromConfig(m, config.Default()); err != nil {
					return err
				}
				p, err := flags.pipeline(m.Spec())
				if err != nil {
					return err
				}
				logger.Debug("pipeline", "resize", fmt.Sprintf("%dx%d", p.Resize.Width, p.Resize.Height), "color", p.ColorOrder)

				out.title("Predictions")
				rows := make([][]string, 0, len(args)-1)
				for _, path := range args[1:] {
					if err := cmd.Context().Err(); err != nil {
						return err
					}
					x, _, err := p.Load(path)
					if err != nil {
						return err
					}
					scores, err := m.PredictSoftly(x)
					if err != nil {
						return err
					}
					probs := probabilities(m.Spec(), scores)
					for i, c := range ranked(probs, top) {
						name := filepath.Base(path)
						if i > 0 {
							name = ""
						}
						rows = append(rows, []string{name, fmt.Sprint(c), zoo.Label(labels, c), fmt.Sprintf("%.4f", probs[c])})
					}
				}
				out.table([]string{"image", "class", "label", "probability"}, rows)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVarP(&top, "top", "k", 1, "number of classes to show per image")
	return cmd
}

// probabilities softmaxes raw logits; softmax and sigmoid outputs pass
// through.
func probabilities(spec *layers.ModelSpec, scores []float32) []float32 {
	if l, ok := spec.Layer(spec.OutputName); ok && (l.Activation == layers.Softmax || l.Activation == layers.Sigmoid) {
		return scores
	}
	maxV := float32(math.Inf(-1))
	for _, v := range scores {
		maxV = max(maxV, v)
	}
	var sum float64
	probs := make([]float32, len(scores))
	for i, v := range scores {
		e := math.Exp(float64(v - maxV))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

// ranked returns the indices of the k largest probabilities, highest first.
func ranked(probs []float32, k int) []int {
	k = max(1, min(k, len(probs)))
	order := make([]int, 0, k)
	used := make([]bool, len(probs))
	for range k {
		best := -1
		for i, p := range probs {
			if !used[i] && (best < 0 || p > probs[best]) {
				best = i
			}
		}
		used[best] = true
		order = append(order, best)
	}
	return order
}
