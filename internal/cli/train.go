package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-netgraph/checkpoints"
	"github.com/tsawler/go-netgraph/config"
	"github.com/tsawler/go-netgraph/training"
)

func newTrainCmd() *cobra.Command {
	var (
		configPath string
		epochs     int
		output     string
		quiet      bool
		plotJSON   string
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model from a TOML run file",
		Long: `Train a model from a TOML run file with [model], [data], [training] and [output] tables.
Without --config a short sine regression run is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)
			out := ui{w: cmd.OutOrStdout()}

			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			if epochs > 0 {
				cfg.Training.Epochs = epochs
			}
			if output != "" {
				cfg.Output.Dir = output
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			prog := newProgress(logger)
			train, val, err := cfg.Data.Load(ctx)
			if err != nil {
				return err
			}
			prog.done(fmt.Sprintf("loaded %d samples", train.Len()))

			spec, transfer, err := cfg.BuildSpec()
			if err != nil {
				return err
			}
			optCfg, err := cfg.OptimizerConfig()
			if err != nil {
				return err
			}
			loss, err := cfg.Loss()
			if err != nil {
				return err
			}
			metric, err := cfg.Metric()
			if err != nil {
				return err
			}
			fit, err := cfg.FitConfig()
			if err != nil {
				return err
			}
			if val != nil {
				fit.Validation = val
			}
			fit.Verbose = !quiet
			fit.Progress = cmd.ErrOrStderr()
			fit.Context = ctx

			m, err := training.NewModel(spec, training.WithSeed(cfg.Training.Seed), training.WithLogger(logger))
			if err != nil {
				return err
			}
			return training.Use(m, func(m *training.Model) error {
				if err := m.Compile(optCfg, loss, metric); err != nil {
					return err
				}
				if transfer {
					if cfg.Model.Freeze {
						err = m.LoadWeightsForFrozenLayers(cfg.Model.From)
					} else if cfg.Model.DropLast == 0 && len(cfg.Model.Head) == 0 {
						err = m.LoadWeights(cfg.Model.From)
					}
					if err != nil {
						return err
					}
				}

				history, err := m.Fit(train, fit)
				if err != nil {
					return err
				}
				printHistory(out, history, val != nil)
				if err := ctx.Err(); err != nil {
					return err
				}
				if plotJSON != "" {
					plots := []training.PlotData{
						training.TrainingCurvesPlot(cfg.Model.Name, history),
						training.LearningRatePlot(cfg.Model.Name, history),
					}
					if err := training.WritePlots(plotJSON, plots); err != nil {
						return err
					}
					logger.Debug("wrote plots", "path", plotJSON, "count", len(plots))
				}

				if cfg.Output.Dir == "" {
					out.warning("output.dir is not set; the model is not saved")
					return nil
				}
				if err := m.Save(cfg.Output.Dir, cfg.WritingMode()); err != nil {
					return err
				}
				out.success("saved model to %s", cfg.Output.Dir)

				if cfg.Output.ONNX != "" {
					ckpt, err := checkpoints.Load(cfg.Output.Dir)
					if err != nil {
						return err
					}
					if err := checkpoints.ExportONNX(ckpt.ModelSpec, ckpt.Weights, cfg.Output.ONNX); err != nil {
						return err
					}
					out.success("exported ONNX to %s", cfg.Output.ONNX)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML run file")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "override training.epochs")
	cmd.Flags().StringVarP(&output, "output", "o", "", "override output.dir")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide the progress bar")
	cmd.Flags().StringVar(&plotJSON, "plot-json", "", "write training curve plot data to this JSON file")
	return cmd
}

func printHistory(out ui, h *training.History, validation bool) {
	out.title("Training")
	header := []string{"epoch", "loss", h.MetricName, "lr"}
	if validation {
		header = append(header, "val loss", "val "+h.MetricName)
	}
	rows := make([][]string, 0, len(h.Epochs))
	for _, e := range h.Epochs {
		row := []string{fmt.Sprint(e.Epoch), fmt.Sprintf("%.4f", e.Loss), fmt.Sprintf("%.4f", e.Metric), fmt.Sprintf("%.2g", e.LearningRate)}
		if validation {
			row = append(row, fmt.Sprintf("%.4f", e.ValLoss), fmt.Sprintf("%.4f", e.ValMetric))
		}
		rows = append(rows, row)
	}
	out.table(header, rows)
}
