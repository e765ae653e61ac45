package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-netgraph/config"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/training"
	"github.com/tsawler/go-netgraph/zoo"
)

func newEvaluateCmd() *cobra.Command {
	var (
		configPath string
		batchSize  int
		labelMap   string
		plotJSON   string
	)
	cmd := &cobra.Command{
		Use:   "evaluate [model-dir]",
		Short: "Score a saved model on the [data] table of a run file",
		Long: `Score a saved model on the dataset described by the [data] table of a run file.
The whole dataset is used; the validation split is ignored. Classifiers also get a
confusion matrix report, single-output models a regression report.`,
		Args: cobra.ExactArgs(1),
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
			cfg.Data.ValidationSplit = 0
			ds, _, err := cfg.Data.Load(ctx)
			if err != nil {
				return err
			}

			m, err := training.Load(args[0], training.WithLogger(logger))
			if err != nil {
				return err
			}
			return training.Use(m, func(m *training.Model) error {
				if err := compileFromConfig(m, cfg); err != nil {
					return err
				}
				prog := newProgress(logger)
				res, err := m.EvaluateContext(ctx, ds, batchSize)
				if err != nil {
					return err
				}
				prog.done(fmt.Sprintf("evaluated %d samples", ds.Len()))

				out.title("Evaluation")
				rows := [][2]string{{"loss", number("%.4f", res.Loss)}}
				names := make([]string, 0, len(res.Metrics))
				for name := range res.Metrics {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					rows = append(rows, [2]string{name, number("%.4f", res.Metrics[name])})
				}
				out.keyValues(rows)
				fmt.Fprintln(out.w)

				name := filepath.Base(filepath.Clean(args[0]))
				classes := layers.ShapeSize(m.Spec().OutputShape)
				if classes == 1 {
					pred, target, err := m.RegressionOutputs(ds, batchSize)
					if err != nil {
						return err
					}
					report, err := training.NewRegressionReport(pred, target)
					if err != nil {
						return err
					}
					out.title("Regression")
					out.keyValues([][2]string{
						{"mae", number("%.4f", report.MAE)},
						{"mse", number("%.4f", report.MSE)},
						{"rmse", number("%.4f", report.RMSE)},
						{"r2", number("%.4f", report.R2)},
					})
					if plotJSON == "" {
						return nil
					}
					scatter, err := training.RegressionScatterPlot(name, pred, target)
					if err != nil {
						return err
					}
					residuals, err := training.ResidualPlot(name, pred, target)
					if err != nil {
						return err
					}
					return training.WritePlots(plotJSON, []training.PlotData{scatter, residuals})
				}

				var labels []string
				if labelMap != "" {
					if labels, err = zoo.Labels(labelMap); err != nil {
						return err
					}
				}
				cm, err := m.ConfusionMatrix(ds, batchSize, classes)
				if err != nil {
					return err
				}
				out.title("Classification")
				out.keyValues([][2]string{
					{"accuracy", number("%.4f", cm.Accuracy())},
					{"macro f1", number("%.4f", cm.MacroF1())},
				})
				fmt.Fprintln(out.w)
				perClass := make([][]string, classes)
				for c := range perClass {
					support := 0
					for _, n := range cm.Matrix[c] {
						support += n
					}
					perClass[c] = []string{zoo.Label(labels, c), fmt.Sprintf("%.3f", cm.Precision(c)), fmt.Sprintf("%.3f", cm.Recall(c)), fmt.Sprint(support)}
				}
				out.table([]string{"class", "precision", "recall", "support"}, perClass)
				if plotJSON == "" {
					return nil
				}
				return training.WritePlots(plotJSON, []training.PlotData{training.ConfusionMatrixPlot(name, cm, labels)})
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML run file with the [data] table")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 100, "evaluation batch size")
	cmd.Flags().StringVar(&labelMap, "labels", "", "label map for class names (mnist, fashion-mnist, cifar10)")
	cmd.Flags().StringVar(&plotJSON, "plot-json", "", "write confusion matrix or regression plot data to this JSON file")
	return cmd
}

// compileFromConfig compiles a model saved without training settings, such
// as one imported from ONNX. Models that are already compiled are left alone.
func compileFromConfig(m *training.Model, cfg config.Config) error {
	if m.IsCompiled() {
		return nil
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
	return m.Compile(optCfg, loss, metric)
}
