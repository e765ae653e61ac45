package training

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// PlotType names the chart a PlotData describes.
type PlotType string

const (
	PlotTrainingCurves       PlotType = "training_curves"
	PlotLearningRateSchedule PlotType = "learning_rate_schedule"
	PlotConfusionMatrix      PlotType = "confusion_matrix"
	PlotRegressionScatter    PlotType = "regression_scatter"
	PlotResiduals            PlotType = "residual_plot"
)

// PlotData is a renderer-neutral chart description. Train and evaluate write
// lists of them as JSON for an external plotting tool.
type PlotData struct {
	PlotType  PlotType       `json:"plot_type"`
	Title     string         `json:"title"`
	Timestamp time.Time      `json:"timestamp"`
	ModelName string         `json:"model_name"`
	Series    []SeriesData   `json:"series"`
	Config    PlotConfig     `json:"config"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// SeriesData is one line, scatter or heatmap of a plot.
type SeriesData struct {
	Name  string         `json:"name"`
	Type  string         `json:"type"` // line, scatter or heatmap
	Data  []DataPoint    `json:"data"`
	Style map[string]any `json:"style,omitempty"`
}

// DataPoint is a point of a series. Heatmap cells carry their count in Z.
type DataPoint struct {
	X     float64  `json:"x"`
	Y     float64  `json:"y"`
	Z     *float64 `json:"z,omitempty"`
	Label string   `json:"label,omitempty"`
}

// PlotConfig holds axis and layout hints.
type PlotConfig struct {
	XAxisLabel    string         `json:"x_axis_label"`
	YAxisLabel    string         `json:"y_axis_label"`
	XAxisScale    string         `json:"x_axis_scale"`
	YAxisScale    string         `json:"y_axis_scale"`
	ShowLegend    bool           `json:"show_legend"`
	ShowGrid      bool           `json:"show_grid"`
	Width         int            `json:"width"`
	Height        int            `json:"height"`
	CustomOptions map[string]any `json:"custom_options,omitempty"`
}

func newPlot(kind PlotType, title, model string, series []SeriesData, cfg PlotConfig) PlotData {
	return PlotData{
		PlotType:  kind,
		Title:     fmt.Sprintf("%s - %s", title, model),
		Timestamp: time.Now().UTC(),
		ModelName: model,
		Series:    series,
		Config:    cfg,
	}
}

func lineStyle(color string, dashed bool) map[string]any {
	s := map[string]any{"color": color, "line_width": 2}
	if dashed {
		s["line_style"] = "dashed"
	}
	return s
}

// TrainingCurvesPlot charts the per-epoch loss and metric of h, with the
// validation series when the run had a validation set.
func TrainingCurvesPlot(model string, h *History) PlotData {
	validation := false
	for _, e := range h.Epochs {
		if e.ValLoss != 0 || e.ValMetric != 0 {
			validation = true
			break
		}
	}
	loss := SeriesData{Name: "Training Loss", Type: "line", Style: lineStyle("#FF6B6B", false)}
	metric := SeriesData{Name: "Training " + h.MetricName, Type: "line", Style: lineStyle("#4ECDC4", false)}
	valLoss := SeriesData{Name: "Validation Loss", Type: "line", Style: lineStyle("#FF9F43", true)}
	valMetric := SeriesData{Name: "Validation " + h.MetricName, Type: "line", Style: lineStyle("#5F27CD", true)}
	for _, e := range h.Epochs {
		x := float64(e.Epoch)
		loss.Data = append(loss.Data, DataPoint{X: x, Y: e.Loss})
		metric.Data = append(metric.Data, DataPoint{X: x, Y: e.Metric})
		valLoss.Data = append(valLoss.Data, DataPoint{X: x, Y: e.ValLoss})
		valMetric.Data = append(valMetric.Data, DataPoint{X: x, Y: e.ValMetric})
	}
	series := []SeriesData{loss, metric}
	if validation {
		series = append(series, valLoss, valMetric)
	}
	p := newPlot(PlotTrainingCurves, "Training Curves", model, series, PlotConfig{
		XAxisLabel: "Epoch",
		YAxisLabel: "Loss / " + h.MetricName,
		XAxisScale: "linear",
		YAxisScale: "linear",
		ShowLegend: true,
		ShowGrid:   true,
		Width:      800,
		Height:     600,
	})
	if len(h.Epochs) > 0 {
		last := h.Last()
		p.Metrics = map[string]any{"final_loss": last.Loss, "final_" + h.MetricName: last.Metric}
	}
	return p
}

// LearningRatePlot charts the rate used in every epoch of h.
func LearningRatePlot(model string, h *History) PlotData {
	lr := SeriesData{Name: "Learning Rate", Type: "line", Style: lineStyle("#6C5CE7", false)}
	for _, e := range h.Epochs {
		lr.Data = append(lr.Data, DataPoint{X: float64(e.Epoch), Y: e.LearningRate})
	}
	return newPlot(PlotLearningRateSchedule, "Learning Rate Schedule", model, []SeriesData{lr}, PlotConfig{
		XAxisLabel: "Epoch",
		YAxisLabel: "Learning Rate",
		XAxisScale: "linear",
		YAxisScale: "log",
		ShowLegend: true,
		ShowGrid:   true,
		Width:      800,
		Height:     400,
	})
}

// ConfusionMatrixPlot renders cm as a heatmap with true classes on Y.
// Classes without a label are named by index.
func ConfusionMatrixPlot(model string, cm *ConfusionMatrix, labels []string) PlotData {
	name := func(c int) string {
		if c < len(labels) && labels[c] != "" {
			return labels[c]
		}
		return fmt.Sprint(c)
	}
	names := make([]string, cm.NumClasses)
	for c := range names {
		names[c] = name(c)
	}
	var cells []DataPoint
	for i, row := range cm.Matrix {
		for j, n := range row {
			z := float64(n)
			cells = append(cells, DataPoint{
				X:     float64(j),
				Y:     float64(i),
				Z:     &z,
				Label: fmt.Sprintf("True: %s, Pred: %s", names[i], names[j]),
			})
		}
	}
	p := newPlot(PlotConfusionMatrix, "Confusion Matrix", model, []SeriesData{{
		Name:  "Confusion Matrix",
		Type:  "heatmap",
		Data:  cells,
		Style: map[string]any{"colorscale": "Blues"},
	}}, PlotConfig{
		XAxisLabel:    "Predicted Class",
		YAxisLabel:    "True Class",
		XAxisScale:    "linear",
		YAxisScale:    "linear",
		Width:         600,
		Height:        600,
		CustomOptions: map[string]any{"class_names": names},
	})
	p.Metrics = map[string]any{"accuracy": cm.Accuracy(), "macro_f1": cm.MacroF1()}
	return p
}

func valueRange(vs []float32) (lo, hi float64) {
	lo, hi = float64(vs[0]), float64(vs[0])
	for _, v := range vs {
		lo = min(lo, float64(v))
		hi = max(hi, float64(v))
	}
	return lo, hi
}

func checkPairs(pred, target []float32) error {
	if len(pred) == 0 || len(pred) != len(target) {
		return nerrors.New(nerrors.ErrCodeShapeMismatch, "%d predictions for %d targets", len(pred), len(target))
	}
	return nil
}

// RegressionScatterPlot charts predictions against targets next to the
// identity line.
func RegressionScatterPlot(model string, pred, target []float32) (PlotData, error) {
	if err := checkPairs(pred, target); err != nil {
		return PlotData{}, err
	}
	points := make([]DataPoint, len(pred))
	for i := range pred {
		points[i] = DataPoint{X: float64(target[i]), Y: float64(pred[i])}
	}
	lo, hi := valueRange(target)
	return newPlot(PlotRegressionScatter, "Regression Scatter Plot", model, []SeriesData{
		{Name: "Predictions", Type: "scatter", Data: points, Style: map[string]any{"color": "#4ECDC4", "alpha": 0.6}},
		{Name: "Perfect Prediction", Type: "line", Data: []DataPoint{{X: lo, Y: lo}, {X: hi, Y: hi}}, Style: lineStyle("#FF6B6B", true)},
	}, PlotConfig{
		XAxisLabel: "True Values",
		YAxisLabel: "Predicted Values",
		XAxisScale: "linear",
		YAxisScale: "linear",
		ShowLegend: true,
		ShowGrid:   true,
		Width:      600,
		Height:     600,
	}), nil
}

// ResidualPlot charts prediction minus target against the prediction.
func ResidualPlot(model string, pred, target []float32) (PlotData, error) {
	if err := checkPairs(pred, target); err != nil {
		return PlotData{}, err
	}
	points := make([]DataPoint, len(pred))
	for i := range pred {
		points[i] = DataPoint{X: float64(pred[i]), Y: float64(pred[i]) - float64(target[i])}
	}
	lo, hi := valueRange(pred)
	return newPlot(PlotResiduals, "Residual Plot", model, []SeriesData{
		{Name: "Residuals", Type: "scatter", Data: points, Style: map[string]any{"color": "#FF9F43", "alpha": 0.6}},
		{Name: "Zero Line", Type: "line", Data: []DataPoint{{X: lo}, {X: hi}}, Style: lineStyle("#95A5A6", true)},
	}, PlotConfig{
		XAxisLabel: "Predicted Values",
		YAxisLabel: "Residuals",
		XAxisScale: "linear",
		YAxisScale: "linear",
		ShowLegend: true,
		ShowGrid:   true,
		Width:      600,
		Height:     600,
	}), nil
}

// ToJSON returns the indented JSON form of pd.
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(data), nil
}

// WritePlots writes plots to path as one JSON array.
func WritePlots(path string, plots []PlotData) error {
	data, err := json.MarshalIndent(plots, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write plots: %w", err)
	}
	return nil
}
