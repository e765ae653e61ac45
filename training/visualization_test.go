package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

func sampleHistory(validation bool) *History {
	h := &History{MetricName: "accuracy"}
	for i := 1; i <= 3; i++ {
		e := EpochStats{Epoch: i, Loss: 1 / float64(i), Metric: 0.5 + 0.1*float64(i), LearningRate: 0.01 / float64(i)}
		if validation {
			e.ValLoss = e.Loss + 0.1
			e.ValMetric = e.Metric - 0.05
		}
		h.Epochs = append(h.Epochs, e)
	}
	return h
}

func TestTrainingCurvesPlot(t *testing.T) {
	p := TrainingCurvesPlot("mlp", sampleHistory(false))
	if p.PlotType != PlotTrainingCurves {
		t.Fatalf("Expected plot type %s, got %s", PlotTrainingCurves, p.PlotType)
	}
	if len(p.Series) != 2 {
		t.Fatalf("Expected 2 series without validation, got %d", len(p.Series))
	}
	if got := p.Series[0].Data[2]; got.X != 3 || got.Y != 1.0/3 {
		t.Errorf("Expected last loss point (3, 0.333), got (%v, %v)", got.X, got.Y)
	}
	if p.Series[1].Name != "Training accuracy" {
		t.Errorf("Expected metric series named after the metric, got %q", p.Series[1].Name)
	}
	if !strings.Contains(p.Title, "mlp") {
		t.Errorf("Expected title to name the model, got %q", p.Title)
	}

	withVal := TrainingCurvesPlot("mlp", sampleHistory(true))
	if len(withVal.Series) != 4 {
		t.Fatalf("Expected 4 series with validation, got %d", len(withVal.Series))
	}
	if withVal.Series[2].Style["line_style"] != "dashed" {
		t.Errorf("Expected validation series to be dashed")
	}
}

func TestLearningRatePlot(t *testing.T) {
	p := LearningRatePlot("mlp", sampleHistory(false))
	if p.Config.YAxisScale != "log" {
		t.Errorf("Expected log scale, got %s", p.Config.YAxisScale)
	}
	if len(p.Series) != 1 || len(p.Series[0].Data) != 3 {
		t.Fatalf("Expected one series of 3 points, got %+v", p.Series)
	}
	if p.Series[0].Data[1].Y != 0.005 {
		t.Errorf("Expected epoch 2 rate 0.005, got %v", p.Series[0].Data[1].Y)
	}
}

func TestConfusionMatrixPlot(t *testing.T) {
	cm := NewConfusionMatrix(3)
	cm.Matrix[0][0] = 4
	cm.Matrix[1][2] = 2
	cm.Matrix[2][2] = 1

	p := ConfusionMatrixPlot("cnn", cm, []string{"cat", "dog"})
	cells := p.Series[0].Data
	if len(cells) != 9 {
		t.Fatalf("Expected 9 cells, got %d", len(cells))
	}
	cell := cells[1*3+2]
	if cell.Z == nil || *cell.Z != 2 {
		t.Fatalf("Expected count 2 at true 1 / predicted 2, got %v", cell.Z)
	}
	if cell.Label != "True: dog, Pred: 2" {
		t.Errorf("Expected unlabelled classes to use their index, got %q", cell.Label)
	}
	names, ok := p.Config.CustomOptions["class_names"].([]string)
	if !ok || len(names) != 3 {
		t.Errorf("Expected 3 class names, got %v", p.Config.CustomOptions["class_names"])
	}
}

func TestRegressionPlots(t *testing.T) {
	pred := []float32{1, 2.5, 2}
	target := []float32{1, 2, 3}

	scatter, err := RegressionScatterPlot("sine", pred, target)
	if err != nil {
		t.Fatalf("RegressionScatterPlot failed: %v", err)
	}
	line := scatter.Series[1].Data
	if line[0].X != 1 || line[1].Y != 3 {
		t.Errorf("Expected identity line from 1 to 3, got %+v", line)
	}

	residuals, err := ResidualPlot("sine", pred, target)
	if err != nil {
		t.Fatalf("ResidualPlot failed: %v", err)
	}
	if got := residuals.Series[0].Data[2]; got.X != 2 || got.Y != -1 {
		t.Errorf("Expected residual (2, -1), got (%v, %v)", got.X, got.Y)
	}

	if _, err := ResidualPlot("sine", pred, target[:2]); !nerrors.Is(err, nerrors.ErrCodeShapeMismatch) {
		t.Errorf("Expected shape mismatch for unpaired values, got %v", err)
	}
}

func TestWritePlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots.json")
	plots := []PlotData{TrainingCurvesPlot("mlp", sampleHistory(true)), LearningRatePlot("mlp", sampleHistory(true))}
	if err := WritePlots(path, plots); err != nil {
		t.Fatalf("WritePlots failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read plots: %v", err)
	}
	var decoded []PlotData
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Plots are not valid JSON: %v", err)
	}
	if len(decoded) != 2 || decoded[1].PlotType != PlotLearningRateSchedule {
		t.Errorf("Expected both plots back in order, got %d", len(decoded))
	}

	single, err := plots[0].ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	if !strings.Contains(single, `"plot_type": "training_curves"`) {
		t.Errorf("Expected plot type in JSON, got %s", single)
	}
}
