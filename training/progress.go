package training

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/tsawler/go-netgraph/layers"
)

// ProgressBar renders a single self-overwriting progress line per epoch.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if pb.current > 0 && percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "accuracy") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.4f", key, value)
		}
	}
	fmt.Fprint(pb.out, line+"]")
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// FormatParameterCount formats parameter count with K/M suffixes
func FormatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// MemoryEstimate is a rough per-sample memory footprint in MiB.
type MemoryEstimate struct {
	Input       float64
	Params      float64
	Activations float64
}

// Total sums the estimate.
func (e MemoryEstimate) Total() float64 {
	return e.Input + e.Params + e.Activations
}

// EstimateMemory approximates the float32 footprint of one sample going
// through the model: input, parameters, and every layer output doubled for
// the backward pass.
func EstimateMemory(spec *layers.ModelSpec) MemoryEstimate {
	mib := func(n int) float64 { return float64(n*4) / 1024 / 1024 }
	activations := 0
	for _, l := range spec.Layers {
		activations += layers.ShapeSize(l.OutputShape)
	}
	return MemoryEstimate{
		Input:       mib(layers.ShapeSize(spec.InputShape)),
		Params:      mib(int(spec.TotalParameters)),
		Activations: 2 * mib(activations),
	}
}
