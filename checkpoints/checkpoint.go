// Package checkpoints persists compiled models: a directory holding the
// topology as JSON next to a binary weights file, single-file JSON
// checkpoints, and ONNX export.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/optimizer"
)

const (
	// FrameworkName is recorded in every checkpoint and ONNX producer field.
	FrameworkName = "go-netgraph"
	// FormatVersion is the version of the on-disk layout.
	FormatVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights,omitempty"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *optimizer.OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"` // "<layer>/<type>"
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data,omitempty"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "kernel" or "bias"
}

// TrainingState captures the current training progress and how the model
// was compiled, so a loaded model can be recompiled the same way.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`

	Optimizer string `json:"optimizer,omitempty"`
	Loss      string `json:"loss,omitempty"`
	Metric    string `json:"metric,omitempty"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	RunID       string    `json:"run_id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// stampMetadata fills unset metadata fields.
func (c *Checkpoint) stampMetadata() {
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = FrameworkName
	}
	if c.Metadata.Version == "" {
		c.Metadata.Version = FormatVersion
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now().UTC()
	}
	if c.Metadata.RunID == "" {
		c.Metadata.RunID = uuid.NewString()
	}
}

// Validate checks that the weights match the parameter shapes of the spec.
// Missing weights are reported unless partial is set.
func (c *Checkpoint) Validate(partial bool) error {
	if c.ModelSpec == nil {
		return nerrors.New(nerrors.ErrCodeInvalidInput, "checkpoint has no model spec")
	}
	want := ExpectedWeights(c.ModelSpec)
	have := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		have[w.Name] = w
	}
	for _, exp := range want {
		w, ok := have[exp.Name]
		if !ok {
			if partial {
				continue
			}
			return nerrors.New(nerrors.ErrCodeNotFound, "checkpoint is missing weight %s", exp.Name)
		}
		if !sameShape(w.Shape, exp.Shape) || len(w.Data) != layers.ShapeSize(exp.Shape) {
			return nerrors.New(nerrors.ErrCodeShapeMismatch,
				"weight %s has shape %v with %d values, model expects %v", exp.Name, w.Shape, len(w.Data), exp.Shape)
		}
		delete(have, exp.Name)
	}
	for name := range have {
		return nerrors.New(nerrors.ErrCodeInvalidInput, "checkpoint weight %s does not belong to the model", name)
	}
	return nil
}

// ExpectedWeights lists the parameter tensors of a spec in layer order, with
// shapes but without data.
func ExpectedWeights(spec *layers.ModelSpec) []WeightTensor {
	var out []WeightTensor
	for _, l := range spec.Layers {
		for i, shape := range l.ParameterShapes {
			kind := "kernel"
			if i == 1 {
				kind = "bias"
			}
			out = append(out, WeightTensor{
				Name:  l.Name + "/" + kind,
				Shape: append([]int(nil), shape...),
				Layer: l.Name,
				Type:  kind,
			})
		}
	}
	return out
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CheckpointSaver handles saving model checkpoints as a single file
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	checkpoint.stampMetadata()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if err := checkpoint.rebuildSpec(); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

// rebuildSpec recompiles the decoded topology so that computed shapes come
// from the builder rather than from the file.
func (c *Checkpoint) rebuildSpec() error {
	if c.ModelSpec == nil {
		return nerrors.New(nerrors.ErrCodeInvalidInput, "checkpoint has no model spec")
	}
	spec, err := layers.Rebuild(c.ModelSpec)
	if err != nil {
		return fmt.Errorf("invalid topology in checkpoint: %w", err)
	}
	c.ModelSpec = spec
	return nil
}
