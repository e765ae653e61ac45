package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// File names inside a saved model directory.
const (
	ModelFile   = "model.json"
	WeightsFile = "weights.bin"
)

// WritingMode controls what Save does when the target directory is in use.
type WritingMode int

const (
	// FailIfExists refuses to write into a directory that already holds
	// files.
	FailIfExists WritingMode = iota
	// Override replaces a previously saved model.
	Override
)

func (m WritingMode) String() string {
	switch m {
	case FailIfExists:
		return "fail-if-exists"
	case Override:
		return "override"
	default:
		return "unknown"
	}
}

// Save writes a checkpoint to dir as model.json plus weights.bin. The
// directory is created if needed.
func Save(dir string, ckpt *Checkpoint, mode WritingMode) error {
	if ckpt == nil || ckpt.ModelSpec == nil {
		return nerrors.New(nerrors.ErrCodeInvalidInput, "nothing to save: checkpoint has no model spec")
	}
	if err := ckpt.Validate(false); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read model directory: %w", err)
	case len(entries) > 0 && mode != Override:
		return nerrors.New(nerrors.ErrCodeAlreadyExists,
			"directory %s is not empty; save with Override to replace it", dir)
	case mode == Override:
		for _, name := range []string{ModelFile, WeightsFile} {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove previous %s: %w", name, err)
			}
		}
	}

	ckpt.stampMetadata()
	manifest := *ckpt
	manifest.Weights = nil

	data, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", ModelFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ModelFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", ModelFile, err)
	}

	meta := map[string]string{
		"framework": ckpt.Metadata.Framework,
		"version":   ckpt.Metadata.Version,
		"run_id":    ckpt.Metadata.RunID,
	}
	return WriteWeights(filepath.Join(dir, WeightsFile), ckpt.Weights, meta)
}

// Load reads a directory written by Save. The topology is recompiled and
// every weight is checked against the recompiled parameter shapes.
func Load(dir string) (*Checkpoint, error) {
	ckpt, err := LoadTopology(dir)
	if err != nil {
		return nil, err
	}
	weights, _, err := ReadWeights(filepath.Join(dir, WeightsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nerrors.Wrap(nerrors.ErrCodeNotFound, err, "no %s in %s", WeightsFile, dir)
		}
		return nil, err
	}
	ckpt.Weights = weights
	if err := ckpt.Validate(false); err != nil {
		return nil, err
	}
	return ckpt, nil
}

// LoadTopology reads only model.json, leaving Weights empty.
func LoadTopology(dir string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(dir, ModelFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nerrors.Wrap(nerrors.ErrCodeNotFound, err, "no saved model in %s", dir)
		}
		return nil, fmt.Errorf("failed to read %s: %w", ModelFile, err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "failed to decode %s", ModelFile)
	}
	if err := ckpt.rebuildSpec(); err != nil {
		return nil, err
	}
	ckpt.Weights = nil
	return &ckpt, nil
}
