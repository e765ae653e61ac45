package training

import (
	"math"
	"strings"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// LRScheduler computes the learning rate used for an epoch. Fit applies it
// to the optimizer before the first batch of every epoch.
type LRScheduler interface {
	// GetLR returns the rate for epoch (0-based). step is the optimizer step
	// count so far; baseLR is the rate the model was compiled with.
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName identifies the scheduler in logs and tests.
	GetName() string
}

// StepLRScheduler multiplies the rate by Gamma every StepSize epochs.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler falls back to a step of 30 epochs and a gamma of 0.1
// for out-of-range arguments.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	s := &StepLRScheduler{StepSize: 30, Gamma: 0.1}
	if stepSize > 0 {
		s.StepSize = stepSize
	}
	if gamma > 0 && gamma < 1 {
		s.Gamma = gamma
	}
	return s
}

func (s *StepLRScheduler) GetLR(epoch int, _ int, baseLR float64) float64 {
	decays := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(decays))
}

func (s *StepLRScheduler) GetName() string { return "StepLR" }

// ExponentialLRScheduler multiplies the rate by Gamma every epoch.
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler uses 0.95 when gamma is not in (0, 1).
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, _ int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string { return "ExponentialLR" }

// CosineAnnealingLRScheduler follows half a cosine from the base rate down
// to EtaMin over TMax epochs and stays at EtaMin afterwards.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: max(etaMin, 0)}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, _ int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	progress := float64(epoch) / float64(s.TMax)
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*progress))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string { return "CosineAnnealingLR" }

// ReduceLROnPlateauScheduler multiplies the rate by Factor once the watched
// loss has failed to improve by more than Threshold for Patience epochs.
// Fit feeds it the validation loss, or the training loss without a
// validation set, through Step at the end of each epoch.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	// Mode is "min" for losses and "max" for scores.
	Mode string

	best    float64
	stalled int
	lr      float64
	started bool
}

func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	s := &ReduceLROnPlateauScheduler{Factor: 0.1, Patience: 10, Threshold: 1e-4, Mode: "min"}
	if factor > 0 && factor < 1 {
		s.Factor = factor
	}
	if patience > 0 {
		s.Patience = patience
	}
	if threshold >= 0 {
		s.Threshold = threshold
	}
	if mode == "max" {
		s.Mode = mode
	}
	return s
}

func (s *ReduceLROnPlateauScheduler) improves(value float64) bool {
	if s.Mode == "max" {
		return value > s.best+s.Threshold
	}
	return value < s.best-s.Threshold
}

// Step records the value of a finished epoch and returns the rate for the
// next one.
func (s *ReduceLROnPlateauScheduler) Step(value float64, currentLR float64) float64 {
	switch {
	case !s.started:
		s.best, s.lr, s.started = value, currentLR, true
	case s.improves(value):
		s.best, s.stalled = value, 0
	default:
		s.stalled++
		if s.stalled >= s.Patience {
			s.lr *= s.Factor
			s.stalled = 0
		}
	}
	return s.lr
}

func (s *ReduceLROnPlateauScheduler) GetLR(_ int, _ int, baseLR float64) float64 {
	if !s.started {
		return baseLR
	}
	return s.lr
}

func (s *ReduceLROnPlateauScheduler) GetName() string { return "ReduceLROnPlateau" }

// NoOpScheduler keeps the compiled rate.
type NoOpScheduler struct{}

func (*NoOpScheduler) GetLR(_ int, _ int, baseLR float64) float64 { return baseLR }

func (*NoOpScheduler) GetName() string { return "ConstantLR" }

// SchedulerFromName builds a scheduler for run configurations. Unset
// parameters take the constructor defaults.
func SchedulerFromName(name string, stepSize int, gamma float64, epochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "constant", "none":
		return &NoOpScheduler{}, nil
	case "step":
		return NewStepLRScheduler(stepSize, gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(epochs, 0), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(gamma, stepSize, 1e-4, "min"), nil
	default:
		return nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "unknown learning rate scheduler %q", name)
	}
}
