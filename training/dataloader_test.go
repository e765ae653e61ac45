package training

import (
	"bytes"
	"math"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/tsawler/go-netgraph/dataset"
	nerrors "github.com/tsawler/go-netgraph/errors"
)

func indexedDataset(t *testing.T, n int) *dataset.OnHeap {
	t.Helper()
	x := make([]float32, n*2)
	y := make([]float32, n)
	for i := 0; i < n; i++ {
		x[2*i], x[2*i+1] = float32(i), float32(-i)
		y[i] = float32(i)
	}
	ds, err := dataset.FromFlat(x, 2, y, 1)
	if err != nil {
		t.Fatalf("Failed to build dataset: %v", err)
	}
	return ds
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestDataLoaderBatchSizes(t *testing.T) {
	tests := []struct {
		n, batch int
		want     []int
	}{
		{10, 4, []int{4, 4, 2}},
		{8, 4, []int{4, 4}},
		{3, 5, []int{3}},
		{10, 7, []int{7, 3}},
	}
	for _, tc := range tests {
		dl, err := NewDataLoader(indexedDataset(t, tc.n), tc.batch, false, 0)
		if err != nil {
			t.Fatalf("NewDataLoader(n=%d, batch=%d) failed: %v", tc.n, tc.batch, err)
		}
		if dl.Len() != len(tc.want) {
			t.Errorf("n=%d batch=%d: expected %d batches, got %d", tc.n, tc.batch, len(tc.want), dl.Len())
		}

		var sizes []int
		for dl.HasNext() {
			b, err := dl.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if b.Index != len(sizes) {
				t.Errorf("Expected batch index %d, got %d", len(sizes), b.Index)
			}
			if len(b.X) != b.Size*2 || len(b.Y) != b.Size {
				t.Errorf("Batch %d has %d inputs and %d labels for size %d", b.Index, len(b.X), len(b.Y), b.Size)
			}
			sizes = append(sizes, b.Size)
		}
		if !reflect.DeepEqual(sizes, tc.want) {
			t.Errorf("n=%d batch=%d: expected sizes %v, got %v", tc.n, tc.batch, tc.want, sizes)
		}

		b, err := dl.Next()
		if err != nil || b != nil {
			t.Errorf("Expected nil batch after the last one, got %v, %v", b, err)
		}
	}
}

func TestDataLoaderShuffleKeepsPairs(t *testing.T) {
	dl, err := NewDataLoader(indexedDataset(t, 9), 4, true, 42)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	for epoch := 0; epoch < 2; epoch++ {
		dl.Reset()
		var labels []int
		for dl.HasNext() {
			b, err := dl.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			for i := 0; i < b.Size; i++ {
				if b.Y[i] != b.X[2*i] {
					t.Errorf("Epoch %d: label %v separated from its sample %v", epoch, b.Y[i], b.X[2*i])
				}
				labels = append(labels, int(b.Y[i]))
			}
		}
		sort.Ints(labels)
		if !reflect.DeepEqual(labels, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}) {
			t.Errorf("Epoch %d: expected every sample once, got %v", epoch, labels)
		}
	}
}

func TestDataLoaderErrors(t *testing.T) {
	if _, err := NewDataLoader(indexedDataset(t, 3), 0, false, 0); !nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration) {
		t.Errorf("Expected invalid configuration for batch size 0, got %v", err)
	}
	if _, err := NewDataLoader(raggedDataset{}, 2, false, 0); !nerrors.Is(err, nerrors.ErrCodeInvalidInput) {
		t.Errorf("Expected invalid input for an empty dataset, got %v", err)
	}

	dl, err := NewDataLoader(raggedDataset{{1, 2}, {3}}, 2, false, 0)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	if _, err := dl.Next(); !nerrors.Is(err, nerrors.ErrCodeShapeMismatch) {
		t.Errorf("Expected shape mismatch for ragged samples, got %v", err)
	}
}

// raggedDataset bypasses OnHeap validation.
type raggedDataset [][]float32

func (r raggedDataset) Len() int          { return len(r) }
func (r raggedDataset) X(i int) []float32 { return r[i] }
func (r raggedDataset) Y(i int) []float32 { return []float32{0} }

func TestSchedulers(t *testing.T) {
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"step before decay", NewStepLRScheduler(2, 0.5).GetLR(1, 0, 0.1), 0.1},
		{"step after one decay", NewStepLRScheduler(2, 0.5).GetLR(2, 0, 0.1), 0.05},
		{"step after two decays", NewStepLRScheduler(2, 0.5).GetLR(5, 0, 0.1), 0.025},
		{"exponential", NewExponentialLRScheduler(0.9).GetLR(2, 0, 0.1), 0.081},
		{"cosine start", NewCosineAnnealingLRScheduler(10, 0.001).GetLR(0, 0, 0.1), 0.1},
		{"cosine midpoint", NewCosineAnnealingLRScheduler(10, 0.001).GetLR(5, 0, 0.1), (0.1 + 0.001) / 2},
		{"cosine end", NewCosineAnnealingLRScheduler(10, 0.001).GetLR(10, 0, 0.1), 0.001},
		{"constant", (&NoOpScheduler{}).GetLR(100, 7, 0.3), 0.3},
	}
	for _, tc := range tests {
		if !near(tc.got, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, tc.got)
		}
	}
	if name := (&NoOpScheduler{}).GetName(); name != "ConstantLR" {
		t.Errorf("Expected ConstantLR, got %s", name)
	}
}

func TestReduceLROnPlateau(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 2, 0, "min")
	if lr := s.GetLR(0, 0, 0.2); lr != 0.2 {
		t.Fatalf("Expected the base rate before the first step, got %v", lr)
	}

	lr := 0.2
	for i, loss := range []float64{1.0, 0.8, 0.9} {
		if lr = s.Step(loss, lr); lr != 0.2 {
			t.Fatalf("Step %d: rate changed too early to %v", i, lr)
		}
	}
	if lr = s.Step(0.85, lr); !near(lr, 0.1) {
		t.Errorf("Expected the rate to halve after 2 stalled epochs, got %v", lr)
	}
	if got := s.GetLR(4, 0, 0.2); !near(got, 0.1) {
		t.Errorf("Expected GetLR to report the reduced rate, got %v", got)
	}
}

func TestSchedulerFromName(t *testing.T) {
	for name, want := range map[string]string{"cosine": "CosineAnnealingLR", "": "ConstantLR", "step": "StepLR"} {
		s, err := SchedulerFromName(name, 0, 0, 20)
		if err != nil {
			t.Fatalf("SchedulerFromName(%q) failed: %v", name, err)
		}
		if s.GetName() != want {
			t.Errorf("SchedulerFromName(%q): expected %s, got %s", name, want, s.GetName())
		}
	}
	if _, err := SchedulerFromName("warmup", 0, 0, 0); !nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration) {
		t.Errorf("Expected unknown schedulers to be rejected, got %v", err)
	}
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/3", 4)
	pb.Update(2, map[string]float64{"loss": 0.25, "accuracy": 0.5})
	pb.Finish()

	out := buf.String()
	for _, want := range []string{"Epoch 1/3:  50%", "Epoch 1/3: 100%", "accuracy=50.00%, loss=0.2500]", "4/4"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in progress output %q", want, out)
		}
	}
	if out[len(out)-1] != '\n' {
		t.Errorf("Expected Finish to end the line")
	}
}

func TestFormatParameterCount(t *testing.T) {
	for n, want := range map[int64]string{950: "950", 61706: "61.7K", 1234567: "1.2M"} {
		if got := FormatParameterCount(n); got != want {
			t.Errorf("FormatParameterCount(%d): expected %s, got %s", n, want, got)
		}
	}
}

func TestEstimateMemory(t *testing.T) {
	est := EstimateMemory(classifierSpec(t))
	mib := 4.0 / 1024 / 1024
	if !near(est.Input, 4*mib) {
		t.Errorf("Expected input %v MiB, got %v", 4*mib, est.Input)
	}
	if !near(est.Params, 23*mib) {
		t.Errorf("Expected params %v MiB, got %v", 23*mib, est.Params)
	}
	if est.Activations <= 0 || math.IsNaN(est.Total()) {
		t.Errorf("Expected a positive finite estimate, got %+v", est)
	}
}
