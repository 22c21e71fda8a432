package trainer

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"cifar-forge/internal/dataset"
	"cifar-forge/internal/nn"
	"cifar-forge/internal/optim"
	"cifar-forge/internal/tensor"
)

func randomSplit(t *testing.T, name string, n int, seed int64) *dataset.Split {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	images := make([]uint8, n*dataset.ImageBytes)
	rng.Read(images)
	labels := make([]uint8, n)
	for i := range labels {
		labels[i] = uint8(i % dataset.NumClasses)
	}
	s, err := dataset.NewSplit(name, images, labels)
	if err != nil {
		t.Fatalf("NewSplit: %v", err)
	}
	return s
}

func newLoader(t *testing.T, split *dataset.Split, batchSize int, train bool) *dataset.Loader {
	t.Helper()
	st, err := dataset.ComputeStats(split)
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	l, err := dataset.NewLoader(split, st, dataset.LoaderOptions{
		BatchSize: batchSize,
		Shuffle:   train,
		Augment:   train,
		Seed:      7,
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

// linearModel is a small stand-in for the residual network.
func linearModel(seed int64) *nn.Sequential {
	rng := rand.New(rand.NewSource(seed))
	return nn.NewSequential(
		nn.NewFlatten(),
		nn.NewLinear("fc", dataset.ImageBytes, dataset.NumClasses, rng),
	)
}

func newTestState(t *testing.T, epochs, totalSteps int) *State {
	t.Helper()
	sched, err := optim.NewOneCycle(optim.OneCycleConfig{
		MaxLR:          0.1,
		TotalSteps:     totalSteps,
		PctStart:       0.3,
		DivFactor:      25,
		FinalDivFactor: 1e4,
	})
	if err != nil {
		t.Fatalf("NewOneCycle: %v", err)
	}
	st, err := NewState(linearModel(1), sched, Options{
		Epochs:      epochs,
		Momentum:    0.9,
		WeightDecay: 5e-4,
		GradClip:    0.1,
		LogEvery:    2,
	})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return st
}

func TestFitStepCountAndSchedule(t *testing.T) {
	loader := newLoader(t, randomSplit(t, "train", 25, 1), 10, true)
	const epochs = 2
	st := newTestState(t, epochs, epochs*loader.Len())

	history, err := Fit(context.Background(), st, loader)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if st.Step != epochs*loader.Len() || st.Step != 6 {
		t.Fatalf("step=%d want %d", st.Step, epochs*loader.Len())
	}
	if st.Epoch != epochs || len(history) != epochs {
		t.Fatalf("epoch=%d history=%d", st.Epoch, len(history))
	}
	for i, h := range history {
		last := (i+1)*loader.Len() - 1
		if h.Epoch != i+1 {
			t.Fatalf("summary %d has epoch %d", i, h.Epoch)
		}
		if h.LRBefore != st.Scheduler.LR(last) || h.LRAfter != st.Scheduler.LR(last+1) {
			t.Fatalf("epoch %d lr %v -> %v, want %v -> %v", h.Epoch, h.LRBefore, h.LRAfter,
				st.Scheduler.LR(last), st.Scheduler.LR(last+1))
		}
		if math.IsNaN(h.Loss) || h.Loss <= 0 {
			t.Fatalf("epoch %d loss %v", h.Epoch, h.Loss)
		}
	}
	if g := optim.MaxAbsGrad(st.Optimizer.Params()); g > 0.1 {
		t.Fatalf("last gradients exceed the clip bound: %v", g)
	}

	// a finished state does not train further
	again, err := Fit(context.Background(), st, loader)
	if err != nil || len(again) != 0 || st.Step != 6 {
		t.Fatalf("refit ran %d epochs, step=%d err=%v", len(again), st.Step, err)
	}
}

func TestFitUpdatesParameters(t *testing.T) {
	loader := newLoader(t, randomSplit(t, "train", 20, 2), 10, true)
	st := newTestState(t, 1, loader.Len()+1)
	before := append([]float32(nil), st.Model.Params()[0].Value...)
	if _, err := Fit(context.Background(), st, loader); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	changed := false
	for i, v := range st.Model.Params()[0].Value {
		if v != before[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Fatal("weights did not move")
	}
}

// nanModel produces non-finite scores.
type nanModel struct{ w *nn.Param }

func (m *nanModel) Forward(x *tensor.Tensor, mode nn.Mode) (*tensor.Tensor, error) {
	out := tensor.Zeros(x.Dim(0), dataset.NumClasses)
	for i := range out.Data {
		out.Data[i] = float32(math.NaN())
	}
	return out, nil
}

func (m *nanModel) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) { return grad, nil }

func (m *nanModel) Params() []*nn.Param { return []*nn.Param{m.w} }

func TestFitAbortsOnDivergence(t *testing.T) {
	loader := newLoader(t, randomSplit(t, "train", 10, 3), 5, true)
	st := newTestState(t, 1, 4)
	st.Model = &nanModel{w: &nn.Param{Name: "w", Shape: []int{1}, Value: []float32{0}, Grad: []float32{0}}}

	_, err := Fit(context.Background(), st, loader)
	if !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
	if st.Step != 0 {
		t.Fatalf("diverged step was counted: step=%d", st.Step)
	}
}

// infGradModel produces finite scores but an infinite weight gradient.
type infGradModel struct{ *nn.Sequential }

func (m infGradModel) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	dx, err := m.Sequential.Backward(grad)
	m.Params()[0].Grad[0] = float32(math.Inf(1))
	return dx, err
}

func TestFitAbortsOnNonFiniteGradient(t *testing.T) {
	loader := newLoader(t, randomSplit(t, "train", 10, 3), 5, true)
	st, err := NewState(infGradModel{linearModel(2)}, optim.Constant{Rate: 0.01}, Options{Epochs: 1, GradClip: 0.1})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	before := append([]float32(nil), st.Model.Params()[0].Value...)

	_, err = Fit(context.Background(), st, loader)
	if !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
	if !errors.Is(err, optim.ErrNonFinite) {
		t.Fatalf("cause optim.ErrNonFinite lost: %v", err)
	}
	for i, v := range st.Model.Params()[0].Value {
		if v != before[i] {
			t.Fatal("weights were updated with a non-finite gradient")
		}
	}
}

func TestFitHonorsCancellation(t *testing.T) {
	loader := newLoader(t, randomSplit(t, "train", 10, 4), 5, true)
	st := newTestState(t, 1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Fit(ctx, st, loader); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	split := randomSplit(t, "test", 23, 5)
	loader := newLoader(t, split, 10, false)
	m := linearModel(9)

	first, err := Evaluate(context.Background(), m, loader)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	second, err := Evaluate(context.Background(), m, loader)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if first.Total() != split.Len() || first.Correct() != second.Correct() {
		t.Fatalf("total=%d correct %d vs %d", first.Total(), first.Correct(), second.Correct())
	}
	sum := 0
	for c := 0; c < first.NumClasses(); c++ {
		if first.ClassTotal(c) != split.ClassCounts()[c] {
			t.Fatalf("class %d total %d want %d", c, first.ClassTotal(c), split.ClassCounts()[c])
		}
		if first.ClassCorrect(c) != second.ClassCorrect(c) {
			t.Fatalf("class %d changed between passes", c)
		}
		sum += first.ClassTotal(c)
	}
	if sum != split.Len() {
		t.Fatalf("class totals sum to %d, want %d", sum, split.Len())
	}
}

func TestRunReportsBothSplits(t *testing.T) {
	out := &bytes.Buffer{}
	res, err := Run(context.Background(), RunConfig{
		Train:          randomSplit(t, "train", 30, 6),
		Test:           randomSplit(t, "test", 20, 7),
		Epochs:         2,
		BatchSize:      8,
		Schedule:       "one_cycle",
		MaxLR:          0.1,
		PctStart:       0.3,
		DivFactor:      25,
		FinalDivFactor: 1e4,
		Momentum:       0.9,
		WeightDecay:    5e-4,
		GradClip:       0.1,
		NumWorkers:     1,
		Seed:           3,
		LogEvery:       1,
		Model:          linearModel(4),
		Out:            out,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.History) != 2 || res.Train.Total() != 30 || res.Test.Total() != 20 {
		t.Fatalf("history=%d train=%d test=%d", len(res.History), res.Train.Total(), res.Test.Total())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2+dataset.NumClasses {
		t.Fatalf("expected %d report lines, got %d:\n%s", 2+dataset.NumClasses, len(lines), out.String())
	}
	if !strings.HasPrefix(lines[1], "Accuracy of the network on the 20 test images:") {
		t.Fatalf("unexpected test line %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "Accuracy of plane :") || !strings.HasPrefix(lines[11], "Accuracy of truck :") {
		t.Fatalf("unexpected per-class lines %q", lines[2:])
	}
}

func TestRunRejectsUnknownSchedule(t *testing.T) {
	_, err := Run(context.Background(), RunConfig{
		Train:     randomSplit(t, "train", 10, 8),
		Test:      randomSplit(t, "test", 10, 9),
		Epochs:    1,
		BatchSize: 5,
		Schedule:  "step",
		GradClip:  0.1,
		Model:     linearModel(1),
	})
	if err == nil || !strings.Contains(err.Error(), "step") {
		t.Fatalf("expected unknown schedule error, got %v", err)
	}
}
