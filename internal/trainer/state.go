// Package trainer runs the optimization loop and the accuracy evaluation of a
// classifier over dataset pipelines.
package trainer

import (
	"github.com/pkg/errors"

	"cifar-forge/internal/model"
	"cifar-forge/internal/optim"
)

// ErrDiverged reports a loss or gradient that stopped being finite.
var ErrDiverged = errors.New("trainer: training diverged")

// divergedError reports ErrDiverged while keeping its cause matchable.
type divergedError struct {
	cause error
}

func (e *divergedError) Error() string { return ErrDiverged.Error() + ": " + e.cause.Error() }

func (e *divergedError) Unwrap() error { return e.cause }

func (e *divergedError) Is(target error) bool { return target == ErrDiverged }

// Options are the loop knobs that are not part of the model or schedule.
type Options struct {
	Epochs      int
	Momentum    float64
	WeightDecay float64
	GradClip    float64
	LogEvery    int
}

// State is everything a training run mutates. Step counts optimizer updates
// across epochs and is the scheduler's input; Epoch counts completed epochs.
type State struct {
	Model     model.Model
	Optimizer *optim.SGD
	Scheduler optim.Scheduler
	Options   Options

	Step  int
	Epoch int
}

// NewState creates the optimizer over the model's parameters.
func NewState(m model.Model, sched optim.Scheduler, opts Options) (*State, error) {
	if m == nil {
		return nil, errors.New("trainer: model is nil")
	}
	if sched == nil {
		return nil, errors.New("trainer: scheduler is nil")
	}
	if opts.Epochs <= 0 {
		return nil, errors.Errorf("trainer: epochs must be > 0 (got %d)", opts.Epochs)
	}
	if opts.GradClip <= 0 {
		return nil, errors.Errorf("trainer: grad clip must be > 0 (got %v)", opts.GradClip)
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = 50
	}
	opt, err := optim.NewSGD(m.Params(), opts.Momentum, opts.WeightDecay)
	if err != nil {
		return nil, err
	}
	return &State{Model: m, Optimizer: opt, Scheduler: sched, Options: opts}, nil
}

// EpochSummary is what the loop reports at the end of an epoch. LRBefore is
// the rate of the epoch's last update, LRAfter the rate the next update uses.
type EpochSummary struct {
	Epoch    int
	Loss     float64
	LRBefore float64
	LRAfter  float64
}
