package optim

import (
	"math"

	"github.com/pkg/errors"
)

// Scheduler maps a global step index to a learning rate. Implementations are
// pure functions of the step; the caller owns the step counter.
type Scheduler interface {
	LR(step int) float64
	Name() string
}

// Constant keeps the learning rate fixed.
type Constant struct {
	Rate float64
}

func (c Constant) LR(step int) float64 { return c.Rate }

func (c Constant) Name() string { return "constant" }

// OneCycleConfig configures a OneCycle schedule.
type OneCycleConfig struct {
	MaxLR          float64
	TotalSteps     int
	PctStart       float64 // fraction of steps spent rising to MaxLR
	DivFactor      float64 // initial LR = MaxLR / DivFactor
	FinalDivFactor float64 // final LR = initial LR / FinalDivFactor
}

// OneCycle rises from MaxLR/DivFactor to MaxLR over the first PctStart of the
// run and anneals down to the final LR over the rest, both phases following a
// half cosine. The peak is reached at step PctStart*TotalSteps-1 and the
// floor at TotalSteps-1; later steps stay at the floor.
type OneCycle struct {
	initial  float64
	peak     float64
	final    float64
	warmEnd  float64
	totalEnd float64
	total    int
}

func NewOneCycle(cfg OneCycleConfig) (*OneCycle, error) {
	if cfg.MaxLR <= 0 {
		return nil, errors.Errorf("one cycle: max_lr must be > 0 (got %v)", cfg.MaxLR)
	}
	if cfg.TotalSteps < 2 {
		return nil, errors.Errorf("one cycle: total steps must be >= 2 (got %d)", cfg.TotalSteps)
	}
	if cfg.PctStart <= 0 || cfg.PctStart >= 1 {
		return nil, errors.Errorf("one cycle: pct_start must be in (0, 1) (got %v)", cfg.PctStart)
	}
	if cfg.DivFactor <= 0 || cfg.FinalDivFactor <= 0 {
		return nil, errors.Errorf("one cycle: div factors must be > 0 (got %v, %v)", cfg.DivFactor, cfg.FinalDivFactor)
	}
	initial := cfg.MaxLR / cfg.DivFactor
	warmEnd := cfg.PctStart*float64(cfg.TotalSteps) - 1
	if warmEnd < 1 {
		warmEnd = 1
	}
	totalEnd := float64(cfg.TotalSteps - 1)
	if totalEnd <= warmEnd {
		return nil, errors.Errorf("one cycle: pct_start %v leaves no annealing phase in %d steps", cfg.PctStart, cfg.TotalSteps)
	}
	return &OneCycle{
		initial:  initial,
		peak:     cfg.MaxLR,
		final:    initial / cfg.FinalDivFactor,
		warmEnd:  warmEnd,
		totalEnd: totalEnd,
		total:    cfg.TotalSteps,
	}, nil
}

func (s *OneCycle) LR(step int) float64 {
	x := float64(step)
	if x <= s.warmEnd {
		return cosAnneal(s.initial, s.peak, x/s.warmEnd)
	}
	return cosAnneal(s.peak, s.final, (x-s.warmEnd)/(s.totalEnd-s.warmEnd))
}

func (s *OneCycle) Name() string { return "one_cycle" }

// TotalSteps is the number of steps the cycle spans.
func (s *OneCycle) TotalSteps() int { return s.total }

// PeakStep is the first step at which the schedule reaches its maximum.
func (s *OneCycle) PeakStep() int { return int(math.Round(s.warmEnd)) }

func cosAnneal(start, end, pct float64) float64 {
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}
