// Package optim holds the parameter update rule, gradient clipping and the
// learning-rate schedules used by the training loop.
package optim

import (
	"math"

	"github.com/pkg/errors"

	"cifar-forge/internal/nn"
)

// ErrNonFinite reports a NaN or infinite gradient component.
var ErrNonFinite = errors.New("optim: non-finite gradient")

// SGD is stochastic gradient descent with heavy-ball momentum and L2 weight
// decay. Momentum buffers are aligned 1:1 with the parameter list it was
// created for.
type SGD struct {
	Momentum    float64
	WeightDecay float64

	params   []*nn.Param
	velocity [][]float32
}

func NewSGD(params []*nn.Param, momentum, weightDecay float64) (*SGD, error) {
	if momentum < 0 || momentum >= 1 {
		return nil, errors.Errorf("sgd: momentum must be in [0, 1) (got %v)", momentum)
	}
	if weightDecay < 0 {
		return nil, errors.Errorf("sgd: weight decay cannot be negative (got %v)", weightDecay)
	}
	velocity := make([][]float32, len(params))
	for i, p := range params {
		velocity[i] = make([]float32, len(p.Value))
	}
	return &SGD{
		Momentum:    momentum,
		WeightDecay: weightDecay,
		params:      params,
		velocity:    velocity,
	}, nil
}

// Step applies one update at learning rate lr:
//
//	g = grad + wd*w;  v = momentum*v + g;  w -= lr*v
func (o *SGD) Step(lr float64) {
	mom := float32(o.Momentum)
	wd := float32(o.WeightDecay)
	rate := float32(lr)
	for i, p := range o.params {
		v := o.velocity[i]
		for j, g := range p.Grad {
			g += wd * p.Value[j]
			v[j] = mom*v[j] + g
			p.Value[j] -= rate * v[j]
		}
	}
}

// ZeroGrad clears the gradients of the optimized parameters.
func (o *SGD) ZeroGrad() {
	nn.ZeroGrads(o.params)
}

// Params returns the parameters this optimizer updates.
func (o *SGD) Params() []*nn.Param {
	return o.params
}

// ClipGradValue clamps every gradient component to [-bound, bound], rounding
// the limit down to the nearest float32 so no component exceeds bound. It fails
// with ErrNonFinite before modifying anything if a component is NaN or Inf.
func ClipGradValue(params []*nn.Param, bound float64) error {
	if bound <= 0 {
		return errors.Errorf("clip: bound must be > 0 (got %v)", bound)
	}
	for _, p := range params {
		for j, g := range p.Grad {
			f := float64(g)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return errors.Wrapf(ErrNonFinite, "%s[%d]", p.Name, j)
			}
		}
	}
	hi := float32(bound)
	if float64(hi) > bound {
		hi = math.Nextafter32(hi, 0)
	}
	lo := -hi
	for _, p := range params {
		for j, g := range p.Grad {
			if g > hi {
				p.Grad[j] = hi
			} else if g < lo {
				p.Grad[j] = lo
			}
		}
	}
	return nil
}

// MaxAbsGrad returns the largest gradient magnitude across params.
func MaxAbsGrad(params []*nn.Param) float64 {
	var m float64
	for _, p := range params {
		for _, g := range p.Grad {
			if a := math.Abs(float64(g)); a > m {
				m = a
			}
		}
	}
	return m
}
