package nn

import (
	"math/rand"

	"github.com/pkg/errors"

	"cifar-forge/internal/tensor"
)

// ReLU is max(0, x).
type ReLU struct {
	name string
	out  *tensor.Tensor
}

func NewReLU(name string) *ReLU {
	return &ReLU{name: name}
}

func (r *ReLU) Params() []*Param { return nil }

func (r *ReLU) OutShape(in []int) ([]int, error) {
	return append([]int(nil), in...), nil
}

func (r *ReLU) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	y := tensor.ZerosLike(x)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	if mode == Train {
		r.out = y
	} else {
		r.out = nil
	}
	return y, nil
}

func (r *ReLU) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.out == nil {
		return nil, errors.Wrap(ErrNoForward, r.name)
	}
	if !tensor.SameShape(grad.Shape, r.out.Shape) {
		return nil, errors.Wrapf(ErrShape, "%s: gradient %v does not match output %v", r.name, grad.Shape, r.out.Shape)
	}
	dx := tensor.ZerosLike(grad)
	for i, g := range grad.Data {
		if r.out.Data[i] > 0 {
			dx.Data[i] = g
		}
	}
	return dx, nil
}

// Dropout zeroes each activation with probability p in Train mode and scales
// the survivors by 1/(1-p). In Eval mode it returns its input unchanged.
type Dropout struct {
	name string
	p    float64
	rng  *rand.Rand
	mask []float32
}

func NewDropout(name string, p float64, rng *rand.Rand) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, errors.Errorf("%s: drop probability must be in [0, 1), got %v", name, p)
	}
	return &Dropout{name: name, p: p, rng: rng}, nil
}

func (d *Dropout) Params() []*Param { return nil }

func (d *Dropout) OutShape(in []int) ([]int, error) {
	return append([]int(nil), in...), nil
}

func (d *Dropout) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if mode != Train {
		d.mask = nil
		return x, nil
	}
	mask := make([]float32, len(x.Data))
	scale := float32(1 / (1 - d.p))
	y := tensor.ZerosLike(x)
	for i, v := range x.Data {
		if d.p == 0 || d.rng.Float64() >= d.p {
			mask[i] = scale
			y.Data[i] = v * scale
		}
	}
	d.mask = mask
	return y, nil
}

func (d *Dropout) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		return nil, errors.Wrap(ErrNoForward, d.name)
	}
	if len(grad.Data) != len(d.mask) {
		return nil, errors.Wrapf(ErrShape, "%s: gradient %v does not match output", d.name, grad.Shape)
	}
	dx := tensor.ZerosLike(grad)
	for i, g := range grad.Data {
		dx.Data[i] = g * d.mask[i]
	}
	return dx, nil
}
