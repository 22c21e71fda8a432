package nn

import (
	"math/rand"

	"github.com/pkg/errors"

	"cifar-forge/internal/tensor"
)

// Linear computes y = x W^T + b on (N, in) batches.
type Linear struct {
	name string
	in   int
	out  int

	Weight *Param // (out, in)
	Bias   *Param // (out)

	input *tensor.Tensor
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		name:   name,
		in:     in,
		out:    out,
		Weight: newParam(name+".weight", out, in),
		Bias:   newParam(name+".bias", out),
	}
	uniformInit(l.Weight.Value, in, rng)
	uniformInit(l.Bias.Value, in, rng)
	return l
}

func (l *Linear) Params() []*Param {
	return []*Param{l.Weight, l.Bias}
}

func (l *Linear) OutShape(in []int) ([]int, error) {
	if len(in) != 1 || in[0] != l.in {
		return nil, errors.Wrapf(ErrShape, "%s: expected input [%d], got %v", l.name, l.in, in)
	}
	return []int{l.out}, nil
}

func (l *Linear) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if err := expectRank(l.name, x.Shape, 2); err != nil {
		return nil, err
	}
	if _, err := l.OutShape(x.Shape[1:]); err != nil {
		return nil, err
	}
	n := x.Shape[0]
	y := tensor.Zeros(n, l.out)
	for i := 0; i < n; i++ {
		copy(y.Data[i*l.out:(i+1)*l.out], l.Bias.Value)
	}
	tensor.Gemm(false, true, 1,
		tensor.Matrix(x.Data, n, l.in),
		tensor.Matrix(l.Weight.Value, l.out, l.in),
		1, tensor.Matrix(y.Data, n, l.out))
	if mode == Train {
		l.input = x
	} else {
		l.input = nil
	}
	return y, nil
}

func (l *Linear) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.Wrap(ErrNoForward, l.name)
	}
	n := l.input.Shape[0]
	if len(grad.Shape) != 2 || grad.Shape[0] != n || grad.Shape[1] != l.out {
		return nil, errors.Wrapf(ErrShape, "%s: gradient %v does not match output [%d %d]", l.name, grad.Shape, n, l.out)
	}
	gm := tensor.Matrix(grad.Data, n, l.out)
	tensor.Gemm(true, false, 1, gm, tensor.Matrix(l.input.Data, n, l.in), 1, tensor.Matrix(l.Weight.Grad, l.out, l.in))
	for i := 0; i < n; i++ {
		for j, g := range grad.Data[i*l.out : (i+1)*l.out] {
			l.Bias.Grad[j] += g
		}
	}
	dx := tensor.Zeros(n, l.in)
	tensor.Gemm(false, false, 1, gm, tensor.Matrix(l.Weight.Value, l.out, l.in), 0, tensor.Matrix(dx.Data, n, l.in))
	return dx, nil
}

// Flatten reshapes (N, ...) to (N, prod(...)).
type Flatten struct {
	in []int
}

func NewFlatten() *Flatten {
	return &Flatten{}
}

func (f *Flatten) Params() []*Param { return nil }

func (f *Flatten) OutShape(in []int) ([]int, error) {
	return []int{tensor.Numel(in)}, nil
}

func (f *Flatten) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if mode == Train {
		f.in = append([]int(nil), x.Shape...)
	} else {
		f.in = nil
	}
	return x.Reshape(x.Shape[0], len(x.Data)/x.Shape[0])
}

func (f *Flatten) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if f.in == nil {
		return nil, errors.Wrap(ErrNoForward, "flatten")
	}
	return grad.Reshape(f.in...)
}
