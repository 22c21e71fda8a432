package nn

import (
	"github.com/pkg/errors"

	"cifar-forge/internal/tensor"
)

// Sequential chains layers.
type Sequential struct {
	layers []Layer
}

func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{layers: layers}
}

// Layers returns the chained layers in forward order.
func (s *Sequential) Layers() []Layer {
	return s.layers
}

func (s *Sequential) Params() []*Param {
	var params []*Param
	for _, l := range s.layers {
		params = append(params, l.Params()...)
	}
	return params
}

func (s *Sequential) OutShape(in []int) ([]int, error) {
	shape := in
	for _, l := range s.layers {
		var err error
		if shape, err = l.OutShape(shape); err != nil {
			return nil, err
		}
	}
	return shape, nil
}

func (s *Sequential) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	var err error
	for _, l := range s.layers {
		if x, err = l.Forward(x, mode); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s *Sequential) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(s.layers) - 1; i >= 0; i-- {
		if grad, err = s.layers[i].Backward(grad); err != nil {
			return nil, err
		}
	}
	return grad, nil
}

// Residual adds its input to the output of an inner block.
type Residual struct {
	name  string
	inner Layer
	shape []int
}

// NewResidual checks that inner maps the per-sample shape in onto itself, so
// that the identity skip can be summed without broadcasting.
func NewResidual(name string, inner Layer, in []int) (*Residual, error) {
	out, err := inner.OutShape(in)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	if !tensor.SameShape(in, out) {
		return nil, errors.Wrapf(ErrShape, "%s: block maps %v to %v, skip connection needs equal shapes", name, in, out)
	}
	return &Residual{name: name, inner: inner, shape: append([]int(nil), in...)}, nil
}

func (r *Residual) Params() []*Param {
	return r.inner.Params()
}

func (r *Residual) OutShape(in []int) ([]int, error) {
	if !tensor.SameShape(in, r.shape) {
		return nil, errors.Wrapf(ErrShape, "%s: expected input %v, got %v", r.name, r.shape, in)
	}
	return append([]int(nil), in...), nil
}

func (r *Residual) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if len(x.Shape) == 0 || !tensor.SameShape(x.Shape[1:], r.shape) {
		return nil, errors.Wrapf(ErrShape, "%s: expected samples of %v, got %v", r.name, r.shape, x.Shape)
	}
	y, err := r.inner.Forward(x, mode)
	if err != nil {
		return nil, err
	}
	out := tensor.ZerosLike(y)
	for i, v := range y.Data {
		out.Data[i] = v + x.Data[i]
	}
	return out, nil
}

func (r *Residual) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	dx, err := r.inner.Backward(grad)
	if err != nil {
		return nil, err
	}
	out := tensor.ZerosLike(dx)
	for i, v := range dx.Data {
		out.Data[i] = v + grad.Data[i]
	}
	return out, nil
}
