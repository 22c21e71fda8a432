package nn

import (
	"math"

	"github.com/pkg/errors"

	"cifar-forge/internal/tensor"
)

const (
	bnEpsilon  = 1e-5
	bnMomentum = 0.1
)

// BatchNorm2D normalizes each channel of an (N, C, H, W) batch. Train mode
// uses batch statistics and updates the running estimates; Eval mode uses the
// running estimates.
type BatchNorm2D struct {
	name     string
	channels int

	Gamma *Param
	Beta  *Param

	RunningMean []float64
	RunningVar  []float64

	xhat   *tensor.Tensor
	invStd []float64
}

func NewBatchNorm2D(name string, channels int) *BatchNorm2D {
	bn := &BatchNorm2D{
		name:        name,
		channels:    channels,
		Gamma:       newParam(name+".weight", channels),
		Beta:        newParam(name+".bias", channels),
		RunningMean: make([]float64, channels),
		RunningVar:  make([]float64, channels),
	}
	for i := 0; i < channels; i++ {
		bn.Gamma.Value[i] = 1
		bn.RunningVar[i] = 1
	}
	return bn
}

func (bn *BatchNorm2D) Params() []*Param {
	return []*Param{bn.Gamma, bn.Beta}
}

func (bn *BatchNorm2D) OutShape(in []int) ([]int, error) {
	if err := expectRank(bn.name, in, 3); err != nil {
		return nil, err
	}
	if in[0] != bn.channels {
		return nil, errors.Wrapf(ErrShape, "%s: expected %d channels, got %d", bn.name, bn.channels, in[0])
	}
	return append([]int(nil), in...), nil
}

func (bn *BatchNorm2D) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if err := expectRank(bn.name, x.Shape, 4); err != nil {
		return nil, err
	}
	if _, err := bn.OutShape(x.Shape[1:]); err != nil {
		return nil, err
	}
	n, hw := x.Shape[0], x.Shape[2]*x.Shape[3]
	y := tensor.ZerosLike(x)

	if mode != Train {
		bn.xhat, bn.invStd = nil, nil
		for c := 0; c < bn.channels; c++ {
			inv := 1 / math.Sqrt(bn.RunningVar[c]+bnEpsilon)
			scale := float64(bn.Gamma.Value[c]) * inv
			shift := float64(bn.Beta.Value[c]) - bn.RunningMean[c]*scale
			for i := 0; i < n; i++ {
				off := (i*bn.channels + c) * hw
				src, dst := x.Data[off:off+hw], y.Data[off:off+hw]
				for j, v := range src {
					dst[j] = float32(float64(v)*scale + shift)
				}
			}
		}
		return y, nil
	}

	m := n * hw
	if m < 2 {
		return nil, errors.Wrapf(ErrShape, "%s: need more than one value per channel in train mode, got %v", bn.name, x.Shape)
	}
	xhat := tensor.ZerosLike(x)
	invStd := make([]float64, bn.channels)
	for c := 0; c < bn.channels; c++ {
		var sum, sq float64
		for i := 0; i < n; i++ {
			off := (i*bn.channels + c) * hw
			for _, v := range x.Data[off : off+hw] {
				f := float64(v)
				sum += f
				sq += f * f
			}
		}
		mean := sum / float64(m)
		variance := sq/float64(m) - mean*mean
		if variance < 0 {
			variance = 0
		}
		inv := 1 / math.Sqrt(variance+bnEpsilon)
		invStd[c] = inv
		gamma, beta := bn.Gamma.Value[c], bn.Beta.Value[c]
		for i := 0; i < n; i++ {
			off := (i*bn.channels + c) * hw
			for j, v := range x.Data[off : off+hw] {
				xh := float32((float64(v) - mean) * inv)
				xhat.Data[off+j] = xh
				y.Data[off+j] = gamma*xh + beta
			}
		}
		unbiased := variance * float64(m) / float64(m-1)
		bn.RunningMean[c] = (1-bnMomentum)*bn.RunningMean[c] + bnMomentum*mean
		bn.RunningVar[c] = (1-bnMomentum)*bn.RunningVar[c] + bnMomentum*unbiased
	}
	bn.xhat = xhat
	bn.invStd = invStd
	return y, nil
}

func (bn *BatchNorm2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, errors.Wrap(ErrNoForward, bn.name)
	}
	if !tensor.SameShape(grad.Shape, bn.xhat.Shape) {
		return nil, errors.Wrapf(ErrShape, "%s: gradient %v does not match output %v", bn.name, grad.Shape, bn.xhat.Shape)
	}
	n, hw := grad.Shape[0], grad.Shape[2]*grad.Shape[3]
	m := float64(n * hw)
	dx := tensor.ZerosLike(grad)
	for c := 0; c < bn.channels; c++ {
		var dgamma, dbeta float64
		for i := 0; i < n; i++ {
			off := (i*bn.channels + c) * hw
			for j, g := range grad.Data[off : off+hw] {
				dgamma += float64(g) * float64(bn.xhat.Data[off+j])
				dbeta += float64(g)
			}
		}
		bn.Gamma.Grad[c] += float32(dgamma)
		bn.Beta.Grad[c] += float32(dbeta)

		k := float64(bn.Gamma.Value[c]) * bn.invStd[c] / m
		for i := 0; i < n; i++ {
			off := (i*bn.channels + c) * hw
			for j, g := range grad.Data[off : off+hw] {
				xh := float64(bn.xhat.Data[off+j])
				dx.Data[off+j] = float32(k * (m*float64(g) - dbeta - xh*dgamma))
			}
		}
	}
	return dx, nil
}
