// Package nn implements the layers of a small convolutional network with
// hand-written forward and backward passes.
//
// Every Forward call takes an explicit Mode. In Train mode a layer caches what
// its Backward pass needs; in Eval mode nothing is cached and stochastic
// layers are pass-through. Tensors carry the batch on the leading axis:
// (N, C, H, W) for feature maps, (N, F) for flat features.
package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"cifar-forge/internal/tensor"
)

// Mode selects training or inference behaviour for a forward pass.
type Mode int

const (
	Eval Mode = iota
	Train
)

func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "eval"
}

var (
	// ErrShape reports an input whose shape a layer cannot accept.
	ErrShape = errors.New("nn: shape mismatch")
	// ErrNoForward reports a Backward call without a preceding Train-mode Forward.
	ErrNoForward = errors.New("nn: backward without training forward pass")
)

// Layer is a differentiable stage of a network.
type Layer interface {
	Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error)
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*Param
	// OutShape maps a per-sample input shape (without the batch axis) to the
	// per-sample output shape.
	OutShape(in []int) ([]int, error)
}

// Param is a trainable tensor and its gradient.
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

func newParam(name string, shape ...int) *Param {
	n := tensor.Numel(shape)
	return &Param{
		Name:  name,
		Shape: shape,
		Value: make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// ZeroGrads clears the gradients of every parameter.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountParams returns the number of scalar parameters.
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Value)
	}
	return n
}

// uniformInit fills v from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func uniformInit(v []float32, fanIn int, rng *rand.Rand) {
	bound := 1 / math.Sqrt(float64(fanIn))
	for i := range v {
		v[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

func expectRank(name string, shape []int, rank int) error {
	if len(shape) != rank {
		return errors.Wrapf(ErrShape, "%s: expected rank %d input, got %v", name, rank, shape)
	}
	return nil
}
