package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"cifar-forge/internal/nn"
	"cifar-forge/internal/tensor"
)

// InputShape is the per-sample shape the network accepts.
var InputShape = []int{3, 32, 32}

// Config captures the knobs of the residual classifier.
type Config struct {
	NumClasses      int
	ResidualDropout float64
	HeadDropout     float64
	Workers         int
	Seed            int64
}

// DefaultConfig returns the configuration used for CIFAR-10 runs.
func DefaultConfig() Config {
	return Config{
		NumClasses:      10,
		ResidualDropout: 0.3,
		HeadDropout:     0.5,
		Workers:         1,
		Seed:            42,
	}
}

// ResNet9 is a nine-layer residual convolutional classifier:
//
//	stem(64) -> stageA(128, pool) -> res(128) -> stageB(256, pool)
//	-> stageC(512, pool) -> res(512) -> head
//
// Each residual block is two conv blocks summed with the block input and
// followed by dropout. The head max-pools the remaining 4x4 map and applies
// a 512-256-128-classes MLP.
type ResNet9 struct {
	*nn.Sequential
}

// NewResNet9 assembles the network, checking every stage's shape against the
// 3x32x32 input.
func NewResNet9(cfg Config) (*ResNet9, error) {
	if cfg.NumClasses <= 0 {
		cfg.NumClasses = 10
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	b := &builder{shape: InputShape, workers: cfg.Workers, rng: rng}

	b.add(convBlock("stem", 3, 64, false, cfg.Workers, rng))
	b.add(convBlock("stage_a", 64, 128, true, cfg.Workers, rng))
	b.residual("res_a", 128, cfg.ResidualDropout)
	b.add(convBlock("stage_b", 128, 256, true, cfg.Workers, rng))
	b.add(convBlock("stage_c", 256, 512, true, cfg.Workers, rng))
	b.residual("res_b", 512, cfg.ResidualDropout)

	b.dropout("head.drop_in", cfg.HeadDropout)
	b.add(nn.NewMaxPool2D("head.pool", 4))
	b.add(nn.NewFlatten())
	b.add(nn.NewLinear("head.fc1", 512, 256, rng))
	b.add(nn.NewReLU("head.relu1"))
	b.add(nn.NewLinear("head.fc2", 256, 128, rng))
	b.add(nn.NewReLU("head.relu2"))
	b.dropout("head.drop_out", cfg.HeadDropout)
	b.add(nn.NewLinear("head.fc3", 128, cfg.NumClasses, rng))

	if b.err != nil {
		return nil, errors.Wrap(b.err, "build resnet9")
	}
	if !tensor.SameShape(b.shape, []int{cfg.NumClasses}) {
		return nil, errors.Wrapf(nn.ErrShape, "build resnet9: network emits %v", b.shape)
	}
	return &ResNet9{Sequential: nn.NewSequential(b.layers...)}, nil
}

// Forward maps (N, 3, 32, 32) images to (N, classes) scores.
func (m *ResNet9) Forward(x *tensor.Tensor, mode nn.Mode) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || !tensor.SameShape(x.Shape[1:], InputShape) {
		return nil, errors.Wrapf(nn.ErrShape, "resnet9: expected (N, 3, 32, 32) input, got %v", x.Shape)
	}
	return m.Sequential.Forward(x, mode)
}

// convBlock is conv 3x3 -> batch norm -> ReLU, optionally followed by a 2x2 max pool.
func convBlock(name string, in, out int, pool bool, workers int, rng *rand.Rand) *nn.Sequential {
	layers := []nn.Layer{
		nn.NewConv2D(name+".conv", in, out, 3, 1, 1, workers, rng),
		nn.NewBatchNorm2D(name+".bn", out),
		nn.NewReLU(name + ".relu"),
	}
	if pool {
		layers = append(layers, nn.NewMaxPool2D(name+".pool", 2))
	}
	return nn.NewSequential(layers...)
}

// builder appends layers while tracking the per-sample shape; the first
// error sticks.
type builder struct {
	layers  []nn.Layer
	shape   []int
	workers int
	rng     *rand.Rand
	err     error
}

func (b *builder) add(l nn.Layer) {
	if b.err != nil {
		return
	}
	shape, err := l.OutShape(b.shape)
	if err != nil {
		b.err = err
		return
	}
	b.layers = append(b.layers, l)
	b.shape = shape
}

func (b *builder) dropout(name string, p float64) {
	if b.err != nil {
		return
	}
	d, err := nn.NewDropout(name, p, b.rng)
	if err != nil {
		b.err = err
		return
	}
	b.add(d)
}

func (b *builder) residual(name string, channels int, p float64) {
	if b.err != nil {
		return
	}
	inner := nn.NewSequential(
		convBlock(name+".block1", channels, channels, false, b.workers, b.rng),
		convBlock(name+".block2", channels, channels, false, b.workers, b.rng),
	)
	res, err := nn.NewResidual(name, inner, b.shape)
	if err != nil {
		b.err = err
		return
	}
	b.add(res)
	b.dropout(name+".drop", p)
}
