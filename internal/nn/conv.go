package nn

import (
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"cifar-forge/internal/tensor"
)

// Conv2D is a square-kernel 2D convolution computed as im2col followed by a
// GEMM per sample. Samples of a batch are split into contiguous chunks that
// run on up to workers goroutines.
type Conv2D struct {
	name    string
	inC     int
	outC    int
	kernel  int
	stride  int
	pad     int
	workers int

	Weight *Param // (outC, inC, k, k)
	Bias   *Param // (outC)

	input *tensor.Tensor
}

// NewConv2D builds a convolution with fan-in uniform initialization.
func NewConv2D(name string, inC, outC, kernel, stride, pad, workers int, rng *rand.Rand) *Conv2D {
	if stride <= 0 {
		stride = 1
	}
	if workers <= 0 {
		workers = 1
	}
	c := &Conv2D{
		name:    name,
		inC:     inC,
		outC:    outC,
		kernel:  kernel,
		stride:  stride,
		pad:     pad,
		workers: workers,
		Weight:  newParam(name+".weight", outC, inC, kernel, kernel),
		Bias:    newParam(name+".bias", outC),
	}
	fanIn := inC * kernel * kernel
	uniformInit(c.Weight.Value, fanIn, rng)
	uniformInit(c.Bias.Value, fanIn, rng)
	return c
}

func (c *Conv2D) Params() []*Param {
	return []*Param{c.Weight, c.Bias}
}

func (c *Conv2D) OutShape(in []int) ([]int, error) {
	if err := expectRank(c.name, in, 3); err != nil {
		return nil, err
	}
	if in[0] != c.inC {
		return nil, errors.Wrapf(ErrShape, "%s: expected %d input channels, got %d", c.name, c.inC, in[0])
	}
	oh := (in[1]+2*c.pad-c.kernel)/c.stride + 1
	ow := (in[2]+2*c.pad-c.kernel)/c.stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, errors.Wrapf(ErrShape, "%s: input %v too small for kernel %d", c.name, in, c.kernel)
	}
	return []int{c.outC, oh, ow}, nil
}

func (c *Conv2D) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if err := expectRank(c.name, x.Shape, 4); err != nil {
		return nil, err
	}
	out, err := c.OutShape(x.Shape[1:])
	if err != nil {
		return nil, err
	}
	n := x.Shape[0]
	h, w := x.Shape[2], x.Shape[3]
	oh, ow := out[1], out[2]
	k := c.inC * c.kernel * c.kernel
	y := tensor.Zeros(n, c.outC, oh, ow)
	weight := tensor.Matrix(c.Weight.Value, c.outC, k)

	err = c.parallel(n, func(lo, hi int) error {
		cols := make([]float32, k*oh*ow)
		for i := lo; i < hi; i++ {
			c.im2col(x.Sample(i), h, w, oh, ow, cols)
			dst := y.Sample(i)
			for o := 0; o < c.outC; o++ {
				row := dst[o*oh*ow : (o+1)*oh*ow]
				b := c.Bias.Value[o]
				for j := range row {
					row[j] = b
				}
			}
			tensor.Gemm(false, false, 1, weight, tensor.Matrix(cols, k, oh*ow), 1, tensor.Matrix(dst, c.outC, oh*ow))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if mode == Train {
		c.input = x
	} else {
		c.input = nil
	}
	return y, nil
}

func (c *Conv2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, errors.Wrap(ErrNoForward, c.name)
	}
	x := c.input
	n := x.Shape[0]
	h, w := x.Shape[2], x.Shape[3]
	if len(grad.Shape) != 4 || grad.Shape[0] != n || grad.Shape[1] != c.outC {
		return nil, errors.Wrapf(ErrShape, "%s: gradient %v does not match output", c.name, grad.Shape)
	}
	oh, ow := grad.Shape[2], grad.Shape[3]
	k := c.inC * c.kernel * c.kernel
	dx := tensor.ZerosLike(x)
	weight := tensor.Matrix(c.Weight.Value, c.outC, k)

	chunks := c.chunks(n)
	dW := make([][]float32, len(chunks))
	dB := make([][]float32, len(chunks))

	g := new(errgroup.Group)
	g.SetLimit(c.workers)
	for ci, span := range chunks {
		ci, lo, hi := ci, span[0], span[1]
		g.Go(func() error {
			cols := make([]float32, k*oh*ow)
			dcols := make([]float32, k*oh*ow)
			dw := make([]float32, c.outC*k)
			db := make([]float32, c.outC)
			for i := lo; i < hi; i++ {
				gi := grad.Sample(i)
				c.im2col(x.Sample(i), h, w, oh, ow, cols)
				gm := tensor.Matrix(gi, c.outC, oh*ow)
				tensor.Gemm(false, true, 1, gm, tensor.Matrix(cols, k, oh*ow), 1, tensor.Matrix(dw, c.outC, k))
				for o := 0; o < c.outC; o++ {
					var s float32
					for _, v := range gi[o*oh*ow : (o+1)*oh*ow] {
						s += v
					}
					db[o] += s
				}
				tensor.Gemm(true, false, 1, weight, gm, 0, tensor.Matrix(dcols, k, oh*ow))
				c.col2im(dcols, h, w, oh, ow, dx.Sample(i))
			}
			dW[ci] = dw
			dB[ci] = db
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// reduce in chunk order so results do not depend on scheduling
	for ci := range chunks {
		for j, v := range dW[ci] {
			c.Weight.Grad[j] += v
		}
		for j, v := range dB[ci] {
			c.Bias.Grad[j] += v
		}
	}
	return dx, nil
}

func (c *Conv2D) parallel(n int, fn func(lo, hi int) error) error {
	g := new(errgroup.Group)
	g.SetLimit(c.workers)
	for _, span := range c.chunks(n) {
		lo, hi := span[0], span[1]
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}

func (c *Conv2D) chunks(n int) [][2]int {
	size := (n + c.workers - 1) / c.workers
	if size == 0 {
		return nil
	}
	spans := make([][2]int, 0, c.workers)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		spans = append(spans, [2]int{lo, hi})
	}
	return spans
}

// im2col lays out every receptive field of a (C, H, W) sample as a column of
// a (C*k*k, oh*ow) matrix. Out-of-bounds taps read as zero.
func (c *Conv2D) im2col(x []float32, h, w, oh, ow int, cols []float32) {
	ohw := oh * ow
	for ch := 0; ch < c.inC; ch++ {
		plane := x[ch*h*w : (ch+1)*h*w]
		for ki := 0; ki < c.kernel; ki++ {
			for kj := 0; kj < c.kernel; kj++ {
				row := cols[((ch*c.kernel+ki)*c.kernel+kj)*ohw:][:ohw]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.stride - c.pad + ki
					dst := row[oy*ow : (oy+1)*ow]
					if iy < 0 || iy >= h {
						for j := range dst {
							dst[j] = 0
						}
						continue
					}
					src := plane[iy*w : (iy+1)*w]
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.stride - c.pad + kj
						if ix < 0 || ix >= w {
							dst[ox] = 0
						} else {
							dst[ox] = src[ix]
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatter-adds columns back into dx.
func (c *Conv2D) col2im(cols []float32, h, w, oh, ow int, dx []float32) {
	ohw := oh * ow
	for ch := 0; ch < c.inC; ch++ {
		plane := dx[ch*h*w : (ch+1)*h*w]
		for ki := 0; ki < c.kernel; ki++ {
			for kj := 0; kj < c.kernel; kj++ {
				row := cols[((ch*c.kernel+ki)*c.kernel+kj)*ohw:][:ohw]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.stride - c.pad + ki
					if iy < 0 || iy >= h {
						continue
					}
					dst := plane[iy*w : (iy+1)*w]
					src := row[oy*ow : (oy+1)*ow]
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.stride - c.pad + kj
						if ix >= 0 && ix < w {
							dst[ix] += src[ox]
						}
					}
				}
			}
		}
	}
}
