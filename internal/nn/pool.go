package nn

import (
	"github.com/pkg/errors"

	"cifar-forge/internal/tensor"
)

// MaxPool2D takes the maximum over non-overlapping size x size windows.
// Trailing rows or columns that do not fill a window are dropped.
type MaxPool2D struct {
	name  string
	size  int
	argmx []int
	in    []int
}

func NewMaxPool2D(name string, size int) *MaxPool2D {
	return &MaxPool2D{name: name, size: size}
}

func (p *MaxPool2D) Params() []*Param { return nil }

func (p *MaxPool2D) OutShape(in []int) ([]int, error) {
	if err := expectRank(p.name, in, 3); err != nil {
		return nil, err
	}
	oh, ow := in[1]/p.size, in[2]/p.size
	if oh == 0 || ow == 0 {
		return nil, errors.Wrapf(ErrShape, "%s: input %v smaller than window %d", p.name, in, p.size)
	}
	return []int{in[0], oh, ow}, nil
}

func (p *MaxPool2D) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if err := expectRank(p.name, x.Shape, 4); err != nil {
		return nil, err
	}
	out, err := p.OutShape(x.Shape[1:])
	if err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := out[1], out[2]
	y := tensor.Zeros(n, c, oh, ow)
	var argmx []int
	if mode == Train {
		argmx = make([]int, len(y.Data))
	}
	for plane := 0; plane < n*c; plane++ {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := (oy*p.size)*w + ox*p.size
				for dy := 0; dy < p.size; dy++ {
					for dx := 0; dx < p.size; dx++ {
						idx := (oy*p.size+dy)*w + ox*p.size + dx
						if src[idx] > src[best] {
							best = idx
						}
					}
				}
				o := plane*oh*ow + oy*ow + ox
				y.Data[o] = src[best]
				if argmx != nil {
					argmx[o] = plane*h*w + best
				}
			}
		}
	}
	p.argmx = argmx
	p.in = append([]int(nil), x.Shape...)
	return y, nil
}

func (p *MaxPool2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmx == nil {
		return nil, errors.Wrap(ErrNoForward, p.name)
	}
	if len(grad.Data) != len(p.argmx) {
		return nil, errors.Wrapf(ErrShape, "%s: gradient %v does not match output", p.name, grad.Shape)
	}
	dx := tensor.Zeros(p.in...)
	for o, g := range grad.Data {
		dx.Data[p.argmx[o]] += g
	}
	return dx, nil
}
