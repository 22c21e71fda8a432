package model

import (
	"cifar-forge/internal/nn"
	"cifar-forge/internal/tensor"
)

// Model defines the functionality the training loop needs from a network.
type Model interface {
	Forward(x *tensor.Tensor, mode nn.Mode) (*tensor.Tensor, error)
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*nn.Param
}
