package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"cifar-forge/internal/tensor"
)

// SoftmaxCrossEntropy returns the batch-mean cross-entropy between softmax(logits)
// and integer labels, together with its gradient with respect to the logits.
func SoftmaxCrossEntropy(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return 0, nil, errors.Wrapf(ErrShape, "cross entropy: expected (N, C) logits, got %v", logits.Shape)
	}
	n, classes := logits.Shape[0], logits.Shape[1]
	if n == 0 {
		return 0, nil, errors.Wrap(ErrShape, "cross entropy: empty batch")
	}
	if n != len(labels) {
		return 0, nil, errors.Wrapf(ErrShape, "cross entropy: %d rows but %d labels", n, len(labels))
	}
	grad := tensor.ZerosLike(logits)
	losses := make([]float64, n)
	probs := make([]float64, classes)
	for i := 0; i < n; i++ {
		label := labels[i]
		if label < 0 || label >= classes {
			return 0, nil, errors.Errorf("cross entropy: label %d out of range [0, %d)", label, classes)
		}
		row := logits.Data[i*classes : (i+1)*classes]
		for j, v := range row {
			probs[j] = float64(v)
		}
		maxLogit := floats.Max(probs)
		for j := range probs {
			probs[j] = math.Exp(probs[j] - maxLogit)
		}
		sum := floats.Sum(probs)
		floats.Scale(1/sum, probs)
		losses[i] = -(float64(row[label]) - maxLogit - math.Log(sum))

		g := grad.Data[i*classes : (i+1)*classes]
		for j, p := range probs {
			if j == label {
				p--
			}
			g[j] = float32(p / float64(n))
		}
	}
	return floats.Sum(losses) / float64(n), grad, nil
}

// Argmax returns the index of the largest score in each row of (N, C) logits.
func Argmax(logits *tensor.Tensor) []int {
	n, classes := logits.Shape[0], logits.Shape[1]
	out := make([]int, n)
	for i := 0; i < n; i++ {
		row := logits.Data[i*classes : (i+1)*classes]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}
