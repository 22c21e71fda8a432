package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matrix views a row-major slice as an r x c matrix.
func Matrix(data []float32, r, c int) blas32.General {
	return blas32.General{Rows: r, Cols: c, Stride: c, Data: data[:r*c]}
}

// Gemm computes c = alpha*op(a)*op(b) + beta*c.
func Gemm(transA, transB bool, alpha float32, a, b blas32.General, beta float32, c blas32.General) {
	blas32.Gemm(trans(transA), trans(transB), alpha, a, b, beta, c)
}

func trans(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}
