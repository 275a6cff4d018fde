package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// SiLU applies x*sigmoid(x) element-wise and returns a new matrix.
func SiLU(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		return v * sigmoid(v)
	}, x)
	return &y
}

// SiLUBackward returns dy * silu'(x).
func SiLUBackward(x, dy *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, v float64) float64 {
		s := sigmoid(v)
		return dy.At(i, j) * s * (1 + v*(1-s))
	}, x)
	return &dx
}
