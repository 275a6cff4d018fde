package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// TimestepFrequencies returns the dim/2 frequencies exp(-ln(10000)*i/half)
// of a sinusoidal timestep embedding.
func TimestepFrequencies(dim int) []float64 {
	half := dim / 2
	freqs := make([]float64, half)
	for i := range freqs {
		freqs[i] = math.Exp(-math.Log(10000) * float64(i) / float64(half))
	}
	return freqs
}

// TimestepEmbedding returns a (len(timesteps), dim) matrix whose rows are
// [sin(t*f), cos(t*f)] for the given frequencies. An odd dim leaves the
// final column zero.
func TimestepEmbedding(timesteps []int, freqs []float64, dim int) *mat.Dense {
	emb := mat.NewDense(len(timesteps), dim, nil)
	half := len(freqs)
	for i, t := range timesteps {
		row := emb.RawRowView(i)
		for j, f := range freqs {
			row[j] = math.Sin(float64(t) * f)
			row[half+j] = math.Cos(float64(t) * f)
		}
	}
	return emb
}
