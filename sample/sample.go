// Package sample runs reverse diffusion to turn Gaussian noise into images.
//
// Two samplers are provided: Scheduler steps a discrete DDPM or DDIM
// schedule, Heun integrates the probability flow ODE with stochastic churn
// over a continuous noise level. Results are written as PNG grids.
package sample

import (
	"golang.org/x/exp/rand"

	"github.com/ollama/makeup/ml"
)

// StepFunc is called after each completed sampling step.
type StepFunc func(step, total int)

func (fn StepFunc) call(step, total int) {
	if fn != nil {
		fn(step, total)
	}
}

// SplitLabels returns one-hot labels for n images where the first n/2
// belong to class 0 and the rest to class 1. It returns nil when dim is 0.
func SplitLabels(n, dim int) *ml.Tensor {
	if dim <= 0 {
		return nil
	}

	labels := ml.Zeros(n, dim)
	for i := range n {
		class := 0
		if i >= n/2 {
			class = min(1, dim-1)
		}
		labels.Item(i)[class] = 1
	}
	return labels
}

// RandomLabels returns one-hot labels for n images with classes drawn
// uniformly from [0, dim). It returns nil when dim is 0.
func RandomLabels(rng *rand.Rand, n, dim int) *ml.Tensor {
	if dim <= 0 {
		return nil
	}

	labels := ml.Zeros(n, dim)
	for i := range n {
		labels.Item(i)[rng.Intn(dim)] = 1
	}
	return labels
}
