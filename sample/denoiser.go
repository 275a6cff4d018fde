package sample

import (
	"math"
	"slices"
	"sort"

	"github.com/ollama/makeup/diffusion"
	"github.com/ollama/makeup/ml"
)

// Denoiser estimates the clean image D(x; σ) from x at noise level σ.
type Denoiser interface {
	Denoise(x *ml.Tensor, sigma float64, labels *ml.Tensor) (*ml.Tensor, error)
	// RoundSigma maps σ to the nearest level the denoiser supports.
	RoundSigma(sigma float64) float64
	SigmaMin() float64
	SigmaMax() float64
}

// EpsilonDenoiser wraps a network trained to predict the noise of a
// discrete variance preserving schedule.
type EpsilonDenoiser struct {
	Net ml.Network
	// Text is passed to the network unchanged.
	Text []string

	sigmas []float64
}

func NewEpsilonDenoiser(net ml.Network, s *diffusion.Scheduler) *EpsilonDenoiser {
	sigmas := s.Sigmas()
	if !slices.IsSorted(sigmas) {
		slices.Sort(sigmas)
	}
	return &EpsilonDenoiser{Net: net, sigmas: sigmas}
}

func (d *EpsilonDenoiser) SigmaMin() float64 { return d.sigmas[0] }

func (d *EpsilonDenoiser) SigmaMax() float64 { return d.sigmas[len(d.sigmas)-1] }

// timestep returns the training timestep whose σ is closest to sigma.
func (d *EpsilonDenoiser) timestep(sigma float64) int {
	i := sort.SearchFloat64s(d.sigmas, sigma)
	switch {
	case i == 0:
		return 0
	case i == len(d.sigmas):
		return i - 1
	case sigma-d.sigmas[i-1] <= d.sigmas[i]-sigma:
		return i - 1
	default:
		return i
	}
}

func (d *EpsilonDenoiser) RoundSigma(sigma float64) float64 {
	return d.sigmas[d.timestep(sigma)]
}

// Denoise evaluates the network at the timestep nearest sigma on the
// input rescaled to unit variance, and returns x - σ·ε̂.
func (d *EpsilonDenoiser) Denoise(x *ml.Tensor, sigma float64, labels *ml.Tensor) (*ml.Tensor, error) {
	in := x.Clone()
	in.Scale(1 / math.Sqrt(1+sigma*sigma))

	t := d.timestep(sigma)
	timesteps := make([]int, x.Batch())
	for i := range timesteps {
		timesteps[i] = t
	}

	eps, err := d.Net.Forward(ml.Input{Sample: in, Timesteps: timesteps, Labels: labels, Text: d.Text})
	if err != nil {
		return nil, err
	}

	if !ml.SameShape(eps, x) {
		return nil, ml.ErrShapeMismatch
	}

	out := x.Clone()
	out.AddScaled(-sigma, eps)
	return out, nil
}
