package sample

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ollama/makeup/ml"
)

type HeunOptions struct {
	NumSteps int
	SigmaMin float64
	SigmaMax float64
	Rho      float64

	// SChurn controls the amount of noise re-injected per step while the
	// current σ lies within [SMin, SMax]. Zero makes sampling deterministic.
	SChurn float64
	SMin   float64
	SMax   float64
	SNoise float64
}

func DefaultHeunOptions() HeunOptions {
	return HeunOptions{
		NumSteps: 256,
		SigmaMin: 0.002,
		SigmaMax: 80,
		Rho:      7,
		SChurn:   40,
		SMin:     0.05,
		SMax:     50,
		SNoise:   1,
	}
}

// Steps returns the rounded noise levels t_0 > ... > t_{N-1} followed by a
// trailing 0, after clamping the σ range to what den supports.
func Steps(den Denoiser, opts HeunOptions) ([]float64, error) {
	n := opts.NumSteps
	if n < 1 {
		return nil, fmt.Errorf("num_steps must be at least 1, got %d", n)
	}

	if opts.Rho <= 0 {
		return nil, fmt.Errorf("rho must be positive, got %g", opts.Rho)
	}

	lo := math.Max(opts.SigmaMin, den.SigmaMin())
	hi := math.Min(opts.SigmaMax, den.SigmaMax())
	if lo > hi {
		return nil, fmt.Errorf("empty sigma range [%g, %g]", lo, hi)
	}

	hiRho, loRho := math.Pow(hi, 1/opts.Rho), math.Pow(lo, 1/opts.Rho)

	steps := make([]float64, n+1)
	for i := range n {
		t := hi
		if n > 1 {
			t = math.Pow(hiRho+float64(i)/float64(n-1)*(loRho-hiRho), opts.Rho)
		}
		steps[i] = den.RoundSigma(t)
	}
	return steps, nil
}

// Heun runs the second order EDM sampler starting from unit Gaussian
// latents. The final step is a plain Euler step.
func Heun(ctx context.Context, den Denoiser, latents, labels *ml.Tensor, rng *rand.Rand, opts HeunOptions, fn StepFunc) (*ml.Tensor, error) {
	steps, err := Steps(den, opts)
	if err != nil {
		return nil, err
	}

	if opts.SChurn > 0 && rng == nil {
		return nil, errors.New("stochastic churn needs a random source")
	}

	n := opts.NumSteps
	gammaMax := math.Min(opts.SChurn/float64(n), math.Sqrt2-1)

	x := latents.Clone()
	x.Scale(steps[0])

	for i := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cur, next := steps[i], steps[i+1]

		gamma := 0.0
		if opts.SMin <= cur && cur <= opts.SMax {
			gamma = gammaMax
		}

		hat := cur
		if gamma > 0 {
			hat = den.RoundSigma(cur + gamma*cur)
			if std := math.Sqrt(math.Max(0, hat*hat-cur*cur)) * opts.SNoise; std > 0 {
				normal := distuv.Normal{Mu: 0, Sigma: std, Src: rng}
				for j := range x.Data {
					x.Data[j] += normal.Rand()
				}
			}
		}

		denoised, err := den.Denoise(x, hat, labels)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		d := derivative(x, denoised, hat)
		xNext := x.Clone()
		xNext.AddScaled(next-hat, d)

		if i < n-1 {
			denoised, err := den.Denoise(xNext, next, labels)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}

			d.Scale(0.5)
			d.AddScaled(0.5, derivative(xNext, denoised, next))

			xNext = x.Clone()
			xNext.AddScaled(next-hat, d)
		}

		x = xNext
		fn.call(i+1, n)
	}

	return x, nil
}

// derivative returns (x - denoised) / sigma.
func derivative(x, denoised *ml.Tensor, sigma float64) *ml.Tensor {
	d := x.Clone()
	d.AddScaled(-1, denoised)
	d.Scale(1 / sigma)
	return d
}
