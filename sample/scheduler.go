package sample

import (
	"context"
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/ollama/makeup/diffusion"
	"github.com/ollama/makeup/ml"
)

const (
	DDPM = "ddpm"
	DDIM = "ddim"
)

type SchedulerOptions struct {
	// Method is DDPM or DDIM.
	Method string
	Steps  int
	// Eta is the DDIM noise scale.
	Eta float64
}

// Scheduler denoises x over opts.Steps inference timesteps of s. The
// scheduler's inference timesteps are reset to opts.Steps.
func Scheduler(ctx context.Context, net ml.Network, s *diffusion.Scheduler, x, labels *ml.Tensor, text []string, rng *rand.Rand, opts SchedulerOptions, fn StepFunc) (*ml.Tensor, error) {
	if opts.Method != DDPM && opts.Method != DDIM {
		return nil, fmt.Errorf("unknown sampling scheduler %q", opts.Method)
	}

	if err := s.SetTimesteps(opts.Steps); err != nil {
		return nil, err
	}

	x = x.Clone()
	timesteps := make([]int, x.Batch())
	for i, t := range s.Timesteps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for j := range timesteps {
			timesteps[j] = t
		}

		eps, err := net.Forward(ml.Input{Sample: x, Timesteps: timesteps, Labels: labels, Text: text})
		if err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}

		switch opts.Method {
		case DDIM:
			x, err = s.StepDDIM(eps, t, x, diffusion.DDIMOptions{Eta: opts.Eta, UseClippedModelOutput: true}, rng)
		default:
			x, err = s.StepDDPM(eps, t, x, rng)
		}
		if err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}

		fn.call(i+1, len(s.Timesteps))
	}

	return x, nil
}
