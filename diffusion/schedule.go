package diffusion

import (
	"errors"
	"fmt"
	"math"
)

var ErrUnknownSchedule = errors.New("unknown beta schedule")

// Beta schedule shapes
const (
	Linear          = "linear"
	ScaledLinear    = "scaled_linear"
	SquaredCosCapV2 = "squaredcos_cap_v2"
	Sigmoid         = "sigmoid"
)

// linspace matches torch.linspace, including n == 1 returning [start].
func linspace(start, end float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}

	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// Betas returns the per-step noise variances for a schedule shape.
func Betas(schedule string, n int, start, end float64) ([]float64, error) {
	if n < 1 {
		return nil, fmt.Errorf("num_train_timesteps must be positive, got %d", n)
	}

	var betas []float64
	switch schedule {
	case Linear:
		betas = linspace(start, end, n)
	case ScaledLinear:
		betas = linspace(math.Sqrt(start), math.Sqrt(end), n)
		for i, b := range betas {
			betas[i] = b * b
		}
	case SquaredCosCapV2:
		alphaBar := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}

		betas = make([]float64, n)
		for i := range betas {
			t1 := float64(i) / float64(n)
			t2 := float64(i+1) / float64(n)
			betas[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
	case Sigmoid:
		betas = linspace(-6, 6, n)
		for i, b := range betas {
			betas[i] = 1/(1+math.Exp(-b))*(end-start) + start
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchedule, schedule)
	}

	for i, b := range betas {
		if !(b > 0 && b < 1) {
			return nil, fmt.Errorf("%s schedule: beta[%d] = %v is outside (0, 1)", schedule, i, b)
		}
	}

	return betas, nil
}
