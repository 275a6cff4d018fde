package diffusion

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ollama/makeup/ml"
)

var ErrUnsupportedPrediction = errors.New("unsupported prediction type")

// Config holds the discrete noise scheduler configuration
type Config struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"` // 1000
	BetaStart         float64 `json:"beta_start"`          // 0.0001
	BetaEnd           float64 `json:"beta_end"`            // 0.02
	BetaSchedule      string  `json:"beta_schedule"`       // linear
	PredictionType    string  `json:"prediction_type"`     // epsilon
	ClipSample        bool    `json:"clip_sample"`         // true
	ClipSampleRange   float64 `json:"clip_sample_range"`   // 1.0
	// SetAlphaToOne makes the final DDIM step use alpha_prod = 1 instead of
	// the first alphas_cumprod entry.
	SetAlphaToOne bool `json:"set_alpha_to_one"` // true
}

func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.0001,
		BetaEnd:           0.02,
		BetaSchedule:      Linear,
		PredictionType:    "epsilon",
		ClipSample:        true,
		ClipSampleRange:   1.0,
		SetAlphaToOne:     true,
	}
}

// Scheduler is a discrete-time variance preserving noise scheduler shared by
// DDPM and DDIM sampling. The schedule is fixed at construction;
// SetTimesteps only changes the inference spacing.
type Scheduler struct {
	Config        Config
	Betas         []float64
	Alphas        []float64
	AlphasCumprod []float64

	// Timesteps are the inference timesteps in strictly decreasing order.
	Timesteps         []int
	NumInferenceSteps int
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.PredictionType != "epsilon" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPrediction, cfg.PredictionType)
	}

	betas, err := Betas(cfg.BetaSchedule, cfg.NumTrainTimesteps, cfg.BetaStart, cfg.BetaEnd)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		Config:        cfg,
		Betas:         betas,
		Alphas:        make([]float64, len(betas)),
		AlphasCumprod: make([]float64, len(betas)),
	}

	prod := 1.0
	for i, b := range betas {
		s.Alphas[i] = 1 - b
		prod *= 1 - b
		s.AlphasCumprod[i] = prod
	}

	if err := s.SetTimesteps(cfg.NumTrainTimesteps); err != nil {
		return nil, err
	}

	return s, nil
}

// SetTimesteps spaces n inference steps evenly over the training schedule
// with "leading" spacing: (0, 1, ..., n-1) * (T / n), reversed.
func (s *Scheduler) SetTimesteps(n int) error {
	T := s.Config.NumTrainTimesteps
	if n < 1 || n > T {
		return fmt.Errorf("num_inference_steps must be in [1, %d], got %d", T, n)
	}

	ratio := T / n
	timesteps := make([]int, n)
	for i := range timesteps {
		timesteps[i] = i * ratio
	}
	slices.Reverse(timesteps)

	s.Timesteps = timesteps
	s.NumInferenceSteps = n
	return nil
}

func (s *Scheduler) checkTimestep(t int) error {
	if t < 0 || t >= len(s.AlphasCumprod) {
		return fmt.Errorf("timestep %d outside [0, %d)", t, len(s.AlphasCumprod))
	}
	return nil
}

func (s *Scheduler) previous(t int) int {
	return t - s.Config.NumTrainTimesteps/s.NumInferenceSteps
}

// AddNoise returns sqrt(ᾱ_t)·x + sqrt(1-ᾱ_t)·noise where t holds one
// timestep per batch element.
func (s *Scheduler) AddNoise(x, noise *ml.Tensor, t []int) (*ml.Tensor, error) {
	if !ml.SameShape(x, noise) {
		return nil, fmt.Errorf("%w: sample %v, noise %v", ml.ErrShapeMismatch, x.Shape, noise.Shape)
	}
	if len(t) != x.Batch() {
		return nil, fmt.Errorf("%w: %d timesteps for batch of %d", ml.ErrShapeMismatch, len(t), x.Batch())
	}

	out := ml.Zeros(x.Shape...)
	for i, ti := range t {
		if err := s.checkTimestep(ti); err != nil {
			return nil, err
		}

		a := math.Sqrt(s.AlphasCumprod[ti])
		b := math.Sqrt(1 - s.AlphasCumprod[ti])
		dst, xs, ns := out.Item(i), x.Item(i), noise.Item(i)
		for j := range dst {
			dst[j] = a*xs[j] + b*ns[j]
		}
	}

	return out, nil
}

// PredictOriginal recovers x̂0 from an epsilon prediction at timestep t,
// clipped when the scheduler is configured to.
func (s *Scheduler) PredictOriginal(eps *ml.Tensor, t int, x *ml.Tensor) (*ml.Tensor, error) {
	if err := s.checkTimestep(t); err != nil {
		return nil, err
	}
	if !ml.SameShape(eps, x) {
		return nil, fmt.Errorf("%w: model output %v, sample %v", ml.ErrShapeMismatch, eps.Shape, x.Shape)
	}

	alphaProd := s.AlphasCumprod[t]
	betaProd := 1 - alphaProd

	x0 := x.Clone()
	x0.AddScaled(-math.Sqrt(betaProd), eps)
	x0.Scale(1 / math.Sqrt(alphaProd))

	if s.Config.ClipSample {
		r := s.Config.ClipSampleRange
		x0.Clamp(-r, r)
	}

	return x0, nil
}

func addNoise(x *ml.Tensor, std float64, rng *rand.Rand) {
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	for i := range x.Data {
		x.Data[i] += std * n.Rand()
	}
}

// StepDDPM performs one ancestral DDPM step from timestep t using the
// posterior mean and the fixed small variance. No noise is injected at
// t == 0 or when rng is nil.
func (s *Scheduler) StepDDPM(eps *ml.Tensor, t int, x *ml.Tensor, rng *rand.Rand) (*ml.Tensor, error) {
	x0, err := s.PredictOriginal(eps, t, x)
	if err != nil {
		return nil, err
	}

	prev := s.previous(t)
	alphaProd := s.AlphasCumprod[t]
	alphaProdPrev := 1.0
	if prev >= 0 {
		alphaProdPrev = s.AlphasCumprod[prev]
	}

	betaProd := 1 - alphaProd
	betaProdPrev := 1 - alphaProdPrev
	currentAlpha := alphaProd / alphaProdPrev
	currentBeta := 1 - currentAlpha

	originalCoeff := math.Sqrt(alphaProdPrev) * currentBeta / betaProd
	currentCoeff := math.Sqrt(currentAlpha) * betaProdPrev / betaProd

	out := x0
	out.Scale(originalCoeff)
	out.AddScaled(currentCoeff, x)

	if t > 0 && rng != nil {
		variance := math.Max(betaProdPrev/betaProd*currentBeta, 1e-20)
		addNoise(out, math.Sqrt(variance), rng)
	}

	return out, nil
}

type DDIMOptions struct {
	// Eta scales the injected noise; 0 is deterministic DDIM.
	Eta float64
	// UseClippedModelOutput re-derives epsilon from the clipped x̂0.
	UseClippedModelOutput bool
}

// StepDDIM performs one DDIM step from timestep t.
func (s *Scheduler) StepDDIM(eps *ml.Tensor, t int, x *ml.Tensor, opts DDIMOptions, rng *rand.Rand) (*ml.Tensor, error) {
	x0, err := s.PredictOriginal(eps, t, x)
	if err != nil {
		return nil, err
	}

	prev := s.previous(t)
	alphaProd := s.AlphasCumprod[t]
	alphaProdPrev := s.AlphasCumprod[0]
	if prev >= 0 {
		alphaProdPrev = s.AlphasCumprod[prev]
	} else if s.Config.SetAlphaToOne {
		alphaProdPrev = 1
	}

	betaProd := 1 - alphaProd
	betaProdPrev := 1 - alphaProdPrev

	variance := betaProdPrev / betaProd * (1 - alphaProd/alphaProdPrev)
	std := opts.Eta * math.Sqrt(variance)

	if opts.UseClippedModelOutput {
		e := x.Clone()
		e.AddScaled(-math.Sqrt(alphaProd), x0)
		e.Scale(1 / math.Sqrt(betaProd))
		eps = e
	}

	out := x0
	out.Scale(math.Sqrt(alphaProdPrev))
	out.AddScaled(math.Sqrt(math.Max(0, 1-alphaProdPrev-std*std)), eps)

	if opts.Eta > 0 && rng != nil {
		addNoise(out, std, rng)
	}

	return out, nil
}

// Sigmas returns the variance exploding noise level sqrt((1-ᾱ)/ᾱ) of each
// training timestep. They increase with t.
func (s *Scheduler) Sigmas() []float64 {
	sigmas := make([]float64, len(s.AlphasCumprod))
	for i, a := range s.AlphasCumprod {
		sigmas[i] = math.Sqrt((1 - a) / a)
	}
	return sigmas
}
