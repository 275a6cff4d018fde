// Package trainer runs the diffusion training loop.
//
// A Session owns the network weights, optimizer, learning rate schedule and
// EMA of one worker. Every worker of a run drives its own Session through
// the same iterations; the accelerator averages gradients between them and
// only the coordinator writes checkpoints and sample grids.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"

	"github.com/ollama/makeup/checkpoint"
	"github.com/ollama/makeup/dataset"
	"github.com/ollama/makeup/diffusion"
	"github.com/ollama/makeup/ema"
	"github.com/ollama/makeup/envconfig"
	"github.com/ollama/makeup/format"
	"github.com/ollama/makeup/logutil"
	"github.com/ollama/makeup/metrics"
	"github.com/ollama/makeup/ml"
	"github.com/ollama/makeup/optim"
	"github.com/ollama/makeup/progress"
	"github.com/ollama/makeup/sample"
)

// gradLimit replaces infinite gradient values.
const gradLimit = 1e5

const (
	streamTrain uint64 = iota + 1
	streamSample
)

type Options struct {
	// Logger defaults to slog.Default.
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Progress receives spinners and the sampling step bar on the
	// coordinator. Nil disables them.
	Progress io.Writer
}

type Session struct {
	cfg  *envconfig.Config
	acc  ml.Accelerator
	net  ml.Trainable
	data dataset.Source

	log      *slog.Logger
	metrics  *metrics.Metrics
	progress io.Writer

	params    []*ml.Parameter
	trainable []*ml.Parameter
	scheduler *diffusion.Scheduler
	opt       *optim.AdamW
	lr        optim.Schedule
	ema       *ema.Model
	ckpt      checkpoint.Manager
	dtype     ml.DType

	RunID string

	state     State
	next      int
	nonFinite int

	iterTime *TimeMeter
	loss     MetricMeter
}

// New prepares a session over net. data may be nil for a session that only
// generates.
func New(cfg *envconfig.Config, acc ml.Accelerator, net ml.Trainable, data dataset.Source, opts Options) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dtype, err := ml.ParseDType(cfg.Train.MixedPrecision)
	if err != nil {
		return nil, err
	}

	sc := diffusion.DefaultConfig()
	sc.NumTrainTimesteps = cfg.Train.SampleSteps
	sc.BetaStart = cfg.Train.NoiseScheduler.BetaStart
	sc.BetaEnd = cfg.Train.NoiseScheduler.BetaEnd
	sc.BetaSchedule = cfg.Train.NoiseScheduler.Type
	sc.PredictionType = cfg.Train.NoiseScheduler.PredType
	scheduler, err := diffusion.New(sc)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		cfg:       cfg,
		acc:       acc,
		net:       net,
		data:      data,
		log:       logutil.ForRank(logger, acc.Rank()),
		metrics:   opts.Metrics,
		progress:  opts.Progress,
		params:    net.Parameters(),
		scheduler: scheduler,
		ckpt:      checkpoint.Manager{Dir: cfg.ProjectDir, Keep: cfg.Train.KeepCheckpoints},
		dtype:     dtype,
		RunID:     uuid.NewString(),
		iterTime:  NewTimeMeter(timeWindow),
	}
	s.trainable = ml.Trainables(s.params)

	s.opt = optim.NewAdamW(s.params, optim.AdamWOptions{
		LR:          cfg.Train.LR,
		Beta1:       0.95,
		Beta2:       0.999,
		Eps:         1e-7,
		WeightDecay: cfg.Train.WeightDecay,
	})
	s.lr = optim.NewConstantWithWarmup(s.opt, cfg.Train.LR, cfg.Train.LRWarmup)
	s.ema = s.newEMA()

	return s, nil
}

func (s *Session) newEMA() *ema.Model {
	t := s.cfg.Train
	return ema.New(s.params, ema.Options{
		MaxDecay:        t.EMAMaxDecay,
		MinDecay:        t.EMAMinDecay,
		UpdateAfterStep: t.EMAUpdateAfterStep,
		UseWarmup:       true,
		InvGamma:        t.EMAInvGamma,
		Power:           t.EMAPower,
	})
}

func (s *Session) State() State {
	return s.state
}

// NextIter is the zero-based iteration Train starts from.
func (s *Session) NextIter() int {
	return s.next
}

// LoadPretrained initializes the weights from path. Keys that do not match
// are reported, not fatal. The EMA restarts from the loaded weights.
func (s *Session) LoadPretrained(path string) error {
	sd, err := checkpoint.LoadPretrained(path)
	if err != nil {
		return fmt.Errorf("pretrained weights: %w", err)
	}

	res, err := ml.LoadStateDict(s.params, sd, false)
	if err != nil {
		return fmt.Errorf("pretrained weights: %w", err)
	}

	if res.Clean() {
		s.log.Info("loaded pretrained weights", "path", path)
	} else {
		s.log.Warn("loaded pretrained weights", "path", path, "result", res.String())
	}

	s.ema = s.newEMA()
	return nil
}

// Resume restores the run saved at path. With weightsOnly only the EMA
// weights are restored, which is all generation needs.
func (s *Session) Resume(path string, weightsOnly bool) error {
	stop := s.spin("Loading " + filepath.Base(path))
	b, err := checkpoint.Load(path)
	stop()
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	if err := s.ema.LoadStateDict(b.EMA); err != nil {
		return fmt.Errorf("resume %s: %w", path, err)
	}

	if !weightsOnly {
		if _, err := ml.LoadStateDict(s.params, b.StateDict, true); err != nil {
			return fmt.Errorf("resume %s: %w", path, err)
		}

		if err := s.opt.LoadStateDict(b.Optimizer); err != nil {
			return fmt.Errorf("resume %s: %w", path, err)
		}

		if err := s.lr.LoadStateDict(b.LRScheduler); err != nil {
			return fmt.Errorf("resume %s: %w", path, err)
		}
	}

	s.next = b.Iter + 1
	if b.RunID != "" {
		s.RunID = b.RunID
	}

	s.log.Info("resumed", "path", path, "iter", b.Iter, "run", s.RunID, "weights_only", weightsOnly)
	return nil
}

func (s *Session) begin() error {
	if s.state != StateIdle {
		return fmt.Errorf("session is %s", s.state)
	}
	s.state = StateRunning
	return nil
}

func (s *Session) end(err error) {
	if err != nil {
		s.state = StateFailed
		return
	}
	s.state = StateFinished
}

// Train runs iterations from NextIter up to TRAIN.MAX_ITER. It returns
// between iterations once ctx is done.
func (s *Session) Train(ctx context.Context) (err error) {
	if s.data == nil {
		return errors.New("training needs a data source")
	}

	if err := s.begin(); err != nil {
		return err
	}
	defer func() { s.end(err) }()

	if err := s.acc.Prepare(ctx, s.params); err != nil {
		return err
	}

	if s.acc.IsCoordinator() {
		for _, dir := range []string{"checkpoints", "generate"} {
			if err := os.MkdirAll(filepath.Join(s.cfg.ProjectDir, dir), 0o755); err != nil {
				return err
			}
		}
	}

	maxIter := s.cfg.Train.MaxIter
	var size int
	for _, p := range s.trainable {
		size += p.Value.Len()
	}

	s.log.Info("training",
		"run", s.RunID,
		"start", s.next,
		"max_iter", maxIter,
		"workers", s.acc.WorldSize(),
		"params", format.HumanNumber(uint64(size)),
		"precision", s.dtype)

	for iter := s.next; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		loss, err := s.step(ctx, iter)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", iter+1, err)
		}

		elapsed := time.Since(started)
		s.iterTime.Update(elapsed)
		s.loss.Update(loss)
		s.observe(loss, elapsed)

		logutil.Trace("step", "iter", iter+1, "loss", loss, "time", elapsed)
		if (iter+1)%s.cfg.Train.LogInterval == 0 {
			s.log.Info("train",
				"iter", fmt.Sprintf("%d/%d", iter+1, maxIter),
				"time", s.iterTime.Average().Round(time.Millisecond),
				"eta", format.Clock(s.iterTime.ETA(maxIter-(iter+1))),
				"lr", s.lr.LR(),
				"loss", loss,
				"loss_avg", s.loss.Avg(),
				"nonfinite", s.nonFinite)
			s.loss.Reset()
		}

		final := iter+1 == maxIter
		if (iter+1)%s.cfg.Train.SaveInterval == 0 || final {
			if err := s.checkpoint(iter, final); err != nil {
				return err
			}
		}

		if (iter+1)%s.cfg.Train.SampleInterval == 0 || final {
			if err := s.sampleAt(ctx, iter); err != nil {
				return err
			}
		}

		if err := s.acc.Synchronize(ctx); err != nil {
			return err
		}

		s.next = iter + 1
	}

	s.log.Info("training finished", "run", s.RunID, "iter", s.next)
	return nil
}

// step runs one training iteration and returns its loss.
func (s *Session) step(ctx context.Context, iter int) (float64, error) {
	batch, err := s.nextBatch(ctx)
	if err != nil {
		return 0, err
	}

	rng := s.rng(iter, streamTrain)

	timesteps := make([]int, batch.Image.Batch())
	for i := range timesteps {
		timesteps[i] = rng.Intn(s.cfg.Train.TimeSteps)
	}

	noise := ml.Randn(rng, batch.Image.Shape...)
	s.dtype.Round(noise.Data)

	noisy, err := s.scheduler.AddNoise(batch.Image, noise, timesteps)
	if err != nil {
		return 0, err
	}

	pred, grad, err := s.net.Backprop(ml.Input{Sample: noisy, Timesteps: timesteps, Labels: batch.Label, Text: batch.Text})
	if err != nil {
		return 0, err
	}

	loss, dout, err := ml.MeanSquaredError(pred, noise)
	if err != nil {
		return 0, err
	}

	accum := max(s.cfg.Train.GradientAccumulationSteps, 1)
	dout.Scale(1 / float64(accum))

	boundary := (iter+1)%accum == 0
	if err := s.acc.Backward(ctx, s.trainable, grad, dout, boundary); err != nil {
		return 0, err
	}

	if !boundary {
		return loss, nil
	}

	// Gradients are already averaged here so every rank sees the same count.
	if n := sanitize(s.trainable); n > 0 {
		s.nonFinite += n
		if s.acc.IsCoordinator() {
			s.log.Warn("replaced non-finite gradients", "iter", iter+1, "count", n)
			if s.metrics != nil {
				s.metrics.NonFinite.Add(float64(n))
			}
		}
	}

	s.opt.Step()
	s.lr.Step()
	s.opt.ZeroGrad()

	if err := s.ema.Step(s.params); err != nil {
		return 0, err
	}

	return loss, nil
}

// nextBatch restarts the source once when an epoch ends.
func (s *Session) nextBatch(ctx context.Context) (*dataset.Batch, error) {
	b, err := s.data.Next(ctx)
	if !errors.Is(err, io.EOF) {
		return b, err
	}

	if err := s.data.Reset(); err != nil {
		return nil, err
	}

	b, err = s.data.Next(ctx)
	if errors.Is(err, io.EOF) {
		return nil, dataset.ErrEmpty
	}
	return b, err
}

// sanitize replaces NaN gradients with 0 and infinite ones with ±gradLimit.
// It returns the number of values replaced.
func sanitize(params []*ml.Parameter) int {
	var n int
	for _, p := range params {
		for i, g := range p.Grad.Data {
			switch {
			case math.IsNaN(g):
				p.Grad.Data[i] = 0
			case math.IsInf(g, 1):
				p.Grad.Data[i] = gradLimit
			case math.IsInf(g, -1):
				p.Grad.Data[i] = -gradLimit
			default:
				continue
			}
			n++
		}
	}
	return n
}

func (s *Session) observe(loss float64, elapsed time.Duration) {
	if s.metrics == nil || !s.acc.IsCoordinator() {
		return
	}

	s.metrics.Iterations.Inc()
	s.metrics.Loss.Set(loss)
	s.metrics.LearningRate.Set(s.lr.LR())
	s.metrics.EMADecay.Set(s.ema.CurrentDecay)
	s.metrics.IterationTime.Observe(elapsed.Seconds())
}

// Bundle snapshots the session after iteration iter.
func (s *Session) Bundle(iter int) *checkpoint.Bundle {
	return &checkpoint.Bundle{
		Iter:        iter,
		RunID:       s.RunID,
		StateDict:   ml.StateDictOf(s.params),
		Optimizer:   s.opt.StateDict(),
		LRScheduler: s.lr.StateDict(),
		EMA:         s.ema.StateDict(),
	}
}

// checkpoint saves the session on the coordinator. Gradients accumulated
// since the last optimizer step are not part of the bundle, so a save in
// the middle of an accumulation window drops them on resume.
func (s *Session) checkpoint(iter int, final bool) error {
	if !s.acc.IsCoordinator() {
		return nil
	}

	s.state = StateCheckpointing
	defer func() { s.state = StateRunning }()

	stop := s.spin("Saving checkpoint")
	path, err := s.ckpt.Save(s.Bundle(iter), final)
	stop()
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	s.log.Info("saved checkpoint", "path", path)
	if s.metrics != nil {
		kind := "periodic"
		if final {
			kind = "final"
		}
		s.metrics.Checkpoints.WithLabelValues(kind).Inc()
	}
	return nil
}

// spin shows message on the coordinator's progress writer until the
// returned func is called.
func (s *Session) spin(message string) func() {
	if s.progress == nil || !s.acc.IsCoordinator() {
		return func() {}
	}

	p := progress.NewProgress(s.progress)
	p.Add(progress.NewSpinner(message))
	return func() { p.StopAndClear() }
}

// sampleAt writes a grid generated with the EMA weights after iteration
// iter. The live weights are restored afterwards.
func (s *Session) sampleAt(ctx context.Context, iter int) error {
	s.state = StateSampling
	defer func() { s.state = StateRunning }()

	path := filepath.Join(s.cfg.ProjectDir, "generate", fmt.Sprintf("iter_%03d.png", iter+1))
	return s.ema.Swap(s.params, func() error {
		return s.evaluate(ctx, path, iter+1)
	})
}

// Generate loads the EMA weights into the network and writes one grid of
// samples to path.
func (s *Session) Generate(ctx context.Context, path string) (err error) {
	if err := s.begin(); err != nil {
		return err
	}
	defer func() { s.end(err) }()

	if err := s.acc.Prepare(ctx, s.params); err != nil {
		return err
	}

	if err := s.ema.CopyTo(s.params); err != nil {
		return err
	}

	s.state = StateSampling
	return s.evaluate(ctx, path, s.next)
}

// evaluate samples EVAL.BATCH_SIZE images on every worker and writes the
// gathered grid to path on the coordinator.
func (s *Session) evaluate(ctx context.Context, path string, at int) error {
	eval := s.cfg.Eval
	n, size := eval.BatchSize, s.cfg.Train.ImageSize

	rng := s.rng(at, streamSample)
	latents := ml.Randn(rng, n, s.cfg.Model.InChannels, size, size)

	total := eval.SampleSteps
	if eval.Sampler == envconfig.SamplerHeun {
		total = eval.Heun.NumSteps
	}

	var fn sample.StepFunc
	if s.progress != nil && s.acc.IsCoordinator() {
		p := progress.NewProgress(s.progress)
		bar := progress.NewStepBar("Sampling", total)
		p.Add(bar)
		defer p.StopAndClear()

		fn = func(step, _ int) { bar.Set(step) }
	}

	var images *ml.Tensor
	var err error
	switch eval.Sampler {
	case envconfig.SamplerHeun:
		h := eval.Heun
		den := sample.NewEpsilonDenoiser(s.net, s.scheduler)
		images, err = sample.Heun(ctx, den, latents, sample.RandomLabels(rng, n, s.cfg.Model.LabelDim), rng, sample.HeunOptions{
			NumSteps: h.NumSteps,
			SigmaMin: h.SigmaMin,
			SigmaMax: h.SigmaMax,
			Rho:      h.Rho,
			SChurn:   h.SChurn,
			SMin:     h.SMin,
			SMax:     h.SMax,
			SNoise:   h.SNoise,
		}, fn)
	default:
		images, err = sample.Scheduler(ctx, s.net, s.scheduler, latents, sample.SplitLabels(n, s.cfg.Model.LabelDim), make([]string, n), rng, sample.SchedulerOptions{
			Method: eval.Scheduler,
			Steps:  eval.SampleSteps,
			Eta:    eval.ETA,
		}, fn)
	}
	if err != nil {
		return fmt.Errorf("sampling: %w", err)
	}

	images, err = s.acc.Gather(ctx, images)
	if err != nil {
		return err
	}

	if !s.acc.IsCoordinator() {
		return nil
	}

	if err := sample.SaveGrid(path, images); err != nil {
		return fmt.Errorf("sampling: %w", err)
	}

	s.log.Info("saved generated samples", "path", path, "images", images.Batch())
	if s.metrics != nil {
		s.metrics.Samples.Inc()
	}
	return nil
}

// rng returns the random source of one stream for one iteration on this
// rank. Draws depend only on the seed, rank and iteration so a resumed run
// replays them.
func (s *Session) rng(iter int, stream uint64) *rand.Rand {
	h := s.cfg.Seed
	for _, v := range []uint64{uint64(s.acc.Rank()), uint64(iter), stream} {
		h = splitmix64(h ^ v)
	}
	return rand.New(rand.NewSource(h))
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
