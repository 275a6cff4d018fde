package envconfig

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v3"

	"github.com/ollama/makeup/diffusion"
	"github.com/ollama/makeup/ml"
)

var ErrInvalidConfig = errors.New("invalid config")

// baseKey names the files a config inherits from, resolved relative to the
// including file.
const baseKey = "_BASE_"

const (
	SamplerScheduler = "scheduler"
	SamplerHeun      = "heun"
)

// Config is an experiment configuration. Keys are upper case in files and
// in --opts overrides, e.g. TRAIN.LR.
type Config struct {
	ProjectDir  string `mapstructure:"PROJECT_DIR" yaml:"PROJECT_DIR"`
	ProjectName string `mapstructure:"PROJECT_NAME" yaml:"PROJECT_NAME"`
	Seed        uint64 `mapstructure:"SEED" yaml:"SEED"`

	Model ModelConfig `mapstructure:"MODEL" yaml:"MODEL"`
	Data  DataConfig  `mapstructure:"DATA" yaml:"DATA"`
	Train TrainConfig `mapstructure:"TRAIN" yaml:"TRAIN"`
	Eval  EvalConfig  `mapstructure:"EVAL" yaml:"EVAL"`
}

type ModelConfig struct {
	Name         string `mapstructure:"NAME" yaml:"NAME"`
	InChannels   int    `mapstructure:"IN_CHANNELS" yaml:"IN_CHANNELS"`
	LabelDim     int    `mapstructure:"LABEL_DIM" yaml:"LABEL_DIM"`
	HiddenDim    int    `mapstructure:"HIDDEN_DIM" yaml:"HIDDEN_DIM"`
	TimeEmbedDim int    `mapstructure:"TIME_EMBED_DIM" yaml:"TIME_EMBED_DIM"`
	Pretrained   string `mapstructure:"PRETRAINED" yaml:"PRETRAINED"`
}

type DataConfig struct {
	Root    string `mapstructure:"ROOT" yaml:"ROOT"`
	Shuffle bool   `mapstructure:"SHUFFLE" yaml:"SHUFFLE"`
	HFlip   bool   `mapstructure:"HFLIP" yaml:"HFLIP"`
}

type NoiseSchedulerConfig struct {
	Type      string  `mapstructure:"TYPE" yaml:"TYPE"`
	BetaStart float64 `mapstructure:"BETA_START" yaml:"BETA_START"`
	BetaEnd   float64 `mapstructure:"BETA_END" yaml:"BETA_END"`
	PredType  string  `mapstructure:"PRED_TYPE" yaml:"PRED_TYPE"`
}

type TrainConfig struct {
	ImageSize int `mapstructure:"IMAGE_SIZE" yaml:"IMAGE_SIZE"`
	BatchSize int `mapstructure:"BATCH_SIZE" yaml:"BATCH_SIZE"`
	// TimeSteps bounds the timesteps drawn for training; SampleSteps is the
	// length of the noise schedule.
	TimeSteps      int                  `mapstructure:"TIME_STEPS" yaml:"TIME_STEPS"`
	SampleSteps    int                  `mapstructure:"SAMPLE_STEPS" yaml:"SAMPLE_STEPS"`
	NoiseScheduler NoiseSchedulerConfig `mapstructure:"NOISE_SCHEDULER" yaml:"NOISE_SCHEDULER"`

	LR          float64 `mapstructure:"LR" yaml:"LR"`
	LRWarmup    int     `mapstructure:"LR_WARMUP" yaml:"LR_WARMUP"`
	WeightDecay float64 `mapstructure:"WEIGHT_DECAY" yaml:"WEIGHT_DECAY"`

	EMAMaxDecay        float64 `mapstructure:"EMA_MAX_DECAY" yaml:"EMA_MAX_DECAY"`
	EMAMinDecay        float64 `mapstructure:"EMA_MIN_DECAY" yaml:"EMA_MIN_DECAY"`
	EMAInvGamma        float64 `mapstructure:"EMA_INV_GAMMA" yaml:"EMA_INV_GAMMA"`
	EMAPower           float64 `mapstructure:"EMA_POWER" yaml:"EMA_POWER"`
	EMAUpdateAfterStep int     `mapstructure:"EMA_UPDATE_AFTER_STEP" yaml:"EMA_UPDATE_AFTER_STEP"`

	GradientAccumulationSteps int `mapstructure:"GRADIENT_ACCUMULATION_STEPS" yaml:"GRADIENT_ACCUMULATION_STEPS"`

	LogInterval     int `mapstructure:"LOG_INTERVAL" yaml:"LOG_INTERVAL"`
	SaveInterval    int `mapstructure:"SAVE_INTERVAL" yaml:"SAVE_INTERVAL"`
	SampleInterval  int `mapstructure:"SAMPLE_INTERVAL" yaml:"SAMPLE_INTERVAL"`
	MaxIter         int `mapstructure:"MAX_ITER" yaml:"MAX_ITER"`
	KeepCheckpoints int `mapstructure:"KEEP_CHECKPOINTS" yaml:"KEEP_CHECKPOINTS"`

	MixedPrecision string `mapstructure:"MIXED_PRECISION" yaml:"MIXED_PRECISION"`
	Resume         string `mapstructure:"RESUME" yaml:"RESUME"`
}

type HeunConfig struct {
	NumSteps int     `mapstructure:"NUM_STEPS" yaml:"NUM_STEPS"`
	SigmaMin float64 `mapstructure:"SIGMA_MIN" yaml:"SIGMA_MIN"`
	SigmaMax float64 `mapstructure:"SIGMA_MAX" yaml:"SIGMA_MAX"`
	Rho      float64 `mapstructure:"RHO" yaml:"RHO"`
	SChurn   float64 `mapstructure:"S_CHURN" yaml:"S_CHURN"`
	SMin     float64 `mapstructure:"S_MIN" yaml:"S_MIN"`
	SMax     float64 `mapstructure:"S_MAX" yaml:"S_MAX"`
	SNoise   float64 `mapstructure:"S_NOISE" yaml:"S_NOISE"`
}

type EvalConfig struct {
	BatchSize   int     `mapstructure:"BATCH_SIZE" yaml:"BATCH_SIZE"`
	SampleSteps int     `mapstructure:"SAMPLE_STEPS" yaml:"SAMPLE_STEPS"`
	Scheduler   string  `mapstructure:"SCHEDULER" yaml:"SCHEDULER"`
	ETA         float64 `mapstructure:"ETA" yaml:"ETA"`
	// Sampler selects the discrete scheduler pass or the Heun ODE sampler.
	Sampler string     `mapstructure:"SAMPLER" yaml:"SAMPLER"`
	Heun    HeunConfig `mapstructure:"HEUN" yaml:"HEUN"`
}

func Default() Config {
	return Config{
		ProjectDir:  "runs/makeup",
		ProjectName: "makeup",
		Model: ModelConfig{
			Name:         "pixelmlp",
			InChannels:   3,
			HiddenDim:    64,
			TimeEmbedDim: 32,
		},
		Data: DataConfig{
			Root:    "data",
			Shuffle: true,
			HFlip:   true,
		},
		Train: TrainConfig{
			ImageSize:   64,
			BatchSize:   16,
			TimeSteps:   1000,
			SampleSteps: 1000,
			NoiseScheduler: NoiseSchedulerConfig{
				Type:      diffusion.Linear,
				BetaStart: 0.0001,
				BetaEnd:   0.02,
				PredType:  "epsilon",
			},
			LR:                        1e-4,
			LRWarmup:                  500,
			WeightDecay:               1e-2,
			EMAMaxDecay:               0.9999,
			EMAInvGamma:               1,
			EMAPower:                  0.75,
			GradientAccumulationSteps: 1,
			LogInterval:               10,
			SaveInterval:              1000,
			SampleInterval:            1000,
			MaxIter:                   10000,
			MixedPrecision:            "no",
		},
		Eval: EvalConfig{
			BatchSize:   16,
			SampleSteps: 50,
			Scheduler:   "ddim",
			Sampler:     SamplerScheduler,
			Heun: HeunConfig{
				NumSteps: 256,
				SigmaMin: 0.002,
				SigmaMax: 80,
				Rho:      7,
				SChurn:   40,
				SMin:     0.05,
				SMax:     50,
				SNoise:   1,
			},
		},
	}
}

// toMap converts c to nested maps keyed like the config files.
func (c Config) toMap() (map[string]any, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func readFile(path string) (map[string]any, error) {
	m := make(map[string]any)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, &m); err != nil {
			var perr toml.ParseError
			if errors.As(err, &perr) {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
			}
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, ext)
	}

	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

// loadFile reads path and everything it inherits through _BASE_, merging
// each file over its bases in order.
func loadFile(path string, dst map[string]any, seen []string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	if slices.Contains(seen, abs) {
		return fmt.Errorf("%w: %s inherits from itself", ErrInvalidConfig, path)
	}
	seen = append(seen, abs)

	m, err := readFile(path)
	if err != nil {
		return err
	}

	var bases []string
	switch v := m[baseKey].(type) {
	case nil:
	case string:
		bases = []string{v}
	case []any:
		for _, b := range v {
			s, ok := b.(string)
			if !ok {
				return fmt.Errorf("%w: %s: %s entries must be strings", ErrInvalidConfig, path, baseKey)
			}
			bases = append(bases, s)
		}
	default:
		return fmt.Errorf("%w: %s: %s must be a path or list of paths", ErrInvalidConfig, path, baseKey)
	}
	delete(m, baseKey)

	for _, base := range bases {
		if !filepath.IsAbs(base) {
			base = filepath.Join(filepath.Dir(path), base)
		}

		slog.Debug("loading base config", "path", base, "from", path)
		if err := loadFile(base, dst, seen); err != nil {
			return err
		}
	}

	return merge(dst, m, "")
}

// merge copies src over dst. Every key must already exist in dst.
func merge(dst, src map[string]any, prefix string) error {
	for k, v := range src {
		key := prefix + k
		cur, ok := dst[k]
		if !ok {
			return fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, key)
		}

		if sub, ok := cur.(map[string]any); ok {
			vsub, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: %s must be a table", ErrInvalidConfig, key)
			}

			if err := merge(sub, vsub, key+"."); err != nil {
				return err
			}
			continue
		}

		if _, ok := v.(map[string]any); ok {
			return fmt.Errorf("%w: %s is not a table", ErrInvalidConfig, key)
		}
		dst[k] = v
	}
	return nil
}

// override applies KEY VALUE pairs such as TRAIN.LR 1e-4.
func override(m map[string]any, opts []string) error {
	if len(opts)%2 != 0 {
		return fmt.Errorf("%w: overrides must be KEY VALUE pairs, got %d values", ErrInvalidConfig, len(opts))
	}

	for i := 0; i < len(opts); i += 2 {
		key, value := opts[i], opts[i+1]

		parts := strings.Split(key, ".")
		cur := m
		for _, p := range parts[:len(parts)-1] {
			sub, ok := cur[p].(map[string]any)
			if !ok {
				return fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, key)
			}
			cur = sub
		}

		last := parts[len(parts)-1]
		old, ok := cur[last]
		if !ok {
			return fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, key)
		}

		if _, ok := old.(map[string]any); ok {
			return fmt.Errorf("%w: %s is a table", ErrInvalidConfig, key)
		}

		cur[last] = value
	}

	return nil
}

func decode(m map[string]any) (*Config, error) {
	var c Config
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &c,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}

	if err := d.Decode(m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &c, nil
}

// Load builds a config from the defaults, the file at path (if any) with
// its bases, the KEY VALUE overrides in opts and finally the MAKEUP_*
// environment.
func Load(path string, opts []string) (*Config, error) {
	m, err := Default().toMap()
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := loadFile(path, m, nil); err != nil {
			return nil, err
		}
	}

	if err := override(m, opts); err != nil {
		return nil, err
	}

	c, err := decode(m)
	if err != nil {
		return nil, err
	}

	if ProjectDir != "" {
		c.ProjectDir = ProjectDir
	}

	if SeedSet {
		c.Seed = Seed
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ProjectDir != "", "PROJECT_DIR must be set")
	check(c.Model.Name != "", "MODEL.NAME must be set")
	check(c.Model.InChannels == 1 || c.Model.InChannels == 3, "MODEL.IN_CHANNELS must be 1 or 3, got %d", c.Model.InChannels)
	check(c.Model.LabelDim >= 0, "MODEL.LABEL_DIM must not be negative, got %d", c.Model.LabelDim)

	t := c.Train
	check(t.ImageSize > 0, "TRAIN.IMAGE_SIZE must be positive, got %d", t.ImageSize)
	check(t.BatchSize > 0, "TRAIN.BATCH_SIZE must be positive, got %d", t.BatchSize)
	check(t.SampleSteps > 0, "TRAIN.SAMPLE_STEPS must be positive, got %d", t.SampleSteps)
	check(t.TimeSteps > 0 && t.TimeSteps <= t.SampleSteps, "TRAIN.TIME_STEPS must be in [1, TRAIN.SAMPLE_STEPS], got %d", t.TimeSteps)
	check(t.LR > 0, "TRAIN.LR must be positive, got %g", t.LR)
	check(t.LRWarmup >= 0, "TRAIN.LR_WARMUP must not be negative, got %d", t.LRWarmup)
	check(t.EMAMaxDecay > 0 && t.EMAMaxDecay <= 1, "TRAIN.EMA_MAX_DECAY must be in (0, 1], got %g", t.EMAMaxDecay)
	check(t.EMAMinDecay >= 0 && t.EMAMinDecay <= t.EMAMaxDecay, "TRAIN.EMA_MIN_DECAY must be in [0, TRAIN.EMA_MAX_DECAY], got %g", t.EMAMinDecay)
	check(t.EMAInvGamma > 0, "TRAIN.EMA_INV_GAMMA must be positive, got %g", t.EMAInvGamma)
	check(t.GradientAccumulationSteps > 0, "TRAIN.GRADIENT_ACCUMULATION_STEPS must be positive, got %d", t.GradientAccumulationSteps)
	check(t.LogInterval > 0, "TRAIN.LOG_INTERVAL must be positive, got %d", t.LogInterval)
	check(t.SaveInterval > 0, "TRAIN.SAVE_INTERVAL must be positive, got %d", t.SaveInterval)
	check(t.SampleInterval > 0, "TRAIN.SAMPLE_INTERVAL must be positive, got %d", t.SampleInterval)
	check(t.MaxIter > 0, "TRAIN.MAX_ITER must be positive, got %d", t.MaxIter)
	check(t.KeepCheckpoints >= 0, "TRAIN.KEEP_CHECKPOINTS must not be negative, got %d", t.KeepCheckpoints)

	if t.NoiseScheduler.PredType != "epsilon" {
		errs = append(errs, fmt.Errorf("TRAIN.NOISE_SCHEDULER.PRED_TYPE: %w: %q", diffusion.ErrUnsupportedPrediction, t.NoiseScheduler.PredType))
	}

	if _, err := ml.ParseDType(t.MixedPrecision); err != nil {
		errs = append(errs, fmt.Errorf("TRAIN.MIXED_PRECISION: %w", err))
	}

	e := c.Eval
	check(e.BatchSize > 0, "EVAL.BATCH_SIZE must be positive, got %d", e.BatchSize)
	check(e.SampleSteps > 0 && e.SampleSteps <= t.SampleSteps, "EVAL.SAMPLE_STEPS must be in [1, TRAIN.SAMPLE_STEPS], got %d", e.SampleSteps)
	check(e.Scheduler == "ddpm" || e.Scheduler == "ddim", "EVAL.SCHEDULER must be ddpm or ddim, got %q", e.Scheduler)
	check(e.ETA >= 0, "EVAL.ETA must not be negative, got %g", e.ETA)
	check(e.Sampler == SamplerScheduler || e.Sampler == SamplerHeun, "EVAL.SAMPLER must be %s or %s, got %q", SamplerScheduler, SamplerHeun, e.Sampler)
	check(e.Heun.NumSteps > 0, "EVAL.HEUN.NUM_STEPS must be positive, got %d", e.Heun.NumSteps)
	check(e.Heun.SigmaMin > 0 && e.Heun.SigmaMin <= e.Heun.SigmaMax, "EVAL.HEUN.SIGMA_MIN must be in (0, EVAL.HEUN.SIGMA_MAX], got %g", e.Heun.SigmaMin)
	check(e.Heun.Rho > 0, "EVAL.HEUN.RHO must be positive, got %g", e.Heun.Rho)
	check(e.Heun.SChurn >= 0, "EVAL.HEUN.S_CHURN must not be negative, got %g", e.Heun.SChurn)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	if t.GradientAccumulationSteps > 1 && t.SaveInterval%t.GradientAccumulationSteps != 0 {
		slog.Warn("TRAIN.SAVE_INTERVAL is not a multiple of TRAIN.GRADIENT_ACCUMULATION_STEPS; gradients accumulated since the last optimizer step are not checkpointed",
			"save_interval", t.SaveInterval, "accumulation_steps", t.GradientAccumulationSteps)
	}

	return nil
}

// Rows flattens the config into sorted KEY, VALUE pairs.
func (c Config) Rows() ([][]string, error) {
	m, err := c.toMap()
	if err != nil {
		return nil, err
	}

	var rows [][]string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		keys := maps.Keys(m)
		slices.Sort(keys)
		for _, k := range keys {
			if sub, ok := m[k].(map[string]any); ok {
				walk(prefix+k+".", sub)
				continue
			}
			rows = append(rows, []string{prefix + k, fmt.Sprint(m[k])})
		}
	}
	walk("", m)

	return rows, nil
}

// Show renders the config as a two column table.
func (c Config) Show(w io.Writer) error {
	rows, err := c.Rows()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"KEY", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
	return nil
}

// Write saves c as YAML to path.
func (c Config) Write(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, b, 0o644)
}
