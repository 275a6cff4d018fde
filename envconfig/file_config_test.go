package envconfig

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/makeup/diffusion"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MAKEUP_PROJECT_DIR", "")
	t.Setenv("MAKEUP_SEED", "")
	LoadConfig()
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	c, err := Load("", nil)
	require.NoError(t, err)

	want := Default()
	if diff := cmp.Diff(&want, c); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadYAMLWithBase(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	writeFile(t, dir, "base/common.yaml", `
PROJECT_NAME: common
MODEL:
  LABEL_DIM: 2
TRAIN:
  LR: 0.0002
  MAX_ITER: 50
`)

	path := writeFile(t, dir, "exp.yaml", `
_BASE_: base/common.yaml
PROJECT_DIR: runs/exp
TRAIN:
  MAX_ITER: 100
  NOISE_SCHEDULER:
    TYPE: squaredcos_cap_v2
`)

	c, err := Load(path, []string{"TRAIN.LR", "3e-4", "EVAL.SCHEDULER", "ddpm", "DATA.SHUFFLE", "false"})
	require.NoError(t, err)

	assert.Equal(t, "common", c.ProjectName)
	assert.Equal(t, "runs/exp", c.ProjectDir)
	assert.Equal(t, 2, c.Model.LabelDim)
	assert.Equal(t, 100, c.Train.MaxIter, "child overrides base")
	assert.Equal(t, 3e-4, c.Train.LR, "opts override files")
	assert.Equal(t, diffusion.SquaredCosCapV2, c.Train.NoiseScheduler.Type)
	assert.Equal(t, 0.02, c.Train.NoiseScheduler.BetaEnd, "untouched keys keep defaults")
	assert.Equal(t, "ddpm", c.Eval.Scheduler)
	assert.False(t, c.Data.Shuffle)
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	writeFile(t, dir, "base.yaml", "SEED: 7\n")
	path := writeFile(t, dir, "exp.toml", `
_BASE_ = ["base.yaml"]

[TRAIN]
GRADIENT_ACCUMULATION_STEPS = 4
SAVE_INTERVAL = 8
MIXED_PRECISION = "bf16"

[EVAL.HEUN]
S_CHURN = 0.0
`)

	c, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), c.Seed)
	assert.Equal(t, 4, c.Train.GradientAccumulationSteps)
	assert.Equal(t, "bf16", c.Train.MixedPrecision)
	assert.Equal(t, 0.0, c.Eval.Heun.SChurn)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("MAKEUP_PROJECT_DIR", "/tmp/elsewhere")
	t.Setenv("MAKEUP_SEED", "99")
	LoadConfig()
	t.Cleanup(func() {
		os.Unsetenv("MAKEUP_PROJECT_DIR")
		os.Unsetenv("MAKEUP_SEED")
		LoadConfig()
	})

	c, err := Load("", []string{"SEED", "1"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/elsewhere", c.ProjectDir)
	assert.Equal(t, uint64(99), c.Seed)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cases := map[string]struct {
		file string
		body string
		opts []string
	}{
		"unknown file key":   {file: "a.yaml", body: "TRAIN:\n  LEARNING_RATE: 1\n"},
		"unknown opt key":    {opts: []string{"TRAIN.NOPE", "1"}},
		"odd opts":           {opts: []string{"TRAIN.LR"}},
		"table opt":          {opts: []string{"TRAIN", "1"}},
		"bad value":          {opts: []string{"TRAIN.MAX_ITER", "many"}},
		"scalar for table":   {file: "b.yaml", body: "TRAIN: 3\n"},
		"self inheritance":   {file: "c.yaml", body: "_BASE_: c.yaml\n"},
		"unsupported format": {file: "d.json", body: "{}"},
		"time steps":         {opts: []string{"TRAIN.TIME_STEPS", "2000"}},
		"eval steps":         {opts: []string{"EVAL.SAMPLE_STEPS", "0"}},
		"precision":          {opts: []string{"TRAIN.MIXED_PRECISION", "fp8"}},
		"sampler":            {opts: []string{"EVAL.SAMPLER", "euler"}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var path string
			if tc.file != "" {
				path = writeFile(t, dir, tc.file, tc.body)
			}

			_, err := Load(path, tc.opts)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestUnsupportedPrediction(t *testing.T) {
	clearEnv(t)

	_, err := Load("", []string{"TRAIN.NOISE_SCHEDULER.PRED_TYPE", "v_prediction"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, diffusion.ErrUnsupportedPrediction)
}

func TestShowAndWrite(t *testing.T) {
	clearEnv(t)
	c := Default()

	var buf bytes.Buffer
	require.NoError(t, c.Show(&buf))
	assert.Contains(t, buf.String(), "TRAIN.NOISE_SCHEDULER.BETA_END")
	assert.Contains(t, buf.String(), "EVAL.HEUN.S_CHURN")

	rows, err := c.Rows()
	require.NoError(t, err)
	assert.Equal(t, []string{"DATA.HFLIP", "true"}, rows[0])

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, c.Write(path))

	got, err := Load(path, nil)
	require.NoError(t, err)
	if diff := cmp.Diff(&c, got); diff != "" {
		t.Errorf("written config does not load back (-want +got):\n%s", diff)
	}
}
