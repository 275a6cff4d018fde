package sample

import (
	"context"
	"errors"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/ollama/makeup/diffusion"
	"github.com/ollama/makeup/ml"
	"github.com/ollama/makeup/model"
	_ "github.com/ollama/makeup/model/models"
)

// constant always predicts the same clean image.
type constant struct {
	out    *ml.Tensor
	calls  int
	sigmas []float64
}

func (c *constant) Denoise(x *ml.Tensor, sigma float64, _ *ml.Tensor) (*ml.Tensor, error) {
	c.calls++
	c.sigmas = append(c.sigmas, sigma)
	return c.out.Clone(), nil
}

func (c *constant) RoundSigma(sigma float64) float64 { return sigma }
func (c *constant) SigmaMin() float64                { return 0.01 }
func (c *constant) SigmaMax() float64                { return 10 }

// zeroNet predicts no noise at all.
type zeroNet struct{ calls int }

func (z *zeroNet) Forward(in ml.Input) (*ml.Tensor, error) {
	z.calls++
	return ml.Zeros(in.Sample.Shape...), nil
}

func (z *zeroNet) Parameters() []*ml.Parameter { return nil }

func TestSteps(t *testing.T) {
	den := &constant{}
	opts := DefaultHeunOptions()
	opts.NumSteps = 8

	steps, err := Steps(den, opts)
	require.NoError(t, err)
	require.Len(t, steps, 9)

	assert.InDelta(t, 10, steps[0], 1e-12, "sigma_max is clamped to the denoiser range")
	assert.InDelta(t, 0.01, steps[7], 1e-12)
	assert.Equal(t, 0.0, steps[8])
	for i := 1; i < len(steps); i++ {
		assert.Less(t, steps[i], steps[i-1])
	}

	opts.NumSteps = 0
	_, err = Steps(den, opts)
	assert.Error(t, err)
}

func TestHeunSingleStep(t *testing.T) {
	out := ml.Full(0.25, 2, 1, 2, 2)
	den := &constant{out: out}

	opts := DefaultHeunOptions()
	opts.NumSteps = 1
	opts.SChurn = 0

	latents := ml.Randn(rand.New(rand.NewSource(1)), 2, 1, 2, 2)
	x, err := Heun(context.Background(), den, latents, nil, nil, opts, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, den.calls, "a single step is one Euler step without correction")
	assert.Equal(t, []float64{10}, den.sigmas)
	assert.InDeltaSlice(t, out.Data, x.Data, 1e-12)
}

func TestHeunCallCount(t *testing.T) {
	den := &constant{out: ml.Zeros(1, 1, 1, 1)}

	opts := DefaultHeunOptions()
	opts.NumSteps = 5
	opts.SChurn = 0

	var reported []int
	_, err := Heun(context.Background(), den, ml.Full(1, 1, 1, 1, 1), nil, nil, opts, func(step, total int) {
		assert.Equal(t, 5, total)
		reported = append(reported, step)
	})
	require.NoError(t, err)
	assert.Equal(t, 9, den.calls)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, reported)
}

func TestHeunChurnNeedsRandomSource(t *testing.T) {
	_, err := Heun(context.Background(), &constant{out: ml.Zeros(1, 1, 1, 1)}, ml.Zeros(1, 1, 1, 1), nil, nil, DefaultHeunOptions(), nil)
	assert.Error(t, err)
}

func TestHeunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := DefaultHeunOptions()
	opts.SChurn = 0
	_, err := Heun(ctx, &constant{out: ml.Zeros(1, 1, 1, 1)}, ml.Zeros(1, 1, 1, 1), nil, nil, opts, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func testDenoiser(t *testing.T) *EpsilonDenoiser {
	t.Helper()

	net, err := model.New(model.Config{Name: "pixelmlp", InChannels: 3, LabelDim: 2, HiddenDim: 8, TimeEmbedDim: 4, Seed: 7})
	require.NoError(t, err)

	s, err := diffusion.New(diffusion.DefaultConfig())
	require.NoError(t, err)

	return NewEpsilonDenoiser(net, s)
}

func TestHeunDeterministic(t *testing.T) {
	den := testDenoiser(t)
	labels := SplitLabels(2, 2)

	run := func(churn float64) *ml.Tensor {
		rng := rand.New(rand.NewSource(42))
		opts := DefaultHeunOptions()
		opts.NumSteps = 6
		opts.SChurn = churn

		x, err := Heun(context.Background(), den, ml.Randn(rng, 2, 3, 4, 4), labels, rng, opts, nil)
		require.NoError(t, err)
		require.True(t, x.Finite())
		return x
	}

	assert.Equal(t, run(0).Data, run(0).Data)
	assert.Equal(t, run(40).Data, run(40).Data)
	assert.NotEqual(t, run(0).Data, run(40).Data)
}

func TestEpsilonDenoiser(t *testing.T) {
	s, err := diffusion.New(diffusion.DefaultConfig())
	require.NoError(t, err)

	net := &zeroNet{}
	den := NewEpsilonDenoiser(net, s)

	sigmas := s.Sigmas()
	assert.Equal(t, sigmas[0], den.SigmaMin())
	assert.Equal(t, sigmas[len(sigmas)-1], den.SigmaMax())

	assert.Equal(t, sigmas[0], den.RoundSigma(0))
	assert.Equal(t, sigmas[999], den.RoundSigma(1e6))
	assert.Equal(t, sigmas[500], den.RoundSigma(sigmas[500]*1.0000001))
	assert.Equal(t, 500, den.timestep(sigmas[500]))

	x := ml.Full(0.5, 1, 1, 2, 2)
	d, err := den.Denoise(x, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, x.Data, d.Data, "zero noise prediction leaves x unchanged")
	assert.Equal(t, 1, net.calls)
}

func TestSchedulerSampler(t *testing.T) {
	s, err := diffusion.New(diffusion.DefaultConfig())
	require.NoError(t, err)

	x := ml.Randn(rand.New(rand.NewSource(3)), 2, 1, 2, 2)

	for _, method := range []string{DDPM, DDIM} {
		t.Run(method, func(t *testing.T) {
			net := &zeroNet{}
			var steps int
			out, err := Scheduler(context.Background(), net, s, x, nil, nil, rand.New(rand.NewSource(1)), SchedulerOptions{Method: method, Steps: 10}, func(step, total int) {
				steps = step
				assert.Equal(t, 10, total)
			})
			require.NoError(t, err)
			assert.Equal(t, 10, net.calls)
			assert.Equal(t, 10, steps)
			assert.Equal(t, x.Shape, out.Shape)
			assert.True(t, out.Finite())
		})
	}

	_, err = Scheduler(context.Background(), &zeroNet{}, s, x, nil, nil, nil, SchedulerOptions{Method: "euler", Steps: 10}, nil)
	assert.Error(t, err)
}

func TestLabels(t *testing.T) {
	assert.Nil(t, SplitLabels(4, 0))
	assert.Nil(t, RandomLabels(rand.New(rand.NewSource(1)), 4, 0))

	labels := SplitLabels(5, 2)
	assert.Equal(t, []int{5, 2}, labels.Shape)
	assert.Equal(t, []float64{1, 0, 1, 0, 0, 1, 0, 1, 0, 1}, labels.Data)

	random := RandomLabels(rand.New(rand.NewSource(1)), 16, 3)
	for i := range 16 {
		row := random.Item(i)
		hot := slices.Index(row, 1)
		require.GreaterOrEqual(t, hot, 0)
		assert.Equal(t, make([]float64, 2), slices.Delete(slices.Clone(row), hot, hot+1))
	}
}

func TestGridShape(t *testing.T) {
	cases := map[int][2]int{1: {1, 1}, 3: {1, 3}, 4: {1, 4}, 6: {1, 6}, 8: {2, 4}, 16: {4, 4}}
	for n, want := range cases {
		rows, cols := GridShape(n)
		assert.Equal(t, want, [2]int{rows, cols}, "n=%d", n)
	}
}

func TestGrid(t *testing.T) {
	// eight 1x2 RGB images, image i filled with a distinct level
	x := ml.Zeros(8, 3, 1, 2)
	for i := range 8 {
		for j := range x.Item(i) {
			x.Item(i)[j] = -1 + float64(i)/4
		}
	}
	x.Item(7)[0] = 5

	img, err := Grid(x, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	for i := range 8 {
		row, col := i/4, i%4
		r, g, b, a := img.At(col*2+1, row).RGBA()
		want := uint32(toPixel(-1 + float64(i)/4))
		assert.Equal(t, [4]uint32{want, want, want, 255}, [4]uint32{r >> 8, g >> 8, b >> 8, a >> 8}, "image %d", i)
	}

	r, _, _, _ := img.At(6, 1).RGBA()
	assert.Equal(t, uint32(255), r>>8, "values are clipped")

	_, err = Grid(x, 3, 3)
	assert.ErrorIs(t, err, ml.ErrShapeMismatch)

	_, err = Grid(ml.Zeros(1, 2, 1, 1), 1, 1)
	assert.Error(t, err)
}

func TestPixelMapping(t *testing.T) {
	assert.Equal(t, uint8(0), toPixel(-1.5))
	assert.Equal(t, uint8(0), toPixel(-1))
	assert.Equal(t, uint8(128), toPixel(0))
	assert.Equal(t, uint8(255), toPixel(1))
	assert.Equal(t, uint8(255), toPixel(math.Inf(1)))
	assert.Equal(t, uint8(0), toPixel(math.Inf(-1)))
	assert.Equal(t, uint8(0), toPixel(math.NaN()))
}

func TestSaveGrid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generate", "iter_010.png")
	require.NoError(t, SaveGrid(path, ml.Zeros(3, 1, 2, 2)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
