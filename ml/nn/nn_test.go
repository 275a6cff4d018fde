package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// loss is sum(silu(linear(x))) so dy is all ones.
func loss(l *Linear, x *mat.Dense) float64 {
	return mat.Sum(SiLU(l.Forward(x)))
}

func TestLinearGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewLinear("fc", 3, 2)
	l.Init(rng)

	x := mat.NewDense(4, 3, nil)
	for i := range 4 {
		for j := range 3 {
			x.Set(i, j, rng.NormFloat64())
		}
	}

	h := l.Forward(x)
	ones := mat.NewDense(4, 2, nil)
	ones.Apply(func(_, _ int, _ float64) float64 { return 1 }, ones)
	dh := SiLUBackward(h, ones)
	dx := l.Backward(x, dh)

	const eps = 1e-6
	for _, p := range l.Parameters() {
		for i := range p.Value.Data {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			up := loss(l, x)
			p.Value.Data[i] = orig - eps
			down := loss(l, x)
			p.Value.Data[i] = orig

			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, p.Grad.Data[i], 1e-6, "%s[%d]", p.Name, i)
		}
	}

	for i := range 4 {
		for j := range 3 {
			orig := x.At(i, j)
			x.Set(i, j, orig+eps)
			up := loss(l, x)
			x.Set(i, j, orig-eps)
			down := loss(l, x)
			x.Set(i, j, orig)

			assert.InDelta(t, (up-down)/(2*eps), dx.At(i, j), 1e-6)
		}
	}
}

func TestTimestepEmbedding(t *testing.T) {
	freqs := TimestepFrequencies(4)
	assert.InDeltaSlice(t, []float64{1, 0.01}, freqs, 1e-12)

	emb := TimestepEmbedding([]int{0, 10}, freqs, 4)
	assert.Equal(t, []float64{0, 0, 1, 1}, emb.RawRowView(0))

	row := emb.RawRowView(1)
	want := []float64{math.Sin(10), math.Sin(0.1), math.Cos(10), math.Cos(0.1)}
	if !floats.EqualApprox(want, row, 1e-12) {
		t.Errorf("embedding row: want %v, got %v", want, row)
	}
}
