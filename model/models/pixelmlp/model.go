// Package pixelmlp is a small noise prediction network that applies the
// same MLP to every pixel, conditioned on a sinusoidal timestep embedding
// and an optional one-hot class label.
package pixelmlp

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/makeup/ml"
	"github.com/ollama/makeup/ml/nn"
	"github.com/ollama/makeup/model"
)

type Model struct {
	model.Config

	Freqs *ml.Parameter
	FC1   *nn.Linear
	FC2   *nn.Linear
	FC3   *nn.Linear
}

func New(c model.Config) (ml.Trainable, error) {
	if c.TimeEmbedDim < 2 {
		return nil, fmt.Errorf("pixelmlp: time_embed_dim must be at least 2, got %d", c.TimeEmbedDim)
	}
	if c.HiddenDim < 1 {
		return nil, fmt.Errorf("pixelmlp: hidden_dim must be positive, got %d", c.HiddenDim)
	}

	in := c.InChannels + c.TimeEmbedDim + c.LabelDim
	m := &Model{
		Config: c,
		Freqs:  ml.NewParameter("time_embed.freqs", false, c.TimeEmbedDim/2),
		FC1:    nn.NewLinear("mlp.0", in, c.HiddenDim),
		FC2:    nn.NewLinear("mlp.2", c.HiddenDim, c.HiddenDim),
		FC3:    nn.NewLinear("mlp.4", c.HiddenDim, c.InChannels),
	}

	copy(m.Freqs.Value.Data, nn.TimestepFrequencies(c.TimeEmbedDim))

	rng := rand.New(rand.NewSource(c.Seed))
	m.FC1.Init(rng)
	m.FC2.Init(rng)
	m.FC3.Init(rng)

	return m, nil
}

func (m *Model) Parameters() []*ml.Parameter {
	params := []*ml.Parameter{m.Freqs}
	params = append(params, m.FC1.Parameters()...)
	params = append(params, m.FC2.Parameters()...)
	return append(params, m.FC3.Parameters()...)
}

// features lays the input out as one row per pixel:
// [channels..., timestep embedding..., label...].
func (m *Model) features(in ml.Input) (*mat.Dense, error) {
	x := in.Sample
	if len(x.Shape) != 4 || x.Dim(1) != m.InChannels {
		return nil, fmt.Errorf("%w: pixelmlp expects (B, %d, H, W), got %v", ml.ErrShapeMismatch, m.InChannels, x.Shape)
	}

	b, c, hw := x.Dim(0), x.Dim(1), x.Dim(2)*x.Dim(3)
	if len(in.Timesteps) != b {
		return nil, fmt.Errorf("%w: %d timesteps for batch of %d", ml.ErrShapeMismatch, len(in.Timesteps), b)
	}

	if in.Labels != nil && m.LabelDim > 0 && (in.Labels.Batch() != b || in.Labels.Len() != b*m.LabelDim) {
		return nil, fmt.Errorf("%w: labels %v for batch of %d with label_dim %d", ml.ErrShapeMismatch, in.Labels.Shape, b, m.LabelDim)
	}

	temb := nn.TimestepEmbedding(in.Timesteps, m.Freqs.Value.Data, m.TimeEmbedDim)

	width := c + m.TimeEmbedDim + m.LabelDim
	feats := mat.NewDense(b*hw, width, nil)
	for i := range b {
		item := x.Item(i)
		for p := range hw {
			row := feats.RawRowView(i*hw + p)
			for ch := range c {
				row[ch] = item[ch*hw+p]
			}
			copy(row[c:], temb.RawRowView(i))
			if in.Labels != nil && m.LabelDim > 0 {
				copy(row[c+m.TimeEmbedDim:], in.Labels.Item(i))
			}
		}
	}

	return feats, nil
}

// unflatten converts one row per pixel back to (B, C, H, W).
func unflatten(y *mat.Dense, shape []int) *ml.Tensor {
	out := ml.Zeros(shape...)
	c, hw := shape[1], shape[2]*shape[3]
	for i := range shape[0] {
		item := out.Item(i)
		for p := range hw {
			row := y.RawRowView(i*hw + p)
			for ch := range c {
				item[ch*hw+p] = row[ch]
			}
		}
	}
	return out
}

// flatten is the inverse of unflatten.
func flatten(t *ml.Tensor) *mat.Dense {
	b, c, hw := t.Dim(0), t.Dim(1), t.Dim(2)*t.Dim(3)
	y := mat.NewDense(b*hw, c, nil)
	for i := range b {
		item := t.Item(i)
		for p := range hw {
			row := y.RawRowView(i*hw + p)
			for ch := range c {
				row[ch] = item[ch*hw+p]
			}
		}
	}
	return y
}

func (m *Model) Forward(in ml.Input) (*ml.Tensor, error) {
	out, _, err := m.Backprop(in)
	return out, err
}

func (m *Model) Backprop(in ml.Input) (*ml.Tensor, ml.Gradient, error) {
	x, err := m.features(in)
	if err != nil {
		return nil, nil, err
	}

	h1 := m.FC1.Forward(x)
	a1 := nn.SiLU(h1)
	h2 := m.FC2.Forward(a1)
	a2 := nn.SiLU(h2)
	y := m.FC3.Forward(a2)

	shape := in.Sample.Shape
	out := unflatten(y, shape)

	grad := func(dout *ml.Tensor) error {
		if !ml.SameShape(dout, out) {
			return fmt.Errorf("%w: output gradient %v for output %v", ml.ErrShapeMismatch, dout.Shape, out.Shape)
		}

		dy := flatten(dout)
		da2 := m.FC3.Backward(a2, dy)
		da1 := m.FC2.Backward(a1, nn.SiLUBackward(h2, da2))
		m.FC1.Backward(x, nn.SiLUBackward(h1, da1))
		return nil
	}

	return out, grad, nil
}

func init() {
	model.Register("pixelmlp", New)
}
