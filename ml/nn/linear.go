package nn

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/makeup/ml"
)

// Linear computes y = x Wᵀ + b for rows of x.
type Linear struct {
	Weight *ml.Parameter
	Bias   *ml.Parameter
}

func NewLinear(name string, in, out int) *Linear {
	return &Linear{
		Weight: ml.NewParameter(name+".weight", true, out, in),
		Bias:   ml.NewParameter(name+".bias", true, out),
	}
}

func (m *Linear) In() int  { return m.Weight.Value.Dim(1) }
func (m *Linear) Out() int { return m.Weight.Value.Dim(0) }

func (m *Linear) Parameters() []*ml.Parameter {
	return []*ml.Parameter{m.Weight, m.Bias}
}

// Init draws weights and bias from U(-1/sqrt(in), 1/sqrt(in)).
func (m *Linear) Init(rng *rand.Rand) {
	bound := 1 / math.Sqrt(float64(m.In()))
	for _, p := range m.Parameters() {
		for i := range p.Value.Data {
			p.Value.Data[i] = (2*rng.Float64() - 1) * bound
		}
	}
}

func (m *Linear) weight() *mat.Dense {
	return mat.NewDense(m.Out(), m.In(), m.Weight.Value.Data)
}

func (m *Linear) Forward(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Mul(x, m.weight().T())

	rows, _ := y.Dims()
	for i := range rows {
		floats.Add(y.RawRowView(i), m.Bias.Value.Data)
	}

	return &y
}

// Backward accumulates the weight and bias gradients for input x and
// output gradient dy and returns the gradient with respect to x.
func (m *Linear) Backward(x, dy *mat.Dense) *mat.Dense {
	var dw mat.Dense
	dw.Mul(dy.T(), x)
	floats.Add(m.Weight.Grad.Data, dw.RawMatrix().Data)

	rows, _ := dy.Dims()
	for i := range rows {
		floats.Add(m.Bias.Grad.Data, dy.RawRowView(i))
	}

	var dx mat.Dense
	dx.Mul(dy, m.weight())
	return &dx
}
