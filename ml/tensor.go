package ml

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense row-major array. The first dimension is the batch
// dimension for activations.
type Tensor struct {
	Shape []int
	Data  []float64
}

func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrShapeMismatch, shape, n, len(data))
	}

	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float64, numel(shape))}
}

func Full(v float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Randn draws a tensor of independent standard normal values.
func Randn(rng *rand.Rand, shape ...int) *Tensor {
	t := Zeros(shape...)
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	for i := range t.Data {
		t.Data[i] = n.Rand()
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Batch returns the size of the leading dimension.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// CopyFrom overwrites t with the values of src. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !SameShape(t, src) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numel(shape) != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.Shape, shape)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: t.Data}, nil
}

// Item returns the i-th element along the batch dimension as a view.
func (t *Tensor) Item(i int) []float64 {
	stride := len(t.Data) / t.Batch()
	return t.Data[i*stride : (i+1)*stride]
}

// Slice returns elements [from, to) along the batch dimension as a view.
func (t *Tensor) Slice(from, to int) *Tensor {
	stride := len(t.Data) / t.Batch()
	shape := slices.Clone(t.Shape)
	shape[0] = to - from
	return &Tensor{Shape: shape, Data: t.Data[from*stride : to*stride]}
}

func (t *Tensor) Zero() {
	clear(t.Data)
}

func (t *Tensor) Scale(c float64) {
	floats.Scale(c, t.Data)
}

// AddScaled sets t = t + c*o.
func (t *Tensor) AddScaled(c float64, o *Tensor) {
	floats.AddScaled(t.Data, c, o.Data)
}

func (t *Tensor) Clamp(lo, hi float64) {
	for i, v := range t.Data {
		t.Data[i] = math.Max(lo, math.Min(hi, v))
	}
}

// Finite reports whether every element is neither NaN nor infinite.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

// Concat joins tensors along the batch dimension.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("concat of zero tensors")
	}

	shape := slices.Clone(ts[0].Shape)
	var data []float64
	for i, t := range ts {
		if !slices.Equal(t.Shape[1:], shape[1:]) {
			return nil, fmt.Errorf("%w: concat element %d has shape %v, want [_ %v]", ErrShapeMismatch, i, t.Shape, shape[1:])
		}
		if i > 0 {
			shape[0] += t.Shape[0]
		}
		data = append(data, t.Data...)
	}

	return &Tensor{Shape: shape, Data: data}, nil
}

// MeanSquaredError returns mean((a-b)^2) and the gradient of that mean
// with respect to a.
func MeanSquaredError(a, b *Tensor) (float64, *Tensor, error) {
	if !SameShape(a, b) {
		return 0, nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}

	grad := Zeros(a.Shape...)
	floats.SubTo(grad.Data, a.Data, b.Data)
	n := float64(len(a.Data))
	loss := floats.Dot(grad.Data, grad.Data) / n
	floats.Scale(2/n, grad.Data)
	return loss, grad, nil
}
