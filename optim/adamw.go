// Package optim implements the AdamW optimizer and learning rate schedules
// used for training.
package optim

import (
	"fmt"
	"math"

	"github.com/ollama/makeup/ml"
)

type AdamWOptions struct {
	LR          float64
	Beta1       float64 // 0.9
	Beta2       float64 // 0.999
	Eps         float64 // 1e-8
	WeightDecay float64 // 1e-2
}

func DefaultAdamWOptions() AdamWOptions {
	return AdamWOptions{LR: 1e-3, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 1e-2}
}

// AdamW is Adam with decoupled weight decay. Only trainable parameters are
// updated.
type AdamW struct {
	AdamWOptions

	params   []*ml.Parameter
	expAvg   map[string]*ml.Tensor
	expAvgSq map[string]*ml.Tensor

	// Steps counts applied updates.
	Steps int
}

func NewAdamW(params []*ml.Parameter, opts AdamWOptions) *AdamW {
	o := &AdamW{
		AdamWOptions: opts,
		params:       ml.Trainables(params),
		expAvg:       make(map[string]*ml.Tensor),
		expAvgSq:     make(map[string]*ml.Tensor),
	}

	for _, p := range o.params {
		o.expAvg[p.Name] = ml.Zeros(p.Value.Shape...)
		o.expAvgSq[p.Name] = ml.Zeros(p.Value.Shape...)
	}

	return o
}

func (o *AdamW) Params() []*ml.Parameter {
	return o.params
}

func (o *AdamW) SetLR(lr float64) {
	o.LR = lr
}

// Step applies one update using the accumulated gradients.
func (o *AdamW) Step() {
	o.Steps++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.Steps))
	bc2Sqrt := math.Sqrt(1 - math.Pow(o.Beta2, float64(o.Steps)))
	stepSize := o.LR / bc1
	decay := 1 - o.LR*o.WeightDecay

	for _, p := range o.params {
		m, v := o.expAvg[p.Name].Data, o.expAvgSq[p.Name].Data
		w := p.Value.Data
		for i, g := range p.Grad.Data {
			w[i] *= decay
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			w[i] -= stepSize * m[i] / (math.Sqrt(v[i])/bc2Sqrt + o.Eps)
		}
	}
}

func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *AdamW) StateDict() ml.State {
	s := ml.NewState()
	for _, p := range o.params {
		s.Tensors["exp_avg/"+p.Name] = o.expAvg[p.Name].Clone()
		s.Tensors["exp_avg_sq/"+p.Name] = o.expAvgSq[p.Name].Clone()
	}

	s.SetInt("step", o.Steps)
	s.SetFloat("lr", o.LR)
	s.SetFloat("beta1", o.Beta1)
	s.SetFloat("beta2", o.Beta2)
	s.SetFloat("eps", o.Eps)
	s.SetFloat("weight_decay", o.WeightDecay)
	return s
}

func (o *AdamW) LoadStateDict(s ml.State) error {
	expAvg := make(map[string]*ml.Tensor, len(o.params))
	expAvgSq := make(map[string]*ml.Tensor, len(o.params))
	for _, p := range o.params {
		for key, dst := range map[string]map[string]*ml.Tensor{"exp_avg/": expAvg, "exp_avg_sq/": expAvgSq} {
			t, err := s.Tensor(key + p.Name)
			if err != nil {
				return fmt.Errorf("adamw: %w", err)
			}
			if !ml.SameShape(t, p.Value) {
				return fmt.Errorf("adamw: %w: %s%s is %v, parameter is %v", ml.ErrShapeMismatch, key, p.Name, t.Shape, p.Value.Shape)
			}
			dst[p.Name] = t.Clone()
		}
	}

	opts := o.AdamWOptions
	step, err := s.Int("step")
	if err != nil {
		return fmt.Errorf("adamw: %w", err)
	}

	for key, dst := range map[string]*float64{
		"lr":           &opts.LR,
		"beta1":        &opts.Beta1,
		"beta2":        &opts.Beta2,
		"eps":          &opts.Eps,
		"weight_decay": &opts.WeightDecay,
	} {
		if *dst, err = s.Float(key); err != nil {
			return fmt.Errorf("adamw: %w", err)
		}
	}

	o.expAvg, o.expAvgSq = expAvg, expAvgSq
	o.AdamWOptions = opts
	o.Steps = step
	return nil
}
