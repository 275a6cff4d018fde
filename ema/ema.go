// Package ema keeps an exponential moving average of network parameters.
package ema

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/ollama/makeup/ml"
)

var ErrParameterMismatch = errors.New("ema: parameters do not match shadow")

type Options struct {
	MaxDecay float64 // 0.9999
	MinDecay float64 // 0
	// UpdateAfterStep delays averaging; before it the shadow tracks the
	// parameters exactly.
	UpdateAfterStep int
	// UseWarmup selects 1-(1+step/InvGamma)^-Power over (1+step)/(10+step).
	UseWarmup bool
	InvGamma  float64 // 1.0
	Power     float64 // 2/3
}

func DefaultOptions() Options {
	return Options{MaxDecay: 0.9999, UseWarmup: true, InvGamma: 1, Power: 2.0 / 3.0}
}

// Model holds one shadow tensor per parameter name.
type Model struct {
	Options

	names  []string
	shadow map[string]*ml.Tensor
	stored map[string]*ml.Tensor

	// OptimizationStep counts calls to Step.
	OptimizationStep int
	// CurrentDecay is the decay used by the most recent Step.
	CurrentDecay float64
}

func New(params []*ml.Parameter, opts Options) *Model {
	m := &Model{Options: opts, shadow: make(map[string]*ml.Tensor, len(params))}
	for _, p := range params {
		m.names = append(m.names, p.Name)
		m.shadow[p.Name] = p.Value.Clone()
	}
	return m
}

// Decay returns the decay applied at the given optimisation step.
func (m *Model) Decay(step int) float64 {
	step = max(0, step-m.UpdateAfterStep-1)
	if step <= 0 {
		return 0
	}

	var decay float64
	if m.UseWarmup {
		decay = 1 - math.Pow(1+float64(step)/m.InvGamma, -m.Power)
	} else {
		decay = (1 + float64(step)) / (10 + float64(step))
	}

	return max(min(decay, m.MaxDecay), m.MinDecay)
}

func (m *Model) check(params []*ml.Parameter) error {
	if len(params) != len(m.names) {
		return fmt.Errorf("%w: %d parameters, %d shadows", ErrParameterMismatch, len(params), len(m.names))
	}

	for _, p := range params {
		s, ok := m.shadow[p.Name]
		if !ok {
			return fmt.Errorf("%w: no shadow for %q", ErrParameterMismatch, p.Name)
		}
		if !ml.SameShape(s, p.Value) {
			return fmt.Errorf("%w: %q has shape %v, shadow %v", ErrParameterMismatch, p.Name, p.Value.Shape, s.Shape)
		}
	}

	return nil
}

// Step folds the current parameters into the average. Trainable
// parameters move by (1-decay) towards their current value; the rest are
// copied.
func (m *Model) Step(params []*ml.Parameter) error {
	if err := m.check(params); err != nil {
		return err
	}

	m.OptimizationStep++
	m.CurrentDecay = m.Decay(m.OptimizationStep)
	oneMinusDecay := 1 - m.CurrentDecay

	for _, p := range params {
		s := m.shadow[p.Name]
		if !p.Trainable {
			copy(s.Data, p.Value.Data)
			continue
		}

		for i, v := range p.Value.Data {
			s.Data[i] -= oneMinusDecay * (s.Data[i] - v)
		}
	}

	return nil
}

// CopyTo overwrites the parameters with their averages.
func (m *Model) CopyTo(params []*ml.Parameter) error {
	if err := m.check(params); err != nil {
		return err
	}

	for _, p := range params {
		copy(p.Value.Data, m.shadow[p.Name].Data)
	}
	return nil
}

// Store snapshots the parameters so Restore can put them back.
func (m *Model) Store(params []*ml.Parameter) {
	m.stored = make(map[string]*ml.Tensor, len(params))
	for _, p := range params {
		m.stored[p.Name] = p.Value.Clone()
	}
}

// Restore writes back the values saved by Store and drops the snapshot.
func (m *Model) Restore(params []*ml.Parameter) error {
	if m.stored == nil {
		return errors.New("ema: restore without store")
	}

	for _, p := range params {
		s, ok := m.stored[p.Name]
		if !ok {
			return fmt.Errorf("%w: no stored value for %q", ErrParameterMismatch, p.Name)
		}
		copy(p.Value.Data, s.Data)
	}

	m.stored = nil
	return nil
}

// Swap runs fn with the averaged weights loaded into params and restores
// the live weights when fn returns or panics.
func (m *Model) Swap(params []*ml.Parameter, fn func() error) (err error) {
	if err := m.check(params); err != nil {
		return err
	}

	m.Store(params)
	defer func() {
		if rerr := m.Restore(params); err == nil {
			err = rerr
		}
	}()

	if err := m.CopyTo(params); err != nil {
		return err
	}

	return fn()
}

// Shadow returns the average for name.
func (m *Model) Shadow(name string) (*ml.Tensor, bool) {
	t, ok := m.shadow[name]
	return t, ok
}

func (m *Model) StateDict() ml.State {
	s := ml.NewState()
	for _, name := range m.names {
		s.Tensors[name] = m.shadow[name].Clone()
	}

	s.SetFloat("decay", m.MaxDecay)
	s.SetFloat("min_decay", m.MinDecay)
	s.SetInt("optimization_step", m.OptimizationStep)
	s.SetInt("update_after_step", m.UpdateAfterStep)
	s.Values["use_ema_warmup"] = strconv.FormatBool(m.UseWarmup)
	s.SetFloat("inv_gamma", m.InvGamma)
	s.SetFloat("power", m.Power)
	s.SetFloat("cur_decay_value", m.CurrentDecay)
	return s
}

// LoadStateDict restores shadows, the step counter and hyperparameters.
func (m *Model) LoadStateDict(s ml.State) error {
	for _, name := range m.names {
		t, err := s.Tensor(name)
		if err != nil {
			return fmt.Errorf("ema: %w", err)
		}
		if !ml.SameShape(t, m.shadow[name]) {
			return fmt.Errorf("%w: %q has shape %v in state, shadow %v", ErrParameterMismatch, name, t.Shape, m.shadow[name].Shape)
		}
	}

	if len(s.Tensors) != len(m.names) {
		return fmt.Errorf("%w: state has %d shadows, model has %d", ErrParameterMismatch, len(s.Tensors), len(m.names))
	}

	var opts Options
	var step int
	var curDecay float64
	var err error
	float := func(key string, dst *float64) {
		if err == nil {
			*dst, err = s.Float(key)
		}
	}
	integer := func(key string, dst *int) {
		if err == nil {
			*dst, err = s.Int(key)
		}
	}

	float("decay", &opts.MaxDecay)
	float("min_decay", &opts.MinDecay)
	integer("optimization_step", &step)
	integer("update_after_step", &opts.UpdateAfterStep)
	float("inv_gamma", &opts.InvGamma)
	float("power", &opts.Power)
	float("cur_decay_value", &curDecay)
	if err == nil {
		opts.UseWarmup, err = strconv.ParseBool(s.Values["use_ema_warmup"])
	}
	if err != nil {
		return fmt.Errorf("ema: %w", err)
	}

	for _, name := range m.names {
		copy(m.shadow[name].Data, s.Tensors[name].Data)
	}

	m.Options = opts
	m.OptimizationStep = step
	m.CurrentDecay = curDecay
	return nil
}
