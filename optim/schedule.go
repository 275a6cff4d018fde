package optim

import (
	"fmt"

	"github.com/ollama/makeup/ml"
)

// Schedule drives the learning rate of an optimizer. Step is called once
// per optimizer step.
type Schedule interface {
	LR() float64
	Step()
	StateDict() ml.State
	LoadStateDict(ml.State) error
}

type lrSetter interface {
	SetLR(float64)
}

// LambdaSchedule sets lr = base * factor(epoch), where epoch starts at 0 on
// construction and increases by one per Step.
type LambdaSchedule struct {
	BaseLR    float64
	LastEpoch int

	factor func(int) float64
	opt    lrSetter
}

func NewLambdaSchedule(opt lrSetter, baseLR float64, factor func(int) float64) *LambdaSchedule {
	s := &LambdaSchedule{BaseLR: baseLR, factor: factor, opt: opt}
	s.opt.SetLR(s.LR())
	return s
}

// NewConstantWithWarmup ramps the learning rate linearly from 0 to baseLR
// over warmup steps and keeps it constant afterwards.
func NewConstantWithWarmup(opt lrSetter, baseLR float64, warmup int) *LambdaSchedule {
	return NewLambdaSchedule(opt, baseLR, func(step int) float64 {
		if step < warmup {
			return float64(step) / float64(max(1, warmup))
		}
		return 1
	})
}

func (s *LambdaSchedule) LR() float64 {
	return s.BaseLR * s.factor(s.LastEpoch)
}

func (s *LambdaSchedule) Step() {
	s.LastEpoch++
	s.opt.SetLR(s.LR())
}

func (s *LambdaSchedule) StateDict() ml.State {
	st := ml.NewState()
	st.SetInt("last_epoch", s.LastEpoch)
	st.SetFloat("base_lr", s.BaseLR)
	st.SetFloat("last_lr", s.LR())
	return st
}

func (s *LambdaSchedule) LoadStateDict(st ml.State) error {
	epoch, err := st.Int("last_epoch")
	if err != nil {
		return fmt.Errorf("lr schedule: %w", err)
	}

	base, err := st.Float("base_lr")
	if err != nil {
		return fmt.Errorf("lr schedule: %w", err)
	}

	s.LastEpoch, s.BaseLR = epoch, base
	s.opt.SetLR(s.LR())
	return nil
}
