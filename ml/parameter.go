package ml

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

var ErrStateDictMismatch = errors.New("state dict mismatch")

// Parameter is a named weight of a network. Grad has the same shape as
// Value and accumulates until it is zeroed.
type Parameter struct {
	Name      string
	Value     *Tensor
	Grad      *Tensor
	Trainable bool
}

func NewParameter(name string, trainable bool, shape ...int) *Parameter {
	return &Parameter{
		Name:      name,
		Value:     Zeros(shape...),
		Grad:      Zeros(shape...),
		Trainable: trainable,
	}
}

func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

func Trainables(params []*Parameter) []*Parameter {
	var out []*Parameter
	for _, p := range params {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// StateDict is a snapshot of tensors keyed by parameter name.
type StateDict map[string]*Tensor

// StateDictOf copies the current values of params.
func StateDictOf(params []*Parameter) StateDict {
	sd := make(StateDict, len(params))
	for _, p := range params {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// Keys returns the sorted names in sd.
func (sd StateDict) Keys() []string {
	keys := maps.Keys(sd)
	slices.Sort(keys)
	return keys
}

type LoadResult struct {
	Missing    []string
	Unexpected []string
	Mismatched []string
}

func (r LoadResult) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 && len(r.Mismatched) == 0
}

func (r LoadResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "missing_keys=%v unexpected_keys=%v", r.Missing, r.Unexpected)
	if len(r.Mismatched) > 0 {
		fmt.Fprintf(&b, " mismatched_keys=%v", r.Mismatched)
	}
	return b.String()
}

// LoadStateDict copies matching entries of sd into params. In strict mode
// any missing, unexpected or mismatched key is an error and nothing is
// copied. Otherwise matching keys are copied and the rest are reported.
func LoadStateDict(params []*Parameter, sd StateDict, strict bool) (LoadResult, error) {
	var res LoadResult
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
		t, ok := sd[p.Name]
		switch {
		case !ok:
			res.Missing = append(res.Missing, p.Name)
		case !SameShape(t, p.Value):
			res.Mismatched = append(res.Mismatched, p.Name)
		}
	}

	for _, k := range sd.Keys() {
		if !known[k] {
			res.Unexpected = append(res.Unexpected, k)
		}
	}

	if strict && !res.Clean() {
		return res, fmt.Errorf("%w: %s", ErrStateDictMismatch, res)
	}

	for _, p := range params {
		if t, ok := sd[p.Name]; ok && SameShape(t, p.Value) {
			copy(p.Value.Data, t.Data)
		}
	}

	return res, nil
}
