package ml

import (
	"fmt"
	"strconv"
)

// State is the serialisable state of a stateful component such as an
// optimizer or an EMA tracker. Scalars are kept as strings formatted with
// the shortest exact representation so they survive a round trip unchanged.
type State struct {
	Tensors map[string]*Tensor
	Values  map[string]string
}

func NewState() State {
	return State{Tensors: make(map[string]*Tensor), Values: make(map[string]string)}
}

func (s State) SetFloat(key string, v float64) {
	s.Values[key] = strconv.FormatFloat(v, 'g', -1, 64)
}

func (s State) Float(key string) (float64, error) {
	v, ok := s.Values[key]
	if !ok {
		return 0, fmt.Errorf("state: missing value %q", key)
	}
	return strconv.ParseFloat(v, 64)
}

func (s State) SetInt(key string, v int) {
	s.Values[key] = strconv.Itoa(v)
}

func (s State) Int(key string) (int, error) {
	v, ok := s.Values[key]
	if !ok {
		return 0, fmt.Errorf("state: missing value %q", key)
	}
	return strconv.Atoi(v)
}

func (s State) Tensor(key string) (*Tensor, error) {
	t, ok := s.Tensors[key]
	if !ok {
		return nil, fmt.Errorf("state: missing tensor %q", key)
	}
	return t, nil
}
