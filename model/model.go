package model

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/ollama/makeup/ml"
)

var ErrUnsupportedModel = errors.New("model not supported")

// Config describes the network to build.
type Config struct {
	Name         string
	InChannels   int
	LabelDim     int
	HiddenDim    int
	TimeEmbedDim int
	// Seed drives weight initialisation.
	Seed uint64
}

var models = make(map[string]func(Config) (ml.Trainable, error))

// Register registers a network constructor under name
func Register(name string, f func(Config) (ml.Trainable, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Names returns the registered network names in sorted order.
func Names() []string {
	names := maps.Keys(models)
	slices.Sort(names)
	return names
}

// New builds the network named by c.Name.
func New(c Config) (ml.Trainable, error) {
	f, ok := models[c.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnsupportedModel, c.Name, Names())
	}

	if c.InChannels < 1 {
		return nil, fmt.Errorf("model %s: in_channels must be positive, got %d", c.Name, c.InChannels)
	}

	return f(c)
}
