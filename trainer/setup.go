package trainer

import (
	"context"
	"fmt"
	"os"

	"github.com/ollama/makeup/dataset"
	"github.com/ollama/makeup/envconfig"
	"github.com/ollama/makeup/ml"
	"github.com/ollama/makeup/model"
)

// Setup builds the network and, unless generating, this rank's data shard,
// then restores TRAIN.RESUME or loads MODEL.PRETRAINED.
func Setup(cfg *envconfig.Config, acc ml.Accelerator, generate bool, opts Options) (*Session, error) {
	if cfg.Train.Resume != "" {
		if _, err := os.Stat(cfg.Train.Resume); err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
	}

	net, err := model.New(model.Config{
		Name:         cfg.Model.Name,
		InChannels:   cfg.Model.InChannels,
		LabelDim:     cfg.Model.LabelDim,
		HiddenDim:    cfg.Model.HiddenDim,
		TimeEmbedDim: cfg.Model.TimeEmbedDim,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return nil, err
	}

	var data dataset.Source
	if !generate {
		data, err = dataset.NewFolder(dataset.Options{
			Root:      cfg.Data.Root,
			ImageSize: cfg.Train.ImageSize,
			Channels:  cfg.Model.InChannels,
			LabelDim:  cfg.Model.LabelDim,
			BatchSize: cfg.Train.BatchSize,
			Shuffle:   cfg.Data.Shuffle,
			HFlip:     cfg.Data.HFlip,
			Seed:      cfg.Seed,
			Rank:      acc.Rank(),
			WorldSize: acc.WorldSize(),
			Workers:   envconfig.NumWorkers,
		})
		if err != nil {
			return nil, err
		}
	}

	s, err := New(cfg, acc, net, data, opts)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.Train.Resume != "":
		err = s.Resume(cfg.Train.Resume, generate)
	case cfg.Model.Pretrained != "":
		err = s.LoadPretrained(cfg.Model.Pretrained)
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Launch calls fn with a single local accelerator, or once per worker of
// an in-process group when n > 1.
func Launch(ctx context.Context, n int, fn func(context.Context, ml.Accelerator) error) error {
	if n <= 1 {
		return fn(ctx, ml.Local{})
	}
	return ml.NewGroup(n).Run(ctx, fn)
}
