package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/ollama/makeup/ml"
)

// LoadPretrained reads network weights from path. It accepts checkpoints
// written by Save (the network weights are used), plain safetensors files
// and PyTorch pickles. Pickled dictionaries nested under "model" or
// "state_dict" are unwrapped.
func LoadPretrained(path string) (ml.StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	magic, err := bufio.NewReader(f).Peek(2)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// zip archives written by torch.save start with PK
	if string(magic) == "PK" {
		return loadTorch(path)
	}

	sd, err := loadSafetensors(path)
	if err != nil && magic[0] == 0x80 {
		// legacy pickle starting with the PROTO opcode
		if tsd, terr := loadTorch(path); terr == nil {
			return tsd, nil
		}
	}

	return sd, err
}

func loadSafetensors(path string) (ml.StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tensors, metadata, err := readSafetensors(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if metadata["format"] == formatName {
		b, err := decodeBundle(tensors, metadata)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return b.StateDict, nil
	}

	return ml.StateDict(tensors), nil
}

func loadTorch(path string) (ml.StateDict, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	for {
		entries, err := dictEntries(pt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		inner, ok := entries["model"]
		if !ok {
			inner, ok = entries["state_dict"]
		}
		if ok {
			pt = inner
			continue
		}

		sd := make(ml.StateDict, len(entries))
		for name, v := range entries {
			t, ok := v.(*pytorch.Tensor)
			if !ok {
				// skip non-tensor entries such as version counters
				continue
			}

			tensor, err := fromTorch(t)
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", path, name, err)
			}
			sd[strings.TrimPrefix(name, "module.")] = tensor
		}

		return sd, nil
	}
}

func dictEntries(v any) (map[string]any, error) {
	entries := make(map[string]any)
	switch d := v.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			if name, ok := k.(string); ok {
				entries[name] = d.MustGet(k)
			}
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if name, ok := entry.Key.(string); ok {
				entries[name] = entry.Value
			}
		}
	default:
		return nil, fmt.Errorf("%w: expected a dictionary of tensors, got %T", ErrInvalidCheckpoint, v)
	}

	return entries, nil
}

func fromTorch(t *pytorch.Tensor) (*ml.Tensor, error) {
	n := 1
	for _, d := range t.Size {
		n *= d
	}

	// only contiguous tensors are supported
	stride := 1
	for i := len(t.Size) - 1; i >= 0; i-- {
		if t.Size[i] > 1 && t.Stride[i] != stride {
			return nil, errors.New("non-contiguous tensor")
		}
		stride *= t.Size[i]
	}

	var data []float64
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		data = widen(s.Data, t.StorageOffset, n)
	case *pytorch.HalfStorage:
		data = widen(s.Data, t.StorageOffset, n)
	case *pytorch.DoubleStorage:
		if t.StorageOffset+n > len(s.Data) {
			return nil, errors.New("tensor extends past its storage")
		}
		data = slices.Clone(s.Data[t.StorageOffset : t.StorageOffset+n])
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}

	if data == nil && n > 0 {
		return nil, errors.New("tensor extends past its storage")
	}

	return ml.NewTensor(t.Size, data)
}

func widen(src []float32, offset, n int) []float64 {
	if offset+n > len(src) {
		return nil
	}

	out := make([]float64, n)
	for i, v := range src[offset : offset+n] {
		out[i] = float64(v)
	}
	return out
}
