package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/ollama/makeup/ml"
)

var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// maxHeaderSize bounds the JSON header so a corrupt length cannot trigger a
// huge allocation.
const maxHeaderSize = 100 << 20

type tensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// writeSafetensors writes tensors as F64 in the safetensors layout: an
// 8-byte little endian header length, the JSON header padded with spaces to
// a multiple of 8, then the raw tensor data in sorted name order.
func writeSafetensors(w io.Writer, tensors map[string]*ml.Tensor, metadata map[string]string) error {
	names := maps.Keys(tensors)
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var offset int64
	for _, name := range names {
		t := tensors[name]
		size := int64(len(t.Data)) * 8
		header[name] = tensorInfo{Dtype: "F64", Shape: t.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	b, err := json.Marshal(header)
	if err != nil {
		return err
	}

	if pad := len(b) % 8; pad != 0 {
		b = append(b, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}

	if _, err := bw.Write(b); err != nil {
		return err
	}

	var buf [8]byte
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			if _, err := bw.Write(buf[:]); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}

// readSafetensors reads every tensor of a safetensors stream, widening F32,
// F16 and BF16 data to float64.
func readSafetensors(r io.Reader) (map[string]*ml.Tensor, map[string]string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, fmt.Errorf("%w: reading header size: %w", ErrInvalidCheckpoint, err)
	}

	if n == 0 || n > maxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header size %d", ErrInvalidCheckpoint, n)
	}

	hb := make([]byte, n)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, nil, fmt.Errorf("%w: reading header: %w", ErrInvalidCheckpoint, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hb, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: parsing header: %w", ErrInvalidCheckpoint, err)
	}

	var metadata map[string]string
	if m, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, nil, fmt.Errorf("%w: parsing metadata: %w", ErrInvalidCheckpoint, err)
		}
		delete(raw, "__metadata__")
	}

	infos := make(map[string]tensorInfo, len(raw))
	for name, m := range raw {
		var info tensorInfo
		if err := json.Unmarshal(m, &info); err != nil {
			return nil, nil, fmt.Errorf("%w: tensor %s: %w", ErrInvalidCheckpoint, name, err)
		}
		infos[name] = info
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}

	tensors := make(map[string]*ml.Tensor, len(infos))
	for name, info := range infos {
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(data)) {
			return nil, nil, fmt.Errorf("%w: tensor %s has offsets %v beyond %d bytes of data", ErrInvalidCheckpoint, name, info.DataOffsets, len(data))
		}

		values, err := decode(info.Dtype, data[begin:end])
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}

		t, err := ml.NewTensor(info.Shape, values)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: tensor %s: %w", ErrInvalidCheckpoint, name, err)
		}
		tensors[name] = t
	}

	return tensors, metadata, nil
}

func decode(dtype string, b []byte) ([]float64, error) {
	var out []float64
	switch dtype {
	case "F64":
		out = make([]float64, len(b)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
		}
	case "F32":
		out = make([]float64, len(b)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
		}
	case "F16":
		out = make([]float64, len(b)/2)
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32())
		}
	case "BF16":
		for _, v := range bfloat16.DecodeFloat32(b) {
			out = append(out, float64(v))
		}
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}

	return out, nil
}
