package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/ollama/makeup/ml"
)

func testBundle() *Bundle {
	w, _ := ml.NewTensor([]int{2, 2}, []float64{0.1, -0.2, math.Pi, 1e-300})
	b, _ := ml.NewTensor([]int{2}, []float64{math.SmallestNonzeroFloat64, -0})

	opt := ml.NewState()
	opt.Tensors["exp_avg/fc.weight"] = w.Clone()
	opt.Tensors["exp_avg_sq/fc.weight"] = ml.Full(1.0/3, 2, 2)
	opt.SetInt("step", 7)
	opt.SetFloat("lr", 1.0/3)

	sched := ml.NewState()
	sched.SetInt("last_epoch", 7)
	sched.SetFloat("base_lr", 1e-4)

	ema := ml.NewState()
	ema.Tensors["fc.weight"] = ml.Full(0.7, 2, 2)
	ema.Tensors["fc.bias"] = ml.Full(0.1+0.2, 2)
	ema.SetInt("optimization_step", 7)
	ema.SetFloat("decay", 0.9999)

	return &Bundle{
		Iter:        41,
		RunID:       "6b1c6c1e-5b0e-4b4e-9a53-1f6f0c1ad9b0",
		StateDict:   ml.StateDict{"fc.weight": w, "fc.bias": b},
		Optimizer:   opt,
		LRScheduler: sched,
		EMA:         ema,
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints", "checkpoint_42.pth")
	want := testBundle()
	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.pth"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()

	cases := map[string][]byte{
		"empty":     {},
		"truncated": {8, 0, 0, 0, 0, 0, 0, 0, '{'},
		"huge":      {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
		"not json":  append([]byte{8, 0, 0, 0, 0, 0, 0, 0}, []byte("garbage!")...),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, data, 0o644))
			_, err := Load(path)
			assert.ErrorIs(t, err, ErrInvalidCheckpoint)
		})
	}

	// a valid safetensors file that is not a training checkpoint
	path := filepath.Join(dir, "weights.safetensors")
	var buf bytes.Buffer
	require.NoError(t, writeSafetensors(&buf, map[string]*ml.Tensor{"w": ml.Zeros(1)}, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)
}

func TestManager(t *testing.T) {
	m := Manager{Dir: t.TempDir(), Keep: 2}
	assert.Equal(t, filepath.Join(m.Dir, "checkpoints", "checkpoint_100.pth"), m.Path(99, false))
	assert.Equal(t, filepath.Join(m.Dir, "checkpoints", "final.pth"), m.Path(99, true))

	b := testBundle()
	for _, iter := range []int{9, 99, 19, 29} {
		b.Iter = iter
		_, err := m.Save(b, false)
		require.NoError(t, err)
	}

	b.Iter = 119
	final, err := m.Save(b, true)
	require.NoError(t, err)

	periodic, err := m.Periodic()
	require.NoError(t, err)
	assert.Equal(t, []string{m.Path(29, false), m.Path(99, false)}, periodic)
	assert.FileExists(t, final)
}

// writeRaw writes a single tensor safetensors file with the given dtype.
func writeRaw(t *testing.T, path, dtype string, shape []int, data []byte) {
	t.Helper()

	header, err := json.Marshal(map[string]tensorInfo{
		"fc.weight": {Dtype: dtype, Shape: shape, DataOffsets: [2]int64{0, int64(len(data))}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(header))))
	buf.Write(header)
	buf.Write(data)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestLoadPretrainedSafetensors(t *testing.T) {
	dir := t.TempDir()

	f32 := make([]byte, 8)
	binary.LittleEndian.PutUint32(f32[0:], math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(f32[4:], math.Float32bits(-2))

	f16 := make([]byte, 4)
	binary.LittleEndian.PutUint16(f16[0:], float16.Fromfloat32(0.5).Bits())
	binary.LittleEndian.PutUint16(f16[2:], float16.Fromfloat32(-2).Bits())

	// bfloat16 is the upper half of the float32 bits
	bf16 := make([]byte, 4)
	binary.LittleEndian.PutUint16(bf16[0:], uint16(math.Float32bits(0.5)>>16))
	binary.LittleEndian.PutUint16(bf16[2:], uint16(math.Float32bits(-2)>>16))

	for dtype, data := range map[string][]byte{"F32": f32, "F16": f16, "BF16": bf16} {
		t.Run(dtype, func(t *testing.T) {
			path := filepath.Join(dir, dtype+".safetensors")
			writeRaw(t, path, dtype, []int{1, 2}, data)

			sd, err := LoadPretrained(path)
			require.NoError(t, err)
			require.Contains(t, sd, "fc.weight")
			assert.Equal(t, []int{1, 2}, sd["fc.weight"].Shape)
			assert.Equal(t, []float64{0.5, -2}, sd["fc.weight"].Data)
		})
	}

	path := filepath.Join(dir, "bad.safetensors")
	writeRaw(t, path, "I8", []int{1}, []byte{1})
	_, err := LoadPretrained(path)
	assert.Error(t, err)
}

func TestLoadPretrainedFromCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "final.pth")
	b := testBundle()
	require.NoError(t, Save(path, b))

	sd, err := LoadPretrained(path)
	require.NoError(t, err)
	assert.Equal(t, b.StateDict, sd)
}
