// Package checkpoint saves and restores training state.
//
// A checkpoint holds the network weights, the optimizer, learning rate
// schedule and EMA states and the iteration it was taken at. Files use the
// safetensors layout with float64 data so every value round trips exactly;
// scalar state lives in the header metadata.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/ollama/makeup/format"
	"github.com/ollama/makeup/ml"
)

const (
	formatName    = "makeup/checkpoint"
	formatVersion = "1"
)

// Section names shared by tensor prefixes and metadata keys.
const (
	sectionModel     = "state_dict"
	sectionOptimizer = "optimizer"
	sectionSchedule  = "lr_scheduler"
	sectionEMA       = "ema_state_dict"
)

// Bundle is the complete state of a training run at one iteration.
type Bundle struct {
	// Iter is the zero-based iteration that had just completed.
	Iter        int
	RunID       string
	StateDict   ml.StateDict
	Optimizer   ml.State
	LRScheduler ml.State
	EMA         ml.State
}

// Save writes b to path atomically: the data goes to a temporary file in
// the same directory which is renamed over path once complete.
func Save(path string, b *Bundle) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".checkpoint-")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	tensors, metadata, err := b.encode()
	if err != nil {
		f.Close()
		return err
	}

	if err := writeSafetensors(f, tensors, metadata); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}

// Load reads a checkpoint written by Save. A missing file returns an error
// wrapping fs.ErrNotExist.
func Load(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tensors, metadata, err := readSafetensors(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	b, err := decodeBundle(tensors, metadata)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return b, nil
}

func (b *Bundle) encode() (map[string]*ml.Tensor, map[string]string, error) {
	tensors := make(map[string]*ml.Tensor)
	for name, t := range b.StateDict {
		tensors[sectionModel+"/"+name] = t
	}

	metadata := map[string]string{
		"format":  formatName,
		"version": formatVersion,
		"iter":    strconv.Itoa(b.Iter),
		"run_id":  b.RunID,
	}

	for section, s := range map[string]ml.State{
		sectionOptimizer: b.Optimizer,
		sectionSchedule:  b.LRScheduler,
		sectionEMA:       b.EMA,
	} {
		for key, t := range s.Tensors {
			tensors[section+"/"+key] = t
		}

		values, err := json.Marshal(s.Values)
		if err != nil {
			return nil, nil, err
		}
		metadata[section] = string(values)
	}

	return tensors, metadata, nil
}

func decodeBundle(tensors map[string]*ml.Tensor, metadata map[string]string) (*Bundle, error) {
	if metadata["format"] != formatName {
		return nil, fmt.Errorf("%w: not a training checkpoint (format %q)", ErrInvalidCheckpoint, metadata["format"])
	}

	if v := metadata["version"]; v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidCheckpoint, v)
	}

	iter, err := strconv.Atoi(metadata["iter"])
	if err != nil {
		return nil, fmt.Errorf("%w: iter: %w", ErrInvalidCheckpoint, err)
	}

	b := &Bundle{
		Iter:        iter,
		RunID:       metadata["run_id"],
		StateDict:   make(ml.StateDict),
		Optimizer:   ml.NewState(),
		LRScheduler: ml.NewState(),
		EMA:         ml.NewState(),
	}

	sections := map[string]ml.State{
		sectionOptimizer: b.Optimizer,
		sectionSchedule:  b.LRScheduler,
		sectionEMA:       b.EMA,
	}

	for section, s := range sections {
		if err := json.Unmarshal([]byte(metadata[section]), &s.Values); err != nil {
			return nil, fmt.Errorf("%w: %s values: %w", ErrInvalidCheckpoint, section, err)
		}
	}

	for name, t := range tensors {
		section, key, ok := strings.Cut(name, "/")
		if !ok {
			return nil, fmt.Errorf("%w: unexpected tensor %q", ErrInvalidCheckpoint, name)
		}

		if section == sectionModel {
			b.StateDict[key] = t
			continue
		}

		s, ok := sections[section]
		if !ok {
			return nil, fmt.Errorf("%w: unexpected tensor %q", ErrInvalidCheckpoint, name)
		}
		s.Tensors[key] = t
	}

	return b, nil
}

// Manager names and prunes the checkpoints of one project directory.
type Manager struct {
	Dir string
	// Keep bounds the number of periodic checkpoints kept on disk. Zero
	// keeps all of them. The final checkpoint is never pruned.
	Keep int
}

var periodicName = regexp.MustCompile(`^checkpoint_(\d+)\.pth$`)

// Path returns checkpoints/checkpoint_<iter+1>.pth or checkpoints/final.pth.
func (m Manager) Path(iter int, final bool) string {
	name := fmt.Sprintf("checkpoint_%d.pth", iter+1)
	if final {
		name = "final.pth"
	}
	return filepath.Join(m.Dir, "checkpoints", name)
}

// Save writes b and prunes old periodic checkpoints. It returns the path
// written.
func (m Manager) Save(b *Bundle, final bool) (string, error) {
	path := m.Path(b.Iter, final)
	if err := Save(path, b); err != nil {
		return "", err
	}

	if fi, err := os.Stat(path); err == nil {
		slog.Debug("checkpoint written", "path", path, "size", format.HumanBytes(fi.Size()))
	}

	if err := m.prune(); err != nil {
		slog.Warn("failed to prune checkpoints", "error", err)
	}

	return path, nil
}

// Periodic lists periodic checkpoints oldest first.
func (m Manager) Periodic() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.Dir, "checkpoints"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	type numbered struct {
		n    int
		path string
	}

	var found []numbered
	for _, e := range entries {
		match := periodicName.FindStringSubmatch(e.Name())
		if match == nil || e.IsDir() {
			continue
		}

		n, _ := strconv.Atoi(match[1])
		found = append(found, numbered{n, filepath.Join(m.Dir, "checkpoints", e.Name())})
	}

	slices.SortFunc(found, func(a, b numbered) int { return a.n - b.n })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

func (m Manager) prune() error {
	if m.Keep <= 0 {
		return nil
	}

	paths, err := m.Periodic()
	if err != nil {
		return err
	}

	var errs []error
	for len(paths) > m.Keep {
		slog.Debug("removing old checkpoint", "path", paths[0])
		if err := os.Remove(paths[0]); err != nil {
			errs = append(errs, err)
		}
		paths = paths[1:]
	}

	return errors.Join(errs...)
}
