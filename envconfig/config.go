package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/ollama/makeup/logutil"
)

var (
	// Set via MAKEUP_DEBUG in the environment
	Debug bool
	// Set via MAKEUP_TRACE in the environment
	Trace bool
	// Set via MAKEUP_PROJECT_DIR in the environment; overrides PROJECT_DIR
	ProjectDir string
	// Set via MAKEUP_NUM_PROCESSES in the environment
	NumProcesses int
	// Set via MAKEUP_NUM_WORKERS in the environment
	NumWorkers int
	// Set via MAKEUP_METRICS_ADDR in the environment
	MetricsAddr string
	// Set via MAKEUP_SEED in the environment; overrides SEED
	Seed uint64
	// SeedSet reports whether MAKEUP_SEED was given
	SeedSet bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"MAKEUP_DEBUG":         {"MAKEUP_DEBUG", Debug, "Show additional debug information (e.g. MAKEUP_DEBUG=1)"},
		"MAKEUP_TRACE":         {"MAKEUP_TRACE", Trace, "Log every training step at trace level"},
		"MAKEUP_PROJECT_DIR":   {"MAKEUP_PROJECT_DIR", ProjectDir, "Directory for checkpoints and generated grids"},
		"MAKEUP_NUM_PROCESSES": {"MAKEUP_NUM_PROCESSES", NumProcesses, "Number of data parallel workers (default 1)"},
		"MAKEUP_NUM_WORKERS":   {"MAKEUP_NUM_WORKERS", NumWorkers, "Number of concurrent image decoders (default number of CPUs)"},
		"MAKEUP_METRICS_ADDR":  {"MAKEUP_METRICS_ADDR", MetricsAddr, "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)"},
		"MAKEUP_SEED":          {"MAKEUP_SEED", Seed, "Random seed for noise, timesteps and data order"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug, Trace = false, false
	if debug := clean("MAKEUP_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if trace := clean("MAKEUP_TRACE"); trace != "" {
		Trace, _ = strconv.ParseBool(trace)
	}

	ProjectDir = clean("MAKEUP_PROJECT_DIR")
	MetricsAddr = clean("MAKEUP_METRICS_ADDR")

	NumProcesses = 1
	if n := clean("MAKEUP_NUM_PROCESSES"); n != "" {
		val, err := strconv.Atoi(n)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "MAKEUP_NUM_PROCESSES", n, "error", err)
		} else {
			NumProcesses = val
		}
	}

	NumWorkers = runtime.NumCPU()
	if n := clean("MAKEUP_NUM_WORKERS"); n != "" {
		val, err := strconv.Atoi(n)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "MAKEUP_NUM_WORKERS", n, "error", err)
		} else {
			NumWorkers = val
		}
	}

	Seed, SeedSet = 0, false
	if s := clean("MAKEUP_SEED"); s != "" {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "MAKEUP_SEED", s, "error", err)
		} else {
			Seed, SeedSet = val, true
		}
	}
}

// LogLevel returns the slog level selected by MAKEUP_DEBUG and MAKEUP_TRACE.
func LogLevel() slog.Level {
	switch {
	case Trace:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
