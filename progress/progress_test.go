package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type mockState struct {
	value string
}

func (m *mockState) String() string {
	return m.value
}

func TestProgressStop(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add(&mockState{value: "state1"})
	p.Add(&mockState{value: "state2"})

	time.Sleep(150 * time.Millisecond)

	if !p.Stop() {
		t.Error("Stop() should return true on first call")
	}

	if p.Stop() {
		t.Error("Stop() should return false on subsequent calls")
	}

	output := buf.String()
	for _, want := range []string{"state1", "state2", "\033[?25l", "\033[?25h"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestProgressStopAndClear(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add(&mockState{value: "test"})

	if !p.StopAndClear() {
		t.Error("StopAndClear() should return true on first call")
	}

	if !strings.Contains(buf.String(), "\033[2K") {
		t.Error("output should clear the progress line")
	}
}

func TestProgressStopsSpinners(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)

	spinner := NewSpinner("loading")
	p.Add(spinner)

	if spinner.stopped.Load() {
		t.Error("Spinner should not be stopped before Progress.Stop()")
	}

	p.Stop()

	if !spinner.stopped.Load() {
		t.Error("Spinner should be stopped after Progress.Stop()")
	}

	if got := spinner.String(); got != "loading " {
		t.Errorf("stopped spinner = %q, want %q", got, "loading ")
	}
}

func TestStepBar(t *testing.T) {
	tests := []struct {
		name    string
		current int
		elapsed time.Duration
		want    string
	}{
		{"start", 0, 0, "Sampling   0% ▕          ▏ 0/10 [0:00:00<0:00:00]"},
		{"partial", 4, 2 * time.Second, "Sampling  40% ▕████      ▏ 4/10 [0:00:02<0:00:03]"},
		{"done", 10, 5 * time.Second, "Sampling 100% ▕██████████▏ 10/10 [0:00:05<0:00:00]"},
		{"clamped", 12, 5 * time.Second, "Sampling 100% ▕██████████▏ 10/10 [0:00:05<0:00:00]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStepBar("Sampling", 10)
			s.Set(tt.current)

			if got := s.render(len([]rune(tt.want)), tt.elapsed); got != tt.want {
				t.Errorf("render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStepBarNarrow(t *testing.T) {
	s := NewStepBar("Sampling", 10)
	s.Set(5)

	got := s.render(10, time.Second)
	if strings.Contains(got, "▕") {
		t.Errorf("narrow render should omit the bar, got %q", got)
	}
}
