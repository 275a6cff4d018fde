package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Spinner shows activity for work of unknown length such as scanning a
// dataset or reading a checkpoint.
type Spinner struct {
	message string

	parts []string
	value atomic.Int64

	done    chan struct{}
	stopped atomic.Bool
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		message: message,
		parts: []string{
			"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		},
		done: make(chan struct{}),
	}
	go s.start()
	return s
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message := strings.TrimSpace(s.message); message != "" {
		fmt.Fprintf(&sb, "%s ", message)
	}

	if !s.stopped.Load() {
		sb.WriteString(s.parts[int(s.value.Load())%len(s.parts)])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) start() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.value.Add(1)
		}
	}
}

func (s *Spinner) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.done)
	}
}
