package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ollama/makeup/format"
)

// StepBar displays progress through a fixed number of sampling steps. Set
// may be called from any goroutine.
type StepBar struct {
	message string
	total   int
	current atomic.Int64
	started time.Time
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total, started: time.Now()}
}

func (s *StepBar) Set(current int) {
	s.current.Store(int64(min(current, s.total)))
}

// remaining extrapolates the time left from the average step time so far.
func (s *StepBar) remaining(current int, elapsed time.Duration) time.Duration {
	if current <= 0 || current >= s.total {
		return 0
	}
	return elapsed / time.Duration(current) * time.Duration(s.total-current)
}

func (s *StepBar) render(width int, elapsed time.Duration) string {
	current := int(s.current.Load())

	percent := 0.0
	if s.total > 0 {
		percent = float64(current) / float64(s.total) * 100
	}

	pre := fmt.Sprintf("%s %3.0f%% ", s.message, percent)
	suf := fmt.Sprintf(" %d/%d [%s<%s]", current, s.total, format.Clock(elapsed), format.Clock(s.remaining(current, elapsed)))

	// 2 boundary characters
	f := width - len([]rune(pre)) - len([]rune(suf)) - 2
	if f <= 0 {
		return pre + suf
	}

	n := 0
	if s.total > 0 {
		n = f * current / s.total
	}

	// "Sampling  40% ▕████      ▏ 4/10 [0:00:02<0:00:03]"
	return pre + "▕" + strings.Repeat("█", n) + strings.Repeat(" ", f-n) + "▏" + suf
}

func (s *StepBar) String() string {
	return s.render(termWidth(), time.Since(s.started))
}
