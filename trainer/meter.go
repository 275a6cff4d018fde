package trainer

import (
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

// timeWindow is the number of recent iterations the ETA is averaged over.
const timeWindow = 100

// TimeMeter averages the most recent iteration durations.
type TimeMeter struct {
	window *circularbuffer.Queue
	last   time.Duration
}

func NewTimeMeter(size int) *TimeMeter {
	return &TimeMeter{window: circularbuffer.New(max(size, 1))}
}

func (m *TimeMeter) Update(d time.Duration) {
	m.last = d
	m.window.Enqueue(d)
}

func (m *TimeMeter) Last() time.Duration {
	return m.last
}

func (m *TimeMeter) Average() time.Duration {
	if m.window.Empty() {
		return 0
	}

	var sum time.Duration
	for _, v := range m.window.Values() {
		sum += v.(time.Duration)
	}
	return sum / time.Duration(m.window.Size())
}

// ETA extrapolates the time needed for the remaining iterations.
func (m *TimeMeter) ETA(remaining int) time.Duration {
	return m.Average() * time.Duration(max(remaining, 0))
}

// MetricMeter keeps the latest value and the running mean since the last
// Reset.
type MetricMeter struct {
	Val   float64
	Sum   float64
	Count int
}

func (m *MetricMeter) Update(v float64) {
	m.Val = v
	m.Sum += v
	m.Count++
}

func (m *MetricMeter) Avg() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

func (m *MetricMeter) Reset() {
	*m = MetricMeter{}
}
