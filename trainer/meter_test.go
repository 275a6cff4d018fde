package trainer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeMeter(t *testing.T) {
	m := NewTimeMeter(2)
	assert.Equal(t, time.Duration(0), m.Average())
	assert.Equal(t, time.Duration(0), m.ETA(10))

	m.Update(time.Second)
	m.Update(3 * time.Second)
	assert.Equal(t, 2*time.Second, m.Average())

	m.Update(5 * time.Second)
	assert.Equal(t, 4*time.Second, m.Average(), "oldest duration leaves the window")
	assert.Equal(t, 5*time.Second, m.Last())
	assert.Equal(t, 40*time.Second, m.ETA(10))
	assert.Equal(t, time.Duration(0), m.ETA(-1))
}

func TestMetricMeter(t *testing.T) {
	var m MetricMeter
	assert.Equal(t, 0.0, m.Avg())

	m.Update(1)
	m.Update(2)
	assert.Equal(t, 2.0, m.Val)
	assert.Equal(t, 1.5, m.Avg())

	m.Reset()
	assert.Equal(t, 0, m.Count)
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:          "idle",
		StateRunning:       "running",
		StateCheckpointing: "checkpointing",
		StateSampling:      "sampling",
		StateFinished:      "finished",
		StateFailed:        "failed",
		State(42):          "unknown",
	} {
		assert.Equal(t, want, s.String())
	}
}
