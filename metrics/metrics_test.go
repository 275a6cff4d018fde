package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCounterVec(t *testing.T) {
	testCases := []struct {
		subsystem  string
		name       string
		help       string
		labelNames []string
	}{
		{
			subsystem:  "checkpoint",
			name:       "writes_total",
			help:       "help1",
			labelNames: []string{"kind"},
		},
		{
			subsystem:  "sample",
			name:       "grids_total",
			help:       "help2",
			labelNames: []string{"sampler", "status"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			counterVec := newCounterVec(tc.subsystem, tc.name, tc.help, tc.labelNames...)

			assert.NotNil(t, counterVec)
			assert.IsType(t, &prometheus.CounterVec{}, counterVec)
		})
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Iterations.Add(3)
	m.Loss.Set(0.25)
	m.Checkpoints.WithLabelValues("final").Inc()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "makeup_train_iterations_total 3")
	assert.Contains(t, body, "makeup_train_loss 0.25")
	assert.Contains(t, body, `makeup_checkpoint_writes_total{kind="final"} 1`)
}
