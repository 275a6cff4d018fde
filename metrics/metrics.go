// Package metrics exposes training progress to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "makeup"

type Metrics struct {
	Registry *prometheus.Registry

	Iterations    prometheus.Counter
	Loss          prometheus.Gauge
	LearningRate  prometheus.Gauge
	EMADecay      prometheus.Gauge
	NonFinite     prometheus.Counter
	IterationTime prometheus.Histogram
	Checkpoints   *prometheus.CounterVec
	Samples       prometheus.Counter
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "iterations_total",
			Help:      "Training iterations completed.",
		}),
		Loss:         newGauge("train", "loss", "Loss of the most recent iteration."),
		LearningRate: newGauge("train", "learning_rate", "Current learning rate."),
		EMADecay:     newGauge("ema", "decay", "Decay used by the most recent EMA update."),
		NonFinite: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "nonfinite_gradients_total",
			Help:      "Gradient elements replaced because they were NaN or infinite.",
		}),
		IterationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "iteration_seconds",
			Help:      "Wall time of one training iteration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Checkpoints: newCounterVec("checkpoint", "writes_total", "Checkpoints written.", "kind"),
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sample",
			Name:      "grids_total",
			Help:      "Sample grids written.",
		}),
	}

	m.Registry.MustRegister(
		m.Iterations,
		m.Loss,
		m.LearningRate,
		m.EMADecay,
		m.NonFinite,
		m.IterationTime,
		m.Checkpoints,
		m.Samples,
		prometheus.NewGoCollector(),
	)

	return m
}

// Handler serves the registry at GET /metrics.
func (m *Metrics) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})))
	return r
}

// Serve listens on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	slog.Info("serving metrics", "addr", ln.Addr().String())

	srv := &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	})
	defer stop()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
