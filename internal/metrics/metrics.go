// Package metrics exposes Prometheus metrics for the session and the capture
// sequence orchestrator.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/conoscope-control/conoctl/internal/model"
)

// Metrics owns a registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry
	log      *logrus.Logger

	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	SequenceState   prometheus.Gauge
	SequenceStep    prometheus.Gauge
	SequenceRuns    *prometheus.CounterVec
	Goroutines      prometheus.Gauge
	MemoryUsage     prometheus.Gauge
}

// New creates and registers all collectors.
func New(log *logrus.Logger) *Metrics {
	if log == nil {
		log = logrus.StandardLogger()
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		log:      log,

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conoctl_commands_total",
			Help: "Device commands by outcome",
		}, []string{"command", "outcome"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conoctl_command_duration_seconds",
			Help:    "Device command latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),

		SequenceState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conoctl_sequence_state",
			Help: "Last polled capture sequence state (ordinal)",
		}),

		SequenceStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conoctl_sequence_step",
			Help: "Last polled capture sequence step",
		}),

		SequenceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conoctl_sequence_runs_total",
			Help: "Finished capture sequences by final state",
		}, []string{"outcome"}),

		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conoctl_goroutines",
			Help: "Current goroutine count",
		}),

		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conoctl_memory_usage_bytes",
			Help: "Allocated heap bytes",
		}),
	}

	m.registry.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.SequenceState,
		m.SequenceStep,
		m.SequenceRuns,
		m.Goroutines,
		m.MemoryUsage,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCommand records one command. outcome is "ok", "device_error" or
// "transport_error".
func (m *Metrics) ObserveCommand(command, outcome string, latency time.Duration) {
	m.CommandsTotal.WithLabelValues(command, outcome).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(latency.Seconds())
}

// ObserveSequence records a polled sequence status.
func (m *Metrics) ObserveSequence(status model.CaptureSequenceStatus) {
	m.SequenceState.Set(float64(status.State))
	m.SequenceStep.Set(float64(status.CurrentStep))
}

// SequenceFinished counts a finished run by its final state.
func (m *Metrics) SequenceFinished(state model.SequenceState) {
	m.SequenceRuns.WithLabelValues(state.String()).Inc()
}

// StartRuntimeMonitor samples goroutines and memory until ctx is done.
func (m *Metrics) StartRuntimeMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			m.sampleRuntime()
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Metrics) sampleRuntime() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.Goroutines.Set(float64(runtime.NumGoroutine()))
	m.MemoryUsage.Set(float64(memStats.Alloc))

	m.log.Debugf("Goroutines: %d, memory: %.2f MB", runtime.NumGoroutine(), float64(memStats.Alloc)/1024/1024)
}
