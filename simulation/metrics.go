package simulation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stackmotive/overlay/metric"
)

type engineMetrics struct {
	jobs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	blockErrors *prometheus.CounterVec
	steps       prometheus.Counter
	active      prometheus.Gauge
}

func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	m := &engineMetrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "simulation",
			Name:      "jobs_total",
			Help:      "Simulation jobs by terminal status",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "simulation",
			Name:      "job_duration_seconds",
			Help:      "Simulation job duration by terminal status",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"status"}),
		blockErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "simulation",
			Name:      "block_errors_total",
			Help:      "Runtime block errors by block type",
		}, []string{"type"}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "simulation",
			Name:      "steps_total",
			Help:      "Simulation steps executed",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "simulation",
			Name:      "active_jobs",
			Help:      "Simulation jobs currently running",
		}),
	}

	if err := registry.RegisterCounterVec("simulation", "jobs", m.jobs); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("simulation", "job_duration", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("simulation", "block_errors", m.blockErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("simulation", "steps", m.steps); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("simulation", "active_jobs", m.active); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) jobStarted() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *engineMetrics) jobFinished(status Status, seconds float64, ran bool) {
	if m == nil {
		return
	}
	if ran {
		m.active.Dec()
	}
	m.jobs.WithLabelValues(string(status)).Inc()
	m.duration.WithLabelValues(string(status)).Observe(seconds)
}

func (m *engineMetrics) stepDone() {
	if m != nil {
		m.steps.Inc()
	}
}

func (m *engineMetrics) blockError(blockType string) {
	if m != nil {
		m.blockErrors.WithLabelValues(blockType).Inc()
	}
}
