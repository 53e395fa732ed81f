package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stackmotive/overlay/metric"
)

// cacheMetrics mirrors Statistics into Prometheus.
type cacheMetrics struct {
	ops  *prometheus.CounterVec
	size prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "operations_total",
			ConstLabels: prometheus.Labels{"cache": prefix},
			Help:        "Cache operations by outcome (hit, miss, set, delete, eviction)",
		}, []string{"op"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "entries",
			ConstLabels: prometheus.Labels{"cache": prefix},
			Help:        "Current number of entries in cache",
		}),
	}

	if err := registry.RegisterCounterVec(prefix, "cache_operations", m.ops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_entries", m.size); err != nil {
		registry.Unregister(prefix, "cache_operations")
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) record(op string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op).Inc()
}

func (m *cacheMetrics) updateSize(size int) {
	if m == nil {
		return
	}
	m.size.Set(float64(size))
}
