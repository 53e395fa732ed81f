package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the service
const Namespace = "overlay"

// Metrics contains the service-level metrics shared by all packages
type Metrics struct {
	ServiceStatus   *prometheus.GaugeVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	CanvasMutations *prometheus.CounterVec
	ValidationRuns  *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metrics. They are registered by
// NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		CanvasMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "canvas",
				Name:      "mutations_total",
				Help:      "Canvas mutations by operation and result",
			},
			[]string{"operation", "result"},
		),
		ValidationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "canvas",
				Name:      "validations_total",
				Help:      "Explicit canvas validations by outcome",
			},
			[]string{"valid"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by service and kind",
			},
			[]string{"service", "kind"},
		),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ServiceStatus,
		c.HTTPRequests,
		c.HTTPDuration,
		c.CanvasMutations,
		c.ValidationRuns,
		c.ErrorsTotal,
		c.NATSConnected,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordHTTPRequest counts a request and observes its duration
func (c *Metrics) RecordHTTPRequest(route, method string, code int, duration time.Duration) {
	c.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	c.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordCanvasMutation counts a canvas mutation
func (c *Metrics) RecordCanvasMutation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	c.CanvasMutations.WithLabelValues(operation, result).Inc()
}

// RecordValidation counts an explicit validation run
func (c *Metrics) RecordValidation(valid bool) {
	c.ValidationRuns.WithLabelValues(strconv.FormatBool(valid)).Inc()
}

// RecordError increments the error counter
func (c *Metrics) RecordError(service, kind string) {
	c.ErrorsTotal.WithLabelValues(service, kind).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
