// Package metric provides the Prometheus metrics registry of the overlay
// service.
//
// NewMetricsRegistry registers the core service metrics (HTTP traffic,
// canvas mutations, validation runs, errors and NATS health) together with
// the Go runtime collectors. Packages with their own metrics, such as the
// simulation engine and the worker pool, register them through the
// MetricsRegistrar methods under a "service.metric" key:
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordCanvasMutation("add_block", nil)
//	mux.Handle("/metrics", registry.Handler())
package metric
