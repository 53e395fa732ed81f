// Package health tracks the health of the overlay service's dependencies.
//
// A Status is healthy, degraded or unhealthy. Monitor holds the last
// status per dependency and can refresh them by running registered probes:
//
//	m := health.NewMonitor()
//	m.Register("nats", func(ctx context.Context) error { ... })
//	overall := m.Check(ctx, "overlayd")
//
// A probe returning nil is healthy, a transient error is degraded and any
// other error is unhealthy. Error text is sanitized before it is exposed.
package health
