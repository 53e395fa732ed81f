// Package worker provides a bounded, generic worker pool.
//
// A Pool runs a fixed number of goroutines that drain a bounded queue.
// Submit never blocks: when the queue is full it returns ErrQueueFull so
// callers can surface back-pressure instead of piling up work. A panic in
// the processor is recovered and counted as a failure; the worker keeps
// running.
//
// The simulation engine runs one job per work item:
//
//	pool := worker.NewPool(4, 64, engine.process,
//	    worker.WithMetricsRegistry[*job](registry, "simulation"))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(10 * time.Second)
//
// Statistics are always tracked; Prometheus metrics are exported only when
// a registry is configured.
package worker
