package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stackmotive/overlay/metric"
)

// Pool processes work items of type T on a fixed set of goroutines
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
	busy      atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	busy           prometheus.Gauge
	items          *prometheus.CounterVec
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports pool metrics labelled with prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 4 workers and a
// queue of 64. A nil processor panics.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.metrics = newPoolMetrics(pool.metricsRegistry, pool.metricsPrefix)
	}
	return pool
}

// newPoolMetrics registers the pool collectors. Registration conflicts
// leave the pool without metrics rather than failing construction.
func newPoolMetrics(registry *metric.MetricsRegistry, prefix string) *poolMetrics {
	labels := prometheus.Labels{"pool": prefix}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "queue_depth",
			ConstLabels: labels,
			Help:        "Work items waiting in the queue",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "busy",
			ConstLabels: labels,
			Help:        "Workers currently processing an item",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "items_total",
			ConstLabels: labels,
			Help:        "Work items by outcome (submitted, processed, failed, dropped, panicked)",
		}, []string{"outcome"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "processing_duration_seconds",
			ConstLabels: labels,
			Help:        "Time spent processing work items",
			Buckets:     []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"status"}),
	}

	service := "worker_" + prefix
	var registered []string
	register := func(name string, fn func() error) bool {
		if err := fn(); err != nil {
			return false
		}
		registered = append(registered, name)
		return true
	}
	ok := register("queue_depth", func() error { return registry.RegisterGauge(service, "queue_depth", m.queueDepth) }) &&
		register("busy", func() error { return registry.RegisterGauge(service, "busy", m.busy) }) &&
		register("items", func() error { return registry.RegisterCounterVec(service, "items", m.items) }) &&
		register("processing_duration", func() error {
			return registry.RegisterHistogramVec(service, "processing_duration", m.processingTime)
		})
	if !ok {
		for _, name := range registered {
			registry.Unregister(service, name)
		}
		return nil
	}
	return m
}

func (m *poolMetrics) count(outcome string) {
	if m != nil {
		m.items.WithLabelValues(outcome).Inc()
	}
}

// Submit enqueues work without blocking
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		p.metrics.count("submitted")
		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.count("dropped")
		return ErrQueueFull
	}
}

// Start launches the workers. ctx is handed to every processor call;
// cancelling it stops the workers after their current item.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued and in-flight
// items to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns a snapshot of pool counters
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Busy:       p.busy.Load(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		Panics:     p.panics.Load(),
	}
}

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int64 `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Panics     int64 `json:"panics"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	p.busy.Add(1)
	if p.metrics != nil {
		p.metrics.busy.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}

	start := time.Now()
	err := p.safeProcess(ctx, work)
	duration := time.Since(start)

	p.busy.Add(-1)
	p.processed.Add(1)
	p.metrics.count("processed")
	status := "success"
	if err != nil {
		p.failed.Add(1)
		p.metrics.count("failed")
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.busy.Dec()
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}

func (p *Pool[T]) safeProcess(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.metrics.count("panicked")
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return p.processor(ctx, work)
}
