package simulation

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stackmotive/overlay/audit"
	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/marketdata"
	"github.com/stackmotive/overlay/metric"
	"github.com/stackmotive/overlay/pkg/worker"
)

// Validator validates a canvas snapshot before it runs
type Validator interface {
	ValidateCanvas(c *canvas.Canvas) canvas.Report
}

// Config holds engine limits
type Config struct {
	Workers     int           `json:"workers" yaml:"workers"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"` // per job unless the request sets one
	MaxSteps    int           `json:"max_steps" yaml:"max_steps"`
	Retention   int           `json:"retention" yaml:"retention"` // finished jobs kept for Get
	CacheSize   int           `json:"cache_size" yaml:"cache_size"`
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   64,
		MaxDuration: 5 * time.Minute,
		MaxSteps:    100000,
		Retention:   256,
		CacheSize:   4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxDuration < 0 {
		c.MaxDuration = 0
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	return c
}

var (
	errCancelled = stderrors.New("simulation cancelled")
	errTimeout   = stderrors.New("simulation exceeded its maximum duration")
)

// Option configures an Engine
type Option func(*Engine)

// WithSink sets the audit sink
func WithSink(s audit.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics exports engine and worker pool metrics
func WithMetrics(r *metric.MetricsRegistry) Option {
	return func(e *Engine) { e.metricsRegistry = r }
}

// WithTickSource sets the live tick source factory used by realtime and
// hybrid runs. The factory receives the request interval.
func WithTickSource(f func(interval time.Duration) TickSource) Option {
	return func(e *Engine) {
		if f != nil {
			e.ticks = f
		}
	}
}

// WithClock sets the clock used for job timestamps and the hybrid seam
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine runs simulation jobs. Submitted jobs run on a worker pool; Run
// executes on the caller's goroutine. Every job owns a snapshot of its
// canvas and its own result accumulator.
type Engine struct {
	registry  *block.Registry
	validator Validator
	source    marketdata.Source
	cfg       Config

	sink            audit.Sink
	logger          *slog.Logger
	metricsRegistry *metric.MetricsRegistry
	metrics         *engineMetrics
	ticks           func(time.Duration) TickSource
	now             func() time.Time

	pool *worker.Pool[*job]

	lifecycleMu sync.Mutex
	baseCtx     context.Context
	stopBase    context.CancelFunc

	mu       sync.RWMutex
	jobs     map[string]*job
	finished []string
}

// NewEngine creates an engine. A nil source falls back to the synthetic
// price generator.
func NewEngine(registry *block.Registry, validator Validator, source marketdata.Source, cfg Config, opts ...Option) (*Engine, error) {
	if registry == nil || validator == nil {
		return nil, errors.WrapFatal(stderrors.New("registry and validator are required"),
			"simulation.Engine", "NewEngine", "dependency check")
	}
	if source == nil {
		source = marketdata.DefaultSynthetic()
	}

	e := &Engine{
		registry:  registry,
		validator: validator,
		source:    source,
		cfg:       cfg.withDefaults(),
		sink:      audit.Discard,
		logger:    slog.Default(),
		now:       time.Now,
		jobs:      make(map[string]*job),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "simulation")
	if e.ticks == nil {
		e.ticks = func(interval time.Duration) TickSource { return NewRateTicker(interval, e.now) }
	}

	var poolOpts []worker.Option[*job]
	if e.metricsRegistry != nil {
		m, err := newEngineMetrics(e.metricsRegistry)
		if err != nil {
			return nil, errors.WrapFatal(err, "simulation.Engine", "NewEngine", "metrics registration")
		}
		e.metrics = m
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[*job](e.metricsRegistry, "simulation"))
	}
	e.pool = worker.NewPool(e.cfg.Workers, e.cfg.QueueSize, e.process, poolOpts...)
	return e, nil
}

// Start launches the worker pool. Jobs submitted afterwards run until
// they finish or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.baseCtx != nil {
		return errors.WrapInvalid(worker.ErrPoolAlreadyStarted, "simulation.Engine", "Start", "lifecycle check")
	}
	e.baseCtx, e.stopBase = context.WithCancel(ctx)
	if err := e.pool.Start(e.baseCtx); err != nil {
		e.stopBase()
		e.baseCtx = nil
		return errors.WrapFatal(err, "simulation.Engine", "Start", "worker pool start")
	}
	e.logger.Info("Simulation engine started", "workers", e.cfg.Workers, "queue_size", e.cfg.QueueSize)
	return nil
}

// Stop cancels running jobs between steps and waits up to timeout for the
// workers to exit. Jobs still queued end as cancelled.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.baseCtx == nil {
		return nil
	}
	e.stopBase()
	err := e.pool.Stop(timeout)

	e.mu.RLock()
	pending := make([]*job, 0)
	for _, j := range e.jobs {
		pending = append(pending, j)
	}
	e.mu.RUnlock()
	for _, j := range pending {
		if j.status() == StatusPending {
			e.finish(j, StatusCancelled, errCancelled, false)
		}
	}

	e.logger.Info("Simulation engine stopped", "stats", e.pool.Stats())
	if err != nil {
		return errors.WrapTransient(err, "simulation.Engine", "Stop", "worker pool stop")
	}
	return nil
}

// Submit snapshots c and queues a job. It returns the pending result; use
// Get, Wait or Changed to follow progress. Later edits to c do not affect
// the job.
func (e *Engine) Submit(ctx context.Context, c *canvas.Canvas, req Request) (*Result, error) {
	req, err := e.prepare(c, req, "Submit")
	if err != nil {
		return nil, err
	}

	e.lifecycleMu.Lock()
	base := e.baseCtx
	e.lifecycleMu.Unlock()
	if base == nil {
		return nil, errors.WrapFatal(worker.ErrPoolNotStarted, "simulation.Engine", "Submit", "lifecycle check")
	}

	j := e.newJob(base, c, req)
	e.register(j)
	if err := e.pool.Submit(j); err != nil {
		e.unregister(j.id)
		j.cancel(nil)
		return nil, errors.WrapTransient(err, "simulation.Engine", "Submit", "job queueing")
	}

	e.logger.DebugContext(ctx, "Simulation queued", "job", j.id, "canvas", c.ID)
	return j.snapshotResult(), nil
}

// Run executes a job on the calling goroutine and returns its final
// result. Cancelling ctx cancels the job between steps. Execution
// failures are reported through the result status, not the error.
func (e *Engine) Run(ctx context.Context, c *canvas.Canvas, req Request) (*Result, error) {
	req, err := e.prepare(c, req, "Run")
	if err != nil {
		return nil, err
	}
	j := e.newJob(ctx, c, req)
	e.register(j)
	e.execute(j)
	return j.snapshotResult(), nil
}

// Get returns a copy of a job's current result
func (e *Engine) Get(id string) (*Result, error) {
	j, err := e.job(id)
	if err != nil {
		return nil, err
	}
	return j.snapshotResult(), nil
}

// Progress returns a job's status and metrics without copying its result
// streams
func (e *Engine) Progress(id string) (Progress, error) {
	j, err := e.job(id)
	if err != nil {
		return Progress{}, err
	}
	return j.progress(), nil
}

// Cancel requests cancellation. A running job stops after its current
// step. Cancelling a finished job has no effect.
func (e *Engine) Cancel(id string) error {
	j, err := e.job(id)
	if err != nil {
		return err
	}
	j.cancel(errCancelled)
	return nil
}

// Wait blocks until the job finishes or ctx is done
func (e *Engine) Wait(ctx context.Context, id string) (*Result, error) {
	j, err := e.job(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-j.done:
		return j.snapshotResult(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Changed returns a channel that is closed at the job's next update
func (e *Engine) Changed(id string) (<-chan struct{}, error) {
	j, err := e.job(id)
	if err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.changed, nil
}

// Stats returns worker pool statistics
func (e *Engine) Stats() worker.PoolStats {
	return e.pool.Stats()
}

func (e *Engine) prepare(c *canvas.Canvas, req Request, method string) (Request, error) {
	if c == nil {
		return req, errors.WrapInvalid(stderrors.New("canvas is required"), "simulation.Engine", method, "request validation")
	}
	if req.CanvasID == "" {
		req.CanvasID = c.ID
	}
	if req.CanvasID != c.ID {
		return req, errors.WrapInvalid(fmt.Errorf("request canvas %q does not match canvas %q", req.CanvasID, c.ID),
			"simulation.Engine", method, "request validation")
	}
	return req.normalize(e.cfg.MaxSteps)
}

func (e *Engine) job(id string) (*job, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[id]
	if !ok {
		return nil, errors.NewOverlayError(errors.KindNotFound, "simulation %q not found", id)
	}
	return j, nil
}

func (e *Engine) register(j *job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs[j.id] = j
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, id)
}

// retire makes a finished job eligible for eviction once more than
// Retention jobs have finished.
func (e *Engine) retire(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, id)
	for len(e.finished) > e.cfg.Retention {
		delete(e.jobs, e.finished[0])
		e.finished = e.finished[1:]
	}
}

// process is the worker pool processor.
func (e *Engine) process(_ context.Context, j *job) error {
	e.execute(j)
	if r := j.snapshotResult(); r.Status == StatusFailed {
		return stderrors.New(r.Error)
	}
	return nil
}
