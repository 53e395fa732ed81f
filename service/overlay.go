package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackmotive/overlay/audit"
	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/health"
	"github.com/stackmotive/overlay/metric"
	"github.com/stackmotive/overlay/simulation"
)

// Store persists canvases. canvasstore.Store and canvasstore.Memory
// implement it.
type Store interface {
	Create(ctx context.Context, c *canvas.Canvas) error
	Get(ctx context.Context, id string) (*canvas.Canvas, error)
	Save(ctx context.Context, c *canvas.Canvas) (int64, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*canvas.Canvas, error)
}

// CreateRequest describes a new empty canvas
type CreateRequest struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      *canvas.Config `json:"config,omitempty"`
}

// Option configures an Overlay
type Option func(*Overlay)

// WithStore persists every canvas change through s
func WithStore(s Store) Option {
	return func(o *Overlay) { o.store = s }
}

// WithSink sets the audit sink used by canvas models
func WithSink(s audit.Sink) Option {
	return func(o *Overlay) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Overlay) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records mutation, validation and HTTP metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(o *Overlay) { o.metrics = m }
}

// WithDefaults sets the canvas limits used when a request has none
func WithDefaults(cfg canvas.Config) Option {
	return func(o *Overlay) { o.defaults = cfg }
}

// WithProbe adds a dependency health probe
func WithProbe(name string, p health.Probe) Option {
	return func(o *Overlay) { o.monitor.Register(name, p) }
}

// Overlay is the service facade over canvases and simulations. Each
// canvas has one Model; edits to the same canvas are serialized so every
// save is based on the version the previous one produced.
type Overlay struct {
	registry  *block.Registry
	validator canvas.Validator
	engine    *simulation.Engine
	store     Store
	sink      audit.Sink
	logger    *slog.Logger
	metrics   *metric.Metrics
	monitor   *health.Monitor
	defaults  canvas.Config
	started   time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	model *canvas.Model
}

// New creates the facade. The engine must be started by the caller.
func New(registry *block.Registry, validator canvas.Validator, engine *simulation.Engine, opts ...Option) (*Overlay, error) {
	if registry == nil || validator == nil || engine == nil {
		return nil, errors.WrapInvalid(stderrors.New("registry, validator and engine are required"),
			"service.Overlay", "New", "dependency check")
	}
	o := &Overlay{
		registry:  registry,
		validator: validator,
		engine:    engine,
		sink:      audit.Discard,
		logger:    slog.Default(),
		monitor:   health.NewMonitor(),
		defaults:  canvas.DefaultConfig(),
		started:   time.Now(),
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "overlay")
	o.monitor.Register("simulation", o.probeEngine)
	if o.store != nil {
		o.monitor.Register("store", o.probeStore)
	}
	return o, nil
}

// Blocks lists the registered block types
func (o *Overlay) Blocks(categories ...block.Category) []*block.Definition {
	return o.registry.List(categories...)
}

// CreateCanvas creates an empty canvas
func (o *Overlay) CreateCanvas(ctx context.Context, req CreateRequest) (*canvas.Canvas, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.WrapInvalid(stderrors.New("canvas name is required"), "service.Overlay", "CreateCanvas", "request validation")
	}
	cfg := o.defaults
	if req.Config != nil {
		cfg = *req.Config
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	c := canvas.New(id, req.Name, cfg)
	c.Description = req.Description
	return o.adopt(ctx, canvas.NewModel(c, o.registry, o.validator, o.modelOptions()...), "CreateCanvas")
}

// ImportCanvas builds a canvas from a document, replaying every block and
// connection through the same checks as interactive edits
func (o *Overlay) ImportCanvas(ctx context.Context, doc *canvas.Document) (*canvas.Canvas, error) {
	if doc == nil {
		return nil, errors.WrapInvalid(stderrors.New("document is required"), "service.Overlay", "ImportCanvas", "request validation")
	}
	if doc.Config == nil {
		cfg := o.defaults
		doc.Config = &cfg
	}
	m, err := canvas.Import(ctx, doc, o.registry, o.validator, o.modelOptions()...)
	if err != nil {
		return nil, err
	}
	return o.adopt(ctx, m, "ImportCanvas")
}

// adopt registers a new model and persists it
func (o *Overlay) adopt(ctx context.Context, m *canvas.Model, method string) (*canvas.Canvas, error) {
	id := m.ID()

	o.mu.Lock()
	if _, exists := o.entries[id]; exists {
		o.mu.Unlock()
		return nil, errors.WrapInvalid(fmt.Errorf("canvas %q already exists: %w", id, errors.ErrVersionConflict),
			"service.Overlay", method, "id check")
	}
	e := &entry{model: m}
	e.mu.Lock()
	o.entries[id] = e
	o.mu.Unlock()
	defer e.mu.Unlock()

	if o.store != nil {
		snap := m.Snapshot()
		if err := o.store.Create(ctx, snap); err != nil {
			o.mu.Lock()
			delete(o.entries, id)
			o.mu.Unlock()
			return nil, err
		}
		m.SetVersion(snap.Version)
	}

	o.logger.InfoContext(ctx, "Canvas created", "canvas", id)
	return m.Snapshot(), nil
}

// Canvas returns a snapshot of a canvas with its current status
func (o *Overlay) Canvas(ctx context.Context, id string) (*canvas.Canvas, error) {
	e, err := o.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.model.Snapshot(), nil
}

// ListCanvases returns every canvas ordered by id. With a store the
// stored canvases are listed, including those not loaded yet.
func (o *Overlay) ListCanvases(ctx context.Context) ([]*canvas.Canvas, error) {
	if o.store != nil {
		return o.store.List(ctx)
	}

	o.mu.RLock()
	out := make([]*canvas.Canvas, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e.model.Snapshot())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteCanvas removes a canvas. Running simulations keep their snapshot.
func (o *Overlay) DeleteCanvas(ctx context.Context, id string) error {
	e, err := o.entry(ctx, id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if o.store != nil {
		if err := o.store.Delete(ctx, id); err != nil && errors.KindOf(err) != errors.KindNotFound {
			return err
		}
	}
	o.mu.Lock()
	delete(o.entries, id)
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "Canvas deleted", "canvas", id)
	return nil
}

// AddBlock adds a block to a canvas
func (o *Overlay) AddBlock(ctx context.Context, canvasID string, spec canvas.BlockSpec) (*canvas.Block, error) {
	var b *canvas.Block
	err := o.mutate(ctx, canvasID, "add_block", func(m *canvas.Model) (err error) {
		b, err = m.AddBlock(ctx, spec)
		return err
	})
	return b, err
}

// UpdateBlock applies a partial update to a block
func (o *Overlay) UpdateBlock(ctx context.Context, canvasID, blockID string, update canvas.BlockUpdate) (*canvas.Block, error) {
	var b *canvas.Block
	err := o.mutate(ctx, canvasID, "update_block", func(m *canvas.Model) (err error) {
		b, err = m.UpdateBlock(ctx, blockID, update)
		return err
	})
	return b, err
}

// RemoveBlock removes a block and its connections
func (o *Overlay) RemoveBlock(ctx context.Context, canvasID, blockID string) (*canvas.Canvas, error) {
	var c *canvas.Canvas
	err := o.mutate(ctx, canvasID, "remove_block", func(m *canvas.Model) (err error) {
		c, err = m.RemoveBlock(ctx, blockID)
		return err
	})
	return c, err
}

// AddConnection connects two ports
func (o *Overlay) AddConnection(ctx context.Context, canvasID string, spec canvas.ConnectionSpec) (*canvas.Connection, error) {
	var conn *canvas.Connection
	err := o.mutate(ctx, canvasID, "add_connection", func(m *canvas.Model) (err error) {
		conn, err = m.AddConnection(ctx, spec)
		return err
	})
	return conn, err
}

// RemoveConnection removes a connection
func (o *Overlay) RemoveConnection(ctx context.Context, canvasID, connID string) (*canvas.Canvas, error) {
	var c *canvas.Canvas
	err := o.mutate(ctx, canvasID, "remove_connection", func(m *canvas.Model) (err error) {
		c, err = m.RemoveConnection(ctx, connID)
		return err
	})
	return c, err
}

// ValidateCanvas re-runs whole-canvas validation
func (o *Overlay) ValidateCanvas(ctx context.Context, canvasID string) (canvas.Report, error) {
	e, err := o.entry(ctx, canvasID)
	if err != nil {
		return canvas.Report{}, err
	}
	report := e.model.Validate(ctx)
	if o.metrics != nil {
		o.metrics.RecordValidation(report.IsValid)
	}
	o.logger.DebugContext(ctx, "Canvas validated", "canvas", canvasID,
		"errors", len(report.Errors), "warnings", len(report.Warnings))
	return report, nil
}

// SimulateOverlay runs a simulation to completion on the caller's
// goroutine. Execution failures are reported in the result status.
func (o *Overlay) SimulateOverlay(ctx context.Context, req simulation.Request) (*simulation.Result, error) {
	e, err := o.entry(ctx, req.CanvasID)
	if err != nil {
		return nil, err
	}
	return o.engine.Run(ctx, e.model.Snapshot(), req)
}

// SubmitSimulation queues a simulation and returns its pending result
func (o *Overlay) SubmitSimulation(ctx context.Context, req simulation.Request) (*simulation.Result, error) {
	e, err := o.entry(ctx, req.CanvasID)
	if err != nil {
		return nil, err
	}
	return o.engine.Submit(ctx, e.model.Snapshot(), req)
}

// Simulation returns the current state of a simulation
func (o *Overlay) Simulation(id string) (*simulation.Result, error) {
	return o.engine.Get(id)
}

// CancelSimulation requests cancellation and returns the current state
func (o *Overlay) CancelSimulation(id string) (*simulation.Result, error) {
	if err := o.engine.Cancel(id); err != nil {
		return nil, err
	}
	return o.engine.Get(id)
}

// Health runs the dependency probes
func (o *Overlay) Health(ctx context.Context) health.Status {
	return o.monitor.Check(ctx, "overlay")
}

// Uptime returns the time since the facade was created
func (o *Overlay) Uptime() time.Duration {
	return time.Since(o.started)
}

// mutate applies fn to a canvas model and saves the result. Saves are
// serialized per canvas.
func (o *Overlay) mutate(ctx context.Context, canvasID, op string, fn func(m *canvas.Model) error) error {
	e, err := o.entry(ctx, canvasID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	err = fn(e.model)
	if o.metrics != nil {
		o.metrics.RecordCanvasMutation(op, err)
	}
	if err != nil {
		return err
	}

	if o.store != nil {
		v, err := o.store.Save(ctx, e.model.Snapshot())
		if err != nil {
			o.logger.ErrorContext(ctx, "Canvas save failed", "canvas", canvasID, "op", op, "error", err)
			// The model is ahead of the store; drop it so the next access reloads.
			o.mu.Lock()
			if o.entries[canvasID] == e {
				delete(o.entries, canvasID)
			}
			o.mu.Unlock()
			return err
		}
		e.model.SetVersion(v)
	}
	return nil
}

// entry returns the loaded model for id, loading it from the store on
// first use
func (o *Overlay) entry(ctx context.Context, id string) (*entry, error) {
	o.mu.RLock()
	e, ok := o.entries[id]
	o.mu.RUnlock()
	if ok {
		return e, nil
	}
	if o.store == nil {
		return nil, errors.NewOverlayError(errors.KindNotFound, "canvas %q not found", id)
	}

	c, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[id]; ok {
		return e, nil
	}
	e = &entry{model: canvas.NewModel(c, o.registry, o.validator, o.modelOptions()...)}
	o.entries[id] = e
	o.logger.DebugContext(ctx, "Canvas loaded", "canvas", id, "version", c.Version)
	return e, nil
}

func (o *Overlay) modelOptions() []canvas.Option {
	return []canvas.Option{canvas.WithSink(o.sink), canvas.WithLogger(o.logger)}
}

func (o *Overlay) probeEngine(context.Context) error {
	stats := o.engine.Stats()
	if stats.QueueSize > 0 && stats.QueueDepth >= stats.QueueSize {
		return errors.WrapTransient(errors.ErrResourceExhausted, "service.Overlay", "Health", "simulation queue full")
	}
	return nil
}

func (o *Overlay) probeStore(ctx context.Context) error {
	_, err := o.store.List(ctx)
	return err
}
