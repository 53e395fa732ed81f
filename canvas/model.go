package canvas

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackmotive/overlay/audit"
	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/errors"
)

// Validator checks proposed connections and whole canvases. It must be
// pure and free of I/O because it runs inside every mutation.
type Validator interface {
	ValidateConnection(c *Canvas, conn *Connection) error
	ValidateCanvas(c *Canvas) Report
}

// BlockSpec describes a block to add. An empty ID is generated.
type BlockSpec struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	Position   Position       `json:"position"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// BlockUpdate is a partial block update. Parameters are merged into the
// existing values; a nil value removes the parameter.
type BlockUpdate struct {
	Name       *string        `json:"name,omitempty"`
	Position   *Position      `json:"position,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ConnectionSpec describes a connection to add. Weight defaults to 1 and
// Active to true.
type ConnectionSpec struct {
	ID            string   `json:"id,omitempty"`
	SourceBlockID string   `json:"source_block_id"`
	SourcePort    string   `json:"source_port"`
	TargetBlockID string   `json:"target_block_id"`
	TargetPort    string   `json:"target_port"`
	Weight        *float64 `json:"weight,omitempty"`
	Active        *bool    `json:"active,omitempty"`
}

// Model is the single writer of one canvas. Every mutation clones the
// current canvas, applies the change, re-validates and then publishes the
// clone, so a failed mutation leaves no trace and readers never observe a
// half-applied change.
type Model struct {
	mu        sync.Mutex
	current   *Canvas
	registry  *block.Registry
	validator Validator
	sink      audit.Sink
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Model
type Option func(*Model)

// WithSink sets the audit sink
func WithSink(s audit.Sink) Option {
	return func(m *Model) {
		if s != nil {
			m.sink = s
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used for UpdatedAt
func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		if now != nil {
			m.now = now
		}
	}
}

// NewModel takes ownership of c and computes its initial status.
func NewModel(c *Canvas, registry *block.Registry, validator Validator, opts ...Option) *Model {
	m := &Model{
		registry:  registry,
		validator: validator,
		sink:      audit.Discard,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "canvas", "canvas_id", c.ID)

	next := c.Clone()
	next.Status = validator.ValidateCanvas(next)
	m.current = next
	return m
}

// ID returns the canvas id
func (m *Model) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.ID
}

// Snapshot returns a deep copy of the current canvas, safe to hand to a
// simulation or a store.
func (m *Model) Snapshot() *Canvas {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// Report returns the validation status of the current canvas
func (m *Model) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Status.Clone()
}

// Version returns the persisted version of the canvas
func (m *Model) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Version
}

// SetVersion records the version assigned by the store after a save
func (m *Model) SetVersion(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.current.Clone()
	next.Version = v
	m.current = next
}

// Validate re-runs whole-canvas validation and emits a canvas.validated
// record with the error and warning counts.
func (m *Model) Validate(ctx context.Context) Report {
	m.mu.Lock()
	next := m.current.Clone()
	next.Status = m.validator.ValidateCanvas(next)
	m.current = next
	report := next.Status.Clone()
	m.mu.Unlock()

	rec := audit.New(audit.CanvasValidated)
	rec.CanvasID = next.ID
	rec.Errors = len(report.Errors)
	rec.Warnings = len(report.Warnings)
	m.sink.Emit(ctx, rec)
	return report
}

// AddBlock validates the parameters against the block's definition and
// inserts the block.
func (m *Model) AddBlock(ctx context.Context, spec BlockSpec) (*Block, error) {
	var added *Block
	rec, err := m.mutate(ctx, audit.BlockAdded, func(next *Canvas) (audit.Record, error) {
		if limit := next.Config.MaxBlocks; limit > 0 && len(next.Blocks) >= limit {
			return audit.Record{}, errors.NewOverlayError(errors.KindConstraintViolation,
				"canvas already has the maximum of %d blocks", limit).
				WithSuggestions("Remove unused blocks", "Raise max_blocks in the canvas configuration")
		}

		def, err := m.registry.Definition(spec.Type)
		if err != nil {
			return audit.Record{}, errors.NewOverlayError(errors.KindStructural,
				"unknown block type %q", spec.Type).WithCause(err).
				WithSuggestions("Pick a block type from the registry")
		}

		id := spec.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, exists := next.Blocks[id]; exists {
			return audit.Record{}, errors.NewOverlayError(errors.KindStructural,
				"block %q already exists", id).WithBlock(id)
		}

		params, violations := def.ParseParameters(spec.Parameters)
		if len(violations) > 0 {
			return audit.Record{}, errors.NewOverlayError(errors.KindParameterValidation,
				"invalid parameters for %s block", def.Type).WithBlock(id).WithViolations(violations)
		}

		name := spec.Name
		if name == "" {
			name = def.Type
		}
		added = &Block{ID: id, Type: def.Type, Name: name, Position: spec.Position, Parameters: params}
		next.insertBlock(added)

		rec := audit.New(audit.BlockAdded)
		rec.BlockID = id
		rec.Attributes = map[string]any{"block_type": def.Type}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Block added", "block_id", rec.BlockID)
	return added.clone(), nil
}

// RemoveBlock removes a block and every connection that references it.
func (m *Model) RemoveBlock(ctx context.Context, id string) (*Canvas, error) {
	_, err := m.mutate(ctx, audit.BlockRemoved, func(next *Canvas) (audit.Record, error) {
		b, ok := next.Blocks[id]
		if !ok {
			return audit.Record{}, errors.NewOverlayError(errors.KindNotFound, "block %q not found", id).WithBlock(id)
		}

		cascaded := next.Touching(id)
		for _, connID := range cascaded {
			next.deleteConnection(connID)
		}
		next.deleteBlock(id)

		rec := audit.New(audit.BlockRemoved)
		rec.BlockID = id
		rec.Attributes = map[string]any{"block_type": b.Type, "connections_removed": len(cascaded)}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return m.Snapshot(), nil
}

// UpdateBlock applies a partial update. Parameters are re-validated
// against the definition.
func (m *Model) UpdateBlock(ctx context.Context, id string, update BlockUpdate) (*Block, error) {
	var updated *Block
	_, err := m.mutate(ctx, audit.BlockUpdated, func(next *Canvas) (audit.Record, error) {
		b, ok := next.Blocks[id]
		if !ok {
			return audit.Record{}, errors.NewOverlayError(errors.KindNotFound, "block %q not found", id).WithBlock(id)
		}

		if update.Parameters != nil {
			def, err := m.registry.Definition(b.Type)
			if err != nil {
				return audit.Record{}, errors.NewOverlayError(errors.KindStructural,
					"block %q has unknown type %q", id, b.Type).WithBlock(id).WithCause(err)
			}

			raw := make(map[string]any, len(b.Parameters)+len(update.Parameters))
			for name, v := range b.Parameters {
				raw[name] = v
			}
			for name, v := range update.Parameters {
				if v == nil {
					delete(raw, name)
					continue
				}
				raw[name] = v
			}

			params, violations := def.ParseParameters(raw)
			if len(violations) > 0 {
				return audit.Record{}, errors.NewOverlayError(errors.KindParameterValidation,
					"invalid parameters for %s block", def.Type).WithBlock(id).WithViolations(violations)
			}
			b.Parameters = params
		}
		if update.Name != nil {
			b.Name = *update.Name
		}
		if update.Position != nil {
			b.Position = *update.Position
		}
		updated = b

		rec := audit.New(audit.BlockUpdated)
		rec.BlockID = id
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return updated.clone(), nil
}

// AddConnection links an output port to an input port. The connection is
// checked by the validator first; any violation leaves the canvas as it
// was.
func (m *Model) AddConnection(ctx context.Context, spec ConnectionSpec) (*Connection, error) {
	var added *Connection
	_, err := m.mutate(ctx, audit.ConnectionCreated, func(next *Canvas) (audit.Record, error) {
		if limit := next.Config.MaxConnections; limit > 0 && len(next.Connections) >= limit {
			return audit.Record{}, errors.NewOverlayError(errors.KindConstraintViolation,
				"canvas already has the maximum of %d connections", limit).
				WithSuggestions("Remove unused connections", "Raise max_connections in the canvas configuration")
		}

		id := spec.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, exists := next.Connections[id]; exists {
			return audit.Record{}, errors.NewOverlayError(errors.KindStructural,
				"connection %q already exists", id).WithConnection(id)
		}

		conn := &Connection{
			ID:            id,
			SourceBlockID: spec.SourceBlockID,
			SourcePort:    spec.SourcePort,
			TargetBlockID: spec.TargetBlockID,
			TargetPort:    spec.TargetPort,
			Weight:        1,
			Active:        true,
		}
		if spec.Weight != nil {
			conn.Weight = *spec.Weight
		}
		if spec.Active != nil {
			conn.Active = *spec.Active
		}
		if err := m.validator.ValidateConnection(next, conn); err != nil {
			return audit.Record{}, err
		}
		if src, ok := next.Blocks[conn.SourceBlockID]; ok {
			if def, err := m.registry.Definition(src.Type); err == nil {
				if port, ok := def.Output(conn.SourcePort); ok {
					conn.Type = string(port.DataType)
				}
			}
		}

		next.insertConnection(conn)
		added = conn

		rec := audit.New(audit.ConnectionCreated)
		rec.ConnectionID = id
		rec.Attributes = map[string]any{
			"source": conn.SourceBlockID + "." + conn.SourcePort,
			"target": conn.TargetBlockID + "." + conn.TargetPort,
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *added
	return &cp, nil
}

// RemoveConnection removes a connection by id
func (m *Model) RemoveConnection(ctx context.Context, id string) (*Canvas, error) {
	_, err := m.mutate(ctx, audit.ConnectionRemoved, func(next *Canvas) (audit.Record, error) {
		if _, ok := next.Connections[id]; !ok {
			return audit.Record{}, errors.NewOverlayError(errors.KindNotFound,
				"connection %q not found", id).WithConnection(id)
		}
		next.deleteConnection(id)

		rec := audit.New(audit.ConnectionRemoved)
		rec.ConnectionID = id
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return m.Snapshot(), nil
}

// mutate runs apply against a clone of the current canvas. On success the
// clone is re-validated and published, and the audit record is emitted
// with the new error and warning counts.
func (m *Model) mutate(ctx context.Context, op string, apply func(next *Canvas) (audit.Record, error)) (audit.Record, error) {
	m.mu.Lock()
	next := m.current.Clone()
	rec, err := apply(next)
	if err != nil {
		m.mu.Unlock()
		m.logger.Debug("Mutation rejected", "op", op, "error", err)
		return audit.Record{}, err
	}

	next.UpdatedAt = m.now()
	next.Status = m.validator.ValidateCanvas(next)
	m.current = next
	m.mu.Unlock()

	rec.CanvasID = next.ID
	rec.Errors = len(next.Status.Errors)
	rec.Warnings = len(next.Status.Warnings)
	m.sink.Emit(ctx, rec)
	return rec, nil
}
