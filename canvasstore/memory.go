package canvasstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
)

// Memory is an in-process store with the same versioning rules as Store
type Memory struct {
	mu       sync.RWMutex
	canvases map[string]*canvas.Canvas
	now      func() time.Time
}

// NewMemory creates an empty Memory store
func NewMemory() *Memory {
	return &Memory{canvases: make(map[string]*canvas.Canvas), now: time.Now}
}

// Create stores a new canvas at version 1
func (m *Memory) Create(_ context.Context, c *canvas.Canvas) error {
	if err := checkCanvas(c, "Create"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.canvases[c.ID]; exists {
		return errors.WrapInvalid(fmt.Errorf("canvas %q already exists: %w", c.ID, errors.ErrVersionConflict),
			"canvasstore", "Create", "existence check")
	}
	next := stamp(c, 1, m.now())
	m.canvases[c.ID] = next
	adopt(c, next)
	return nil
}

// Get returns a copy of a stored canvas
func (m *Memory) Get(_ context.Context, id string) (*canvas.Canvas, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.canvases[id]
	if !ok {
		return nil, notFound(id)
	}
	return c.Clone(), nil
}

// Save stores c if its version is current
func (m *Memory) Save(_ context.Context, c *canvas.Canvas) (int64, error) {
	if err := checkCanvas(c, "Save"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.canvases[c.ID]
	if !ok {
		return 0, notFound(c.ID)
	}
	if err := checkVersion(c, stored.Version); err != nil {
		return 0, err
	}
	next := stamp(c, stored.Version+1, m.now())
	next.CreatedAt = stored.CreatedAt
	m.canvases[c.ID] = next
	adopt(c, next)
	return c.Version, nil
}

// Delete removes a canvas
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.canvases[id]; !ok {
		return notFound(id)
	}
	delete(m.canvases, id)
	return nil
}

// List returns copies of all canvases ordered by id
func (m *Memory) List(_ context.Context) ([]*canvas.Canvas, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*canvas.Canvas, 0, len(m.canvases))
	for _, c := range m.canvases {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
