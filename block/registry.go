package block

import (
	"fmt"
	"sync"

	"github.com/stackmotive/overlay/errors"
)

// Registration pairs a definition with its transform
type Registration struct {
	Definition Definition
	Transform  Transform
}

// Registry is the catalog of block types. It is populated at startup and
// read-only afterwards; lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	impls map[string]Transform
	order []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		defs:  make(map[string]*Definition),
		impls: make(map[string]Transform),
	}
}

// Register adds a block type. The definition is validated and copied, so
// later changes by the caller do not leak into the registry.
func (r *Registry) Register(def Definition, transform Transform) error {
	if transform == nil {
		return errors.WrapInvalid(fmt.Errorf("block type %q has no transform", def.Type),
			"block.Registry", "Register", "transform validation")
	}

	def = copyDefinition(def)
	if err := def.compile(); err != nil {
		return errors.WrapInvalid(err, "block.Registry", "Register", "definition validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Type]; exists {
		return errors.WrapInvalid(fmt.Errorf("block type %q is already registered", def.Type),
			"block.Registry", "Register", "duplicate type check")
	}

	r.defs[def.Type] = &def
	r.impls[def.Type] = transform
	r.order = append(r.order, def.Type)
	return nil
}

// MustRegister registers a batch of block types and panics on error. It is
// meant for static built-in catalogs.
func (r *Registry) MustRegister(regs ...Registration) {
	for _, reg := range regs {
		if err := r.Register(reg.Definition, reg.Transform); err != nil {
			panic(err)
		}
	}
}

// Definition returns the definition for a block type. The returned value
// must be treated as read-only.
func (r *Registry) Definition(blockType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[blockType]
	if !ok {
		return nil, errors.NewOverlayError(errors.KindNotFound, "unknown block type %q", blockType).
			WithSuggestions("List available block types with GET /blocks")
	}
	return def, nil
}

// List returns definitions in registration order, optionally filtered by
// category.
func (r *Registry) List(categories ...Category) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.order))
	for _, t := range r.order {
		def := r.defs[t]
		if len(categories) > 0 && !hasCategory(categories, def.Category) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// Transform returns the transform registered for a block type
func (r *Registry) Transform(blockType string) (Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.impls[blockType]
	return t, ok
}

// Len returns the number of registered block types
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func hasCategory(categories []Category, c Category) bool {
	for _, cat := range categories {
		if cat == c {
			return true
		}
	}
	return false
}

func copyDefinition(d Definition) Definition {
	d.Inputs = append([]InputPort(nil), d.Inputs...)
	d.Outputs = append([]OutputPort(nil), d.Outputs...)
	params := make([]ParamSchema, len(d.Params))
	for i, p := range d.Params {
		p.Enum = append([]string(nil), p.Enum...)
		if p.Min != nil {
			p.Min = Float(*p.Min)
		}
		if p.Max != nil {
			p.Max = Float(*p.Max)
		}
		params[i] = p
	}
	d.Params = params
	return d
}
