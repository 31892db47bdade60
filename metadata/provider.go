// Package metadata defines the metadata lookup contract used for derived-frame
// synthesis, plus an in-memory provider.
package metadata

import (
	"sync"

	"github.com/justapithecus/framefetch/types"
)

// ModuleImagePlane is the module holding frame geometry (types.Geometry).
const ModuleImagePlane = "imagePlaneModule"

// Provider looks up metadata by module name and frame identifier.
type Provider interface {
	Get(module string, id types.Identifier) (any, bool)
}

// ImagePlane returns the geometry registered for id, if any.
// Accepts types.Geometry or *types.Geometry values.
func ImagePlane(p Provider, id types.Identifier) (types.Geometry, bool) {
	if p == nil {
		return types.Geometry{}, false
	}
	v, ok := p.Get(ModuleImagePlane, id)
	if !ok {
		return types.Geometry{}, false
	}
	switch g := v.(type) {
	case types.Geometry:
		return g, g.Valid()
	case *types.Geometry:
		if g == nil {
			return types.Geometry{}, false
		}
		return *g, g.Valid()
	default:
		return types.Geometry{}, false
	}
}

// Memory is a concurrency-safe in-memory Provider.
type Memory struct {
	mu      sync.RWMutex
	modules map[string]map[types.Identifier]any
}

// NewMemory creates an empty provider.
func NewMemory() *Memory {
	return &Memory{modules: make(map[string]map[types.Identifier]any)}
}

// Add stores value for (module, id), replacing any previous value.
func (m *Memory) Add(module string, id types.Identifier, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.modules[module]
	if !ok {
		entries = make(map[types.Identifier]any)
		m.modules[module] = entries
	}
	entries[id] = value
}

// AddImagePlane stores geometry for id.
func (m *Memory) AddImagePlane(id types.Identifier, g types.Geometry) {
	m.Add(ModuleImagePlane, id, g)
}

// Get implements Provider.
func (m *Memory) Get(module string, id types.Identifier) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.modules[module][id]
	return v, ok
}

// Verify Memory implements Provider.
var _ Provider = (*Memory)(nil)
