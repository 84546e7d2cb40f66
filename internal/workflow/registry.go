package workflow

import (
	"sort"
	"sync"

	"github.com/kalambet/rah/internal/agent"
)

// Registry holds workflow definitions by key. It implements agent.Plans.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]Definition
	nextID int
}

// NewRegistry registers defs in order; a later definition replaces an
// earlier one with the same key and keeps its ID.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range defs {
		r.Put(d)
	}
	return r
}

// Load returns a registry with the built-ins plus the workflow files in dir.
func Load(dir string) (*Registry, error) {
	r := NewRegistry(Builtins()...)
	if dir == "" {
		return r, nil
	}
	defs, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		r.Put(d)
	}
	return r, nil
}

func (r *Registry) Put(d Definition) Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.defs[d.Key]; ok {
		d.ID = prev.ID
	} else {
		r.nextID++
		d.ID = r.nextID
	}
	r.defs[d.Key] = d
	return d
}

func (r *Registry) Get(key string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[key]
	return d, ok
}

// List returns every definition ordered by ID.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Plan(key string) (agent.Plan, bool) {
	d, ok := r.Get(key)
	if !ok {
		return agent.Plan{}, false
	}
	return agent.Plan{MaxIterations: d.MaxIterations, Tools: d.Tools}, true
}
