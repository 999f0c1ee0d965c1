package events

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds event definitions by name.
type Registry struct {
	defs map[string]Definition
	mu   sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Catalogue is the process-wide registry that package-level typed events
// register into.
var Catalogue = NewRegistry()

// Register validates def and adds it. Names are unique.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.Module == "" {
		def.Module = moduleOf(def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return &EventError{
			Type:    ErrorDuplicateRegistration,
			Event:   def.Name,
			Message: fmt.Sprintf("event already registered: %s", def.Name),
		}
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is Register for package-level declarations.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get retrieves a definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns every definition sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByModule returns the definitions owned by module, sorted by name.
func (r *Registry) ListByModule(module string) []Definition {
	var out []Definition
	for _, def := range r.List() {
		if def.Module == module {
			out = append(out, def)
		}
	}
	return out
}
