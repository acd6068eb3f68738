package event

import (
	"fmt"
	"sync"
)

// Validator performs schema-specific row validation. It returns a
// *fserrors.ValidationError-compatible error (any error works; the Fusion
// Pipe treats any non-nil return as "skip this row", per spec.md §4.6(c)).
type Validator func(row Row) error

// Processor applies one already-validated row to whatever backing store the
// schema owns (for "fs", the View Tree via the Arbitrator). It returns a
// non-nil error only for conditions that should count against the handler's consecutive-failure budget
// (spec.md §4.6 View Handler isolation) rather than per-row validation.
type Processor func(viewID string, evt *Event, row Row, meta *Metadata) error

// Handler bundles a schema's Validator and Processor under the name the
// registry dispatches on.
type Handler struct {
	SchemaName string
	Validate   Validator
	Process    Processor
}

// Registry maps schema name to Handler, realizing spec.md §9's "tagged
// variants keyed by schema; a registry maps schema -> validator +
// processor."
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register installs a Handler, overwriting any previous registration for
// the same schema name.
func (r *Registry) Register(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.SchemaName] = h
}

// Get looks up the Handler for a schema name.
func (r *Registry) Get(schema string) (*Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[schema]
	if !ok {
		return nil, fmt.Errorf("fustor: no handler registered for schema %q", schema)
	}
	return h, nil
}

// Schemas lists every registered schema name.
func (r *Registry) Schemas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
