package clock

import "sync"

// Registry hands out one Clock per view, created lazily, so every view's
// watermark converges independently of the others.
type Registry struct {
	mu     sync.Mutex
	clocks map[string]*Clock
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clocks: make(map[string]*Clock)}
}

// For returns the Clock for viewID, creating it on first use.
func (r *Registry) For(viewID string) *Clock {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clocks[viewID]
	if !ok {
		c = New()
		r.clocks[viewID] = c
	}
	return c
}

// Drop removes a view's Clock, used when a view is reset.
func (r *Registry) Drop(viewID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clocks, viewID)
}
