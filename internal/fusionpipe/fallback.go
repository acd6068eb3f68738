package fusionpipe

import (
	"context"
	"sync"
)

// OnDemandFallback is invoked by the readiness gate (spec.md §4.6) when a
// read API is called against a view that isn't ready yet: it queues a
// remote on-demand scan command to the view's Leader Agent and returns a
// job id the caller can report back to the client.
type OnDemandFallback func(ctx context.Context, viewID, path string) (jobID string, pending bool, err error)

// FallbackRegistry is the "indirection via a registry" spec.md §9 calls for
// to resolve the cyclic collaboration between the Fusion Pipe (which needs
// to queue a command) and the Session Bridge (which owns the session that
// can receive one): neither holds a direct reference to the other, both
// reach through this explicitly-constructed, shared registry initialized
// at startup (spec.md §9 "no hidden singletons beyond a metrics facade").
type FallbackRegistry struct {
	mu sync.RWMutex
	fn OnDemandFallback
}

// NewFallbackRegistry constructs an empty registry; Set is called once
// during startup wiring, after both the Fusion Pipe and the Session Bridge
// exist.
func NewFallbackRegistry() *FallbackRegistry {
	return &FallbackRegistry{}
}

// Set installs the fallback implementation.
func (r *FallbackRegistry) Set(fn OnDemandFallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fn = fn
}

// Invoke calls the installed fallback, or returns ok=false if none has been
// registered yet (e.g. during startup before the Session Bridge is wired).
func (r *FallbackRegistry) Invoke(ctx context.Context, viewID, path string) (jobID string, pending bool, ok bool, err error) {
	r.mu.RLock()
	fn := r.fn
	r.mu.RUnlock()
	if fn == nil {
		return "", false, false, nil
	}
	jobID, pending, err = fn(ctx, viewID, path)
	return jobID, pending, true, err
}
