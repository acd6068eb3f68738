// Package view owns the per-view bundle of state spec.md's Glossary calls
// "the target, path-keyed tree representing the current filesystem state
// for a logical endpoint": a View Tree, its Logical Clock, its Consistency
// Arbitrator, and the readiness/authorization bits the Fusion Pipe's
// receive path and read APIs both need.
package view

import (
	"sync"

	"github.com/excelwang/fustor-sub003/internal/arbitrate"
	"github.com/excelwang/fustor-sub003/internal/clock"
	"github.com/excelwang/fustor-sub003/internal/tree"
)

// Config is a view's static configuration, loaded from fustor_home
// (spec.md §6).
type Config struct {
	ID                 string
	APIKey             string
	MaxNodes           int
	AllowConcurrentPush bool
	ForestMode         bool
	Arbitrate          arbitrate.Options
}

// View bundles one logical endpoint's mutable state.
type View struct {
	Config Config

	Tree       *tree.Tree
	Clock      *clock.Clock
	Arbitrator *arbitrate.Arbitrator

	mu    sync.Mutex
	ready bool // true once the authoritative session's Snapshot completed
}

// New constructs a View with a fresh Tree/Clock/Arbitrator triple.
func New(cfg Config) *View {
	t := tree.New(cfg.MaxNodes)
	c := clock.New()
	return &View{
		Config:     cfg,
		Tree:       t,
		Clock:      c,
		Arbitrator: arbitrate.New(t, c, cfg.Arbitrate),
	}
}

// Ready reports whether this view's readiness gate has opened (spec.md
// §4.6 "Readiness gate"): read APIs are unavailable until the authoritative
// session reports Snapshot complete.
func (v *View) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ready
}

// MarkSnapshotComplete opens the readiness gate. Per spec.md §4.6 "Signals",
// only a Leader's Snapshot-end signal should call this; a Follower's is
// ignored by the caller before it ever reaches here.
func (v *View) MarkSnapshotComplete() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ready = true
}

// Reset implements the `DELETE reset` read API and the per-view state
// corruption recovery path of spec.md §7: drop and rebuild the tree, clock,
// and arbitrator, and close the readiness gate until the next Snapshot.
func (v *View) Reset() {
	t := tree.New(v.Config.MaxNodes)
	c := clock.New()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Tree = t
	v.Clock = c
	v.Arbitrator = arbitrate.New(t, c, v.Config.Arbitrate)
	v.ready = false
}

// ElectionKey returns the Leader-lock key this view's sessions contest:
// view_id alone in single-view mode, view_id:pipe_id in forest mode
// (spec.md §4.6).
func (v *View) ElectionKey(pipeID string) string {
	if !v.Config.ForestMode || pipeID == "" {
		return v.Config.ID
	}
	return v.Config.ID + ":" + pipeID
}

// Registry owns every View a Fusion process serves, keyed by view id.
type Registry struct {
	mu    sync.RWMutex
	views map[string]*View
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{views: make(map[string]*View)}
}

// Register installs v, overwriting any previous view with the same id.
func (r *Registry) Register(v *View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views[v.Config.ID] = v
}

// Get looks up a view by id.
func (r *Registry) Get(id string) (*View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[id]
	return v, ok
}

// Remove drops a view, e.g. on config reload when it's no longer declared.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.views, id)
}

// List returns every registered view, for iteration during config reload
// or periodic cycles.
func (r *Registry) List() []*View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*View, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, v)
	}
	return out
}
