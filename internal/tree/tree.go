// Package tree implements the View Tree of spec.md §4.3: a path-keyed
// mutable tree of file/directory nodes plus the suspect-list, tombstone-list
// and blind-spot auxiliary sets that the Consistency Arbitrator uses to
// realize eventual consistency.
package tree

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/excelwang/fustor-sub003/internal/fserrors"
)

// SuspectEntry is the suspect-list value: a path awaiting re-verification by
// the Sentinel cycle.
type SuspectEntry struct {
	Expiry        time.Time
	ObservedMtime time.Time
}

// TombstoneEntry is the tombstone-list value: a deletion watermark awaiting
// Audit-driven TTL cleanup.
type TombstoneEntry struct {
	Watermark float64
	CreatedAt time.Time
}

// Tree is the per-view mutable path tree. Root "/" always exists and is
// never deleted.
type Tree struct {
	lock *RWMutex

	dirs  map[string]*node
	files map[string]*node

	maxNodes int

	// suspects and tombstones are go-cache instances used purely as
	// thread-safe maps (NoExpiration items): TTL policy is evaluated
	// explicitly by the Arbitrator's Audit/Sentinel cycles, not by
	// go-cache's background janitor, because spec.md §4.4's cleanup rule
	// depends on audit_start_physical_time, not just elapsed time.
	suspects   *cache.Cache
	tombstones *cache.Cache

	blindSpots map[string]struct{}
}

// New constructs an empty Tree with only the root directory present.
func New(maxNodes int) *Tree {
	t := &Tree{
		lock:       NewRWMutex(),
		dirs:       make(map[string]*node),
		files:      make(map[string]*node),
		maxNodes:   maxNodes,
		suspects:   cache.New(cache.NoExpiration, 0),
		tombstones: cache.New(cache.NoExpiration, 0),
		blindSpots: make(map[string]struct{}),
	}
	t.dirs["/"] = &node{name: "", path: "/", isDir: true, children: make(map[string]*node)}
	return t
}

// totalNodes counts every entry across both maps; callers must hold at
// least a read lock.
func (t *Tree) totalNodes() int {
	return len(t.dirs) + len(t.files)
}

// UpdateInput is the caller-supplied payload for UpdateNode, decoupled from
// the wire Row shape so the tree package has no dependency on any schema.
type UpdateInput struct {
	IsDir        bool
	Size         int64
	ModifiedTime time.Time
	CreatedTime  time.Time
	LastAgentID  string
	SourceURI    string
}

// Mutator exposes the lock-free (already-locked) tree operations available
// to a single call to Tree.Mutate, so a caller like the Arbitrator can
// perform a multi-step decision (e.g. resurrect: remove tombstone then
// insert) as one atomic unit, satisfying spec.md §8's "never an interleaved
// partial state" invariant.
type Mutator struct {
	t *Tree
}

// UpsertNode inserts or updates the node at path, materializing any missing
// ancestor directories first (spec.md §4.3 "Parent chain"). If the path
// flips between file and directory, the previous node (and, if it was a
// directory, its entire subtree) is removed first (spec.md §4.3 "Type
// switch"). Returns the resulting NodeInfo.
func (m *Mutator) UpsertNode(p string, in UpdateInput) (NodeInfo, error) {
	p = normalizePath(p)
	if p == "/" {
		// Root is never deleted/type-switched; just refresh its fields.
		root := m.t.dirs["/"]
		root.size = in.Size
		root.modifiedTime = in.ModifiedTime
		root.lastUpdatedAt = time.Now()
		root.lastAgentID = in.LastAgentID
		root.sourceURI = in.SourceURI
		return root.info(), nil
	}

	// Count every missing ancestor before mutating anything, so a chain
	// that doesn't fit is rejected as a whole rather than partially
	// materialized (spec.md §8 "the tree's prior state is unchanged").
	var missingAncestors []string
	for _, anc := range ancestors(p) {
		if _, ok := m.t.dirs[anc]; !ok {
			missingAncestors = append(missingAncestors, anc)
		}
	}
	// A missing ancestor implies the leaf itself is new, so it is counted too.
	if m.t.maxNodes > 0 && len(missingAncestors) > 0 && m.t.totalNodes()+len(missingAncestors)+1 > m.t.maxNodes {
		return NodeInfo{}, fserrors.ErrCapacityExceeded
	}
	for _, anc := range missingAncestors {
		name := filepath.Base(anc)
		m.t.dirs[anc] = &node{name: name, path: anc, isDir: true, children: make(map[string]*node)}
		parent, _ := splitParent(anc)
		m.t.dirs[parent].children[name] = m.t.dirs[anc]
	}

	parent, base := splitParent(p)

	existingDir, isDirNow := m.t.dirs[p]
	existingFile, isFileNow := m.t.files[p]
	switchingType := (isDirNow && !in.IsDir) || (isFileNow && in.IsDir)

	if switchingType {
		if isDirNow {
			m.removeSubtree(existingDir)
		} else if isFileNow {
			delete(m.t.files, p)
			delete(m.t.dirs[parent].children, base)
		}
		isDirNow, isFileNow = false, false
	}

	if !isDirNow && !isFileNow {
		if m.t.maxNodes > 0 && m.t.totalNodes() >= m.t.maxNodes {
			return NodeInfo{}, fserrors.ErrCapacityExceeded
		}
		n := &node{name: base, path: p, isDir: in.IsDir}
		if in.IsDir {
			n.children = make(map[string]*node)
			m.t.dirs[p] = n
		} else {
			m.t.files[p] = n
		}
		m.t.dirs[parent].children[base] = n
		existingDir, existingFile = n, n
	}

	var target *node
	if in.IsDir {
		target = existingDir
	} else {
		target = existingFile
	}
	target.size = in.Size
	target.modifiedTime = in.ModifiedTime
	if target.createdTime.IsZero() {
		target.createdTime = in.CreatedTime
	}
	target.lastUpdatedAt = time.Now()
	target.lastAgentID = in.LastAgentID
	target.sourceURI = in.SourceURI

	return target.info(), nil
}

// DeleteNode removes the node at path (and, if it is a directory, its
// entire subtree) from both maps and clears it from the suspect,
// blind-spot, and (unless the caller is about to insert its own tombstone
// for this exact delete) tombstone sets. Deleting "/" is rejected.
func (m *Mutator) DeleteNode(p string, clearOwnTombstone bool) error {
	p = normalizePath(p)
	if p == "/" {
		return fserrors.ErrRootDelete
	}
	parent, base := splitParent(p)
	if d, ok := m.t.dirs[p]; ok {
		m.removeSubtree(d)
	} else if _, ok := m.t.files[p]; ok {
		delete(m.t.files, p)
		m.t.suspects.Delete(p)
		delete(m.t.blindSpots, p)
		if clearOwnTombstone {
			m.t.tombstones.Delete(p)
		}
	} else {
		return nil
	}
	if parentNode, ok := m.t.dirs[parent]; ok {
		delete(parentNode.children, base)
	}
	return nil
}

// removeSubtree deletes a directory node and every descendant from both
// maps and all auxiliary sets (spec.md §4.3 "Recursive delete").
func (m *Mutator) removeSubtree(d *node) {
	for _, child := range d.children {
		if child.isDir {
			m.removeSubtree(child)
		} else {
			delete(m.t.files, child.path)
			m.t.suspects.Delete(child.path)
			delete(m.t.blindSpots, child.path)
			m.t.tombstones.Delete(child.path)
		}
	}
	delete(m.t.dirs, d.path)
	m.t.suspects.Delete(d.path)
	delete(m.t.blindSpots, d.path)
	m.t.tombstones.Delete(d.path)
}

// SetTombstone records a deletion watermark for path.
func (m *Mutator) SetTombstone(p string, entry TombstoneEntry) {
	m.t.tombstones.Set(normalizePath(p), entry, cache.NoExpiration)
}

// ClearTombstone removes any tombstone for path (used on Resurrect).
func (m *Mutator) ClearTombstone(p string) {
	m.t.tombstones.Delete(normalizePath(p))
}

// RangeTombstones visits every tombstone-list entry; if fn returns true the
// entry is removed. Used by the Audit cycle's TTL cleanup.
func (m *Mutator) RangeTombstones(fn func(path string, entry TombstoneEntry) bool) {
	for k, item := range m.t.tombstones.Items() {
		if fn(k, item.Object.(TombstoneEntry)) {
			m.t.tombstones.Delete(k)
		}
	}
}

// RangeSuspects visits every suspect-list entry; fn decides which are due
// for Sentinel re-verification (it may call SetSuspect/ClearSuspect/
// DeleteNode/SetTombstone on m to act on each path).
func (m *Mutator) RangeSuspects(fn func(path string, entry SuspectEntry)) {
	for k, item := range m.t.suspects.Items() {
		fn(k, item.Object.(SuspectEntry))
	}
}

// GetTombstone looks up a tombstone without mutating anything.
func (m *Mutator) GetTombstone(p string) (TombstoneEntry, bool) {
	v, ok := m.t.tombstones.Get(normalizePath(p))
	if !ok {
		return TombstoneEntry{}, false
	}
	return v.(TombstoneEntry), true
}

// SetSuspect records or refreshes a suspect-list entry for path.
func (m *Mutator) SetSuspect(p string, entry SuspectEntry) {
	m.t.suspects.Set(normalizePath(p), entry, cache.NoExpiration)
}

// ClearSuspect removes a suspect-list entry for path.
func (m *Mutator) ClearSuspect(p string) {
	m.t.suspects.Delete(normalizePath(p))
}

// SetIntegritySuspect toggles the integrity_suspect flag on an existing
// node, a no-op if the node is absent.
func (m *Mutator) SetIntegritySuspect(p string, suspect bool) {
	p = normalizePath(p)
	if n, ok := m.t.files[p]; ok {
		n.integritySuspect = suspect
		return
	}
	if n, ok := m.t.dirs[p]; ok {
		n.integritySuspect = suspect
	}
}

// GetNodeLocked reads a node without acquiring a new lock, for use inside
// Mutate/View callbacks.
func (m *Mutator) GetNodeLocked(p string) (NodeInfo, bool) {
	return m.t.getLocked(normalizePath(p))
}

// AddBlindSpot marks path as an out-of-order addition the next Audit should
// reconcile.
func (m *Mutator) AddBlindSpot(p string) {
	m.t.blindSpots[normalizePath(p)] = struct{}{}
}

// RemoveBlindSpot clears path from the blind-spot set, e.g. once Audit has
// reconciled it.
func (m *Mutator) RemoveBlindSpot(p string) {
	delete(m.t.blindSpots, normalizePath(p))
}

// Mutate runs fn under the tree's single write lock, giving it compound,
// atomic access to the node maps and every auxiliary set.
func (t *Tree) Mutate(ctx context.Context, fn func(ctx context.Context, m *Mutator) error) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return fn(ctx, &Mutator{t: t})
}

func (t *Tree) getLocked(p string) (NodeInfo, bool) {
	if d, ok := t.dirs[p]; ok {
		return d.info(), true
	}
	if f, ok := t.files[p]; ok {
		return f.info(), true
	}
	return NodeInfo{}, false
}

// GetNode returns the node at path, if any.
func (t *Tree) GetNode(ctx context.Context, p string) (NodeInfo, bool) {
	ctx, unlock := t.lock.RLock(ctx)
	defer unlock()
	return t.getLocked(normalizePath(p))
}

// ListDir lists the immediate (or, with maxDepth, deeper) children of a
// directory. onlyPath restricts output to paths only, omitting metadata
// lookups for descendants beyond what's needed to report the name.
// maxDepth <= 0 means unlimited depth.
func (t *Tree) ListDir(ctx context.Context, p string, maxDepth int, onlyPath bool) ([]NodeInfo, error) {
	ctx, unlock := t.lock.RLock(ctx)
	defer unlock()

	p = normalizePath(p)
	root, ok := t.dirs[p]
	if !ok {
		return nil, nil
	}
	var out []NodeInfo
	var walk func(n *node, depth int)
	walk = func(n *node, depth int) {
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child := n.children[name]
			info := child.info()
			if onlyPath {
				info = NodeInfo{Name: info.Name, Path: info.Path, IsDir: info.IsDir}
			}
			out = append(out, info)
			if child.isDir && (maxDepth <= 0 || depth < maxDepth) {
				walk(child, depth+1)
			}
		}
	}
	walk(root, 1)
	return out, nil
}

// Search looks up nodes by glob pattern (if it contains a glob
// metacharacter) or plain substring otherwise, up to limit results, ordered
// by path for determinism.
func (t *Tree) Search(ctx context.Context, query string, limit int) []NodeInfo {
	ctx, unlock := t.lock.RLock(ctx)
	defer unlock()

	isGlob := strings.ContainsAny(query, "*?[")
	var matches []NodeInfo
	collect := func(n *node) {
		if isGlob {
			if ok, _ := filepath.Match(query, n.path); ok {
				matches = append(matches, n.info())
			}
		} else if strings.Contains(n.path, query) {
			matches = append(matches, n.info())
		}
	}
	for _, d := range t.dirs {
		collect(d)
	}
	for _, f := range t.files {
		collect(f)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Stats is the read API's aggregate view of tree size.
type Stats struct {
	DirCount    int   `json:"dir_count"`
	FileCount   int   `json:"file_count"`
	TotalSize   int64 `json:"total_size"`
	SuspectSize int   `json:"suspect_list_size"`
	Tombstones  int   `json:"tombstone_list_size"`
	BlindSpots  int   `json:"blind_spot_size"`
}

// Stats summarizes the tree for the GET stats read API.
func (t *Tree) Stats(ctx context.Context) Stats {
	ctx, unlock := t.lock.RLock(ctx)
	defer unlock()

	var total int64
	for _, f := range t.files {
		total += f.size
	}
	return Stats{
		DirCount:    len(t.dirs),
		FileCount:   len(t.files),
		TotalSize:   total,
		SuspectSize: t.suspects.ItemCount(),
		Tombstones:  t.tombstones.ItemCount(),
		BlindSpots:  len(t.blindSpots),
	}
}

// SuspectList returns a snapshot of the suspect-list for the GET
// suspect-list read API.
func (t *Tree) SuspectList(ctx context.Context) map[string]SuspectEntry {
	ctx, unlock := t.lock.RLock(ctx)
	defer unlock()
	out := make(map[string]SuspectEntry, t.suspects.ItemCount())
	for k, item := range t.suspects.Items() {
		out[k] = item.Object.(SuspectEntry)
	}
	return out
}

// TombstoneList returns a snapshot of the tombstone-list.
func (t *Tree) TombstoneList(ctx context.Context) map[string]TombstoneEntry {
	ctx, unlock := t.lock.RLock(ctx)
	defer unlock()
	out := make(map[string]TombstoneEntry, t.tombstones.ItemCount())
	for k, item := range t.tombstones.Items() {
		out[k] = item.Object.(TombstoneEntry)
	}
	return out
}

// BlindSpots returns a snapshot of the blind-spot set.
func (t *Tree) BlindSpots(ctx context.Context) []string {
	ctx, unlock := t.lock.RLock(ctx)
	defer unlock()
	out := make([]string, 0, len(t.blindSpots))
	for p := range t.blindSpots {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
