// Package arbitrate implements the Consistency Arbitrator of spec.md §4.4:
// the per-row decision function that turns a possibly out-of-order,
// possibly multi-source stream of filesystem events into one convergent
// View Tree, using the per-view Logical Clock to reason about staleness.
package arbitrate

import (
	"context"
	"sync"
	"time"

	"github.com/excelwang/fustor-sub003/internal/clock"
	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/tree"
)

// Decision records which branch of spec.md §4.4's decision table fired, for
// logging and tests. It carries no behavior of its own.
type Decision string

const (
	DecisionSkippedStale  Decision = "skipped_stale"
	DecisionResurrected   Decision = "resurrected"
	DecisionTombstoned    Decision = "tombstoned"
	DecisionInserted      Decision = "inserted"
	DecisionUpdated       Decision = "updated"
	DecisionMarkedSuspect Decision = "marked_suspect"
	DecisionMarkerOnly    Decision = "marker_only"
)

// RowInput is the schema-neutral shape of one "fs" row after fsschema has
// validated and decoded it.
type RowInput struct {
	Path          string
	IsDirectory   bool
	Size          int64
	ModifiedTime  time.Time
	CreatedTime   time.Time
	IsAtomicWrite bool
}

// Options configures an Arbitrator's thresholds.
type Options struct {
	HotFileThreshold time.Duration // spec.md §4.4 hot_file_threshold
	SuspectTTL       time.Duration // spec.md §3 suspect-list expiry
	TombstoneTTL     time.Duration // spec.md §4.4 tombstone_ttl_seconds default
}

// DefaultOptions mirrors the thresholds a production Fustor deployment
// ships with.
func DefaultOptions() Options {
	return Options{
		HotFileThreshold: 2 * time.Second,
		SuspectTTL:       30 * time.Second,
		TombstoneTTL:     10 * time.Minute,
	}
}

// Arbitrator is the per-view decision function plus audit/sentinel cycles.
// A Fusion process holds one Arbitrator per view.
type Arbitrator struct {
	tree  *tree.Tree
	clock *clock.Clock
	opts  Options

	now func() time.Time

	mu        sync.Mutex
	lastIndex map[string]int64 // per-path high-water mark, for blind-spot detection
}

// New constructs an Arbitrator bound to a view's Tree and Clock.
func New(t *tree.Tree, c *clock.Clock, opts Options) *Arbitrator {
	return &Arbitrator{
		tree:      t,
		clock:     c,
		opts:      opts,
		now:       time.Now,
		lastIndex: make(map[string]int64),
	}
}

// SetNow overrides the physical clock, for deterministic tests.
func (a *Arbitrator) SetNow(now func() time.Time) { a.now = now }

// ApplyEvent runs every row of evt through the decision table, tallying how
// many were applied versus skipped. A row whose own validation the caller
// already rejected is never passed here; this only handles arbitration-
// level outcomes, none of which abort the batch (spec.md §4.6(c)).
func (a *Arbitrator) ApplyEvent(ctx context.Context, evt *event.Event, rows []RowInput, meta *event.Metadata) (processed, skipped int) {
	for _, row := range rows {
		d, err := a.ApplyRow(ctx, evt.Source, evt.Index, evt.Type, row, meta)
		if err != nil || d == DecisionSkippedStale {
			skipped++
			continue
		}
		processed++
	}
	return processed, skipped
}

// ApplyRow applies spec.md §4.4's per-row decision table for one fs row,
// atomically: the tombstone check, resurrection, deletion/tombstoning, and
// insert/update + suspect bookkeeping all happen under a single Tree.Mutate
// call, so a concurrent reader never observes a partial outcome.
func (a *Arbitrator) ApplyRow(ctx context.Context, source event.Source, index int64, evtType event.Type, row RowInput, meta *event.Metadata) (Decision, error) {
	path := row.Path
	var decision Decision

	err := a.tree.Mutate(ctx, func(ctx context.Context, m *tree.Mutator) error {
		a.trackBlindSpot(m, path, index)

		resurrected := false
		if tomb, hasTomb := m.GetTombstone(path); hasTomb {
			eventLogicalTime := float64(index) / 1000
			if source == event.SourceSnapshot && eventLogicalTime <= tomb.Watermark {
				decision = DecisionSkippedStale
				return nil
			}
			newerThanTombstone := eventLogicalTime > tomb.Watermark
			if source == event.SourceRealtime || source == event.SourceAudit || newerThanTombstone {
				m.ClearTombstone(path)
				resurrected = true
			}
		}

		if evtType == event.TypeDelete {
			watermark := a.clock.Update(nil)
			if err := m.DeleteNode(path, false); err != nil {
				return err
			}
			m.SetTombstone(path, tree.TombstoneEntry{Watermark: watermark, CreatedAt: a.now()})
			decision = DecisionTombstoned
			return nil
		}

		_, present := m.GetNodeLocked(path)
		mtime := row.ModifiedTime
		watermark := a.clock.Update(&mtime)

		in := tree.UpdateInput{
			IsDir:        row.IsDirectory,
			Size:         row.Size,
			ModifiedTime: row.ModifiedTime,
			CreatedTime:  row.CreatedTime,
			LastAgentID:  agentID(meta),
			SourceURI:    sourceURI(meta),
		}

		if !present {
			if _, err := m.UpsertNode(path, in); err != nil {
				return err
			}
			logicalAge := watermark - float64(mtime.Unix())
			physicalAge := float64(a.now().Unix()) - float64(mtime.Unix())
			hotAge := logicalAge
			if physicalAge < hotAge {
				hotAge = physicalAge
			}
			if hotAge < a.opts.HotFileThreshold.Seconds() && !row.IsAtomicWrite {
				m.SetIntegritySuspect(path, true)
				m.SetSuspect(path, tree.SuspectEntry{
					Expiry:        a.now().Add(a.opts.SuspectTTL),
					ObservedMtime: mtime,
				})
				decision = DecisionMarkedSuspect
			} else {
				decision = pick(resurrected, DecisionResurrected, DecisionInserted)
			}
			return nil
		}

		if row.IsAtomicWrite {
			m.SetIntegritySuspect(path, false)
			m.ClearSuspect(path)
		} else {
			m.SetIntegritySuspect(path, true)
			m.SetSuspect(path, tree.SuspectEntry{
				Expiry:        a.now().Add(a.opts.SuspectTTL),
				ObservedMtime: mtime,
			})
		}
		if _, err := m.UpsertNode(path, in); err != nil {
			return err
		}
		decision = pick(resurrected, DecisionResurrected, DecisionUpdated)
		return nil
	})
	return decision, err
}

func pick(cond bool, ifTrue, ifFalse Decision) Decision {
	if cond {
		return ifTrue
	}
	return ifFalse
}

// trackBlindSpot records the out-of-order-addition feature supplementing
// spec.md §4.4 from original_source/: an event whose index regresses behind
// the highest index already observed for this path is added to the tree's
// blind-spot set, so the next Audit specifically re-verifies it.
func (a *Arbitrator) trackBlindSpot(m *tree.Mutator, path string, index int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, ok := a.lastIndex[path]
	if ok && index < prev {
		m.AddBlindSpot(path)
	}
	if !ok || index > prev {
		a.lastIndex[path] = index
	}
}

func agentID(meta *event.Metadata) string {
	if meta == nil {
		return ""
	}
	return meta.AgentID
}

func sourceURI(meta *event.Metadata) string {
	if meta == nil {
		return ""
	}
	return meta.SourceURI
}
