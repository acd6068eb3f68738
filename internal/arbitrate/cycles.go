package arbitrate

import (
	"context"
	"time"

	"github.com/excelwang/fustor-sub003/internal/tree"
)

// RunAudit implements spec.md §4.4's audit cycle: tombstones created before
// auditStart whose age now exceeds the configured TTL are removed.
// Tombstones created after the audit started are preserved regardless of
// TTL, since the audit could not have observed whatever superseded them.
//
// Per SPEC_FULL.md's Open Question resolution, the TTL boundary check uses
// strict "greater than": a tombstone exactly at the TTL boundary survives
// this tick and is swept on the next one.
func (a *Arbitrator) RunAudit(ctx context.Context, auditStart time.Time) (removed int) {
	_ = a.tree.Mutate(ctx, func(ctx context.Context, m *tree.Mutator) error {
		now := a.now()
		m.RangeTombstones(func(path string, entry tree.TombstoneEntry) bool {
			if entry.CreatedAt.After(auditStart) || entry.CreatedAt.Equal(auditStart) {
				return false
			}
			if now.Sub(entry.CreatedAt) > a.opts.TombstoneTTL {
				removed++
				return true
			}
			return false
		})
		return nil
	})
	return removed
}

// DueSentinelPaths returns every suspect-list path whose re-verification
// expiry has arrived, for the Fusion Pipe to hand to the Leader Agent as a
// sentinel command (spec.md §4.4's sentinel cycle, §4.5's sentinel loop).
func (a *Arbitrator) DueSentinelPaths(ctx context.Context) []string {
	var due []string
	now := a.now()
	_ = a.tree.Mutate(ctx, func(ctx context.Context, m *tree.Mutator) error {
		m.RangeSuspects(func(path string, entry tree.SuspectEntry) {
			if !now.Before(entry.Expiry) {
				due = append(due, path)
			}
		})
		return nil
	})
	return due
}

// SentinelStatus is the Agent's re-stat result for one suspect path.
type SentinelStatus string

const (
	SentinelExists  SentinelStatus = "exists"
	SentinelMissing SentinelStatus = "missing"
)

// SentinelResult is what the Leader Agent reports back for one path it was
// asked to re-stat.
type SentinelResult struct {
	Path   string
	Status SentinelStatus
	Mtime  time.Time // only meaningful when Status == SentinelExists
}

// ApplySentinelResult implements spec.md §4.4's sentinel outcome: missing
// deletes-and-tombstones, exists-with-unchanged-mtime clears the suspect
// flag, exists-with-changed-mtime renews the suspect entry.
func (a *Arbitrator) ApplySentinelResult(ctx context.Context, res SentinelResult) error {
	return a.tree.Mutate(ctx, func(ctx context.Context, m *tree.Mutator) error {
		existing, hadSuspect := func() (tree.SuspectEntry, bool) {
			var found tree.SuspectEntry
			var ok bool
			m.RangeSuspects(func(path string, entry tree.SuspectEntry) {
				if path == res.Path {
					found, ok = entry, true
				}
			})
			return found, ok
		}()

		if res.Status == SentinelMissing {
			watermark := a.clock.Update(nil)
			if err := m.DeleteNode(res.Path, false); err != nil {
				return err
			}
			m.SetTombstone(res.Path, tree.TombstoneEntry{Watermark: watermark, CreatedAt: a.now()})
			return nil
		}

		// SentinelExists.
		if hadSuspect && existing.ObservedMtime.Equal(res.Mtime) {
			m.ClearSuspect(res.Path)
			m.SetIntegritySuspect(res.Path, false)
			return nil
		}
		m.SetSuspect(res.Path, tree.SuspectEntry{
			Expiry:        a.now().Add(a.opts.SuspectTTL),
			ObservedMtime: res.Mtime,
		})
		m.SetIntegritySuspect(res.Path, true)
		return nil
	})
}
