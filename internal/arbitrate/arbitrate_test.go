package arbitrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub003/internal/clock"
	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/tree"
)

func newTestArbitrator(fixedNow time.Time) (*Arbitrator, *tree.Tree) {
	tr := tree.New(0)
	c := clock.NewWithNow(func() time.Time { return fixedNow })
	a := New(tr, c, DefaultOptions())
	a.SetNow(func() time.Time { return fixedNow })
	return a, tr
}

func TestTombstoneDefeatsStaleSnapshot(t *testing.T) {
	now := time.Unix(2000, 0)
	a, tr := newTestArbitrator(now)
	ctx := context.Background()

	// Delete with no mtime: the clock records no sample, so the tombstone's
	// watermark is the physical now (2000).
	_, err := a.ApplyRow(ctx, event.SourceRealtime, 1_000_000, event.TypeDelete,
		RowInput{Path: "/a.txt"}, nil)
	require.NoError(t, err)

	tomb, ok := tr.TombstoneList(ctx)["/a.txt"]
	require.True(t, ok)

	// A delayed Snapshot batch whose logical time is <= the tombstone
	// watermark must be skipped.
	staleIndex := int64(tomb.Watermark*1000) - 1
	d, err := a.ApplyRow(ctx, event.SourceSnapshot, staleIndex, event.TypeInsert,
		RowInput{Path: "/a.txt", ModifiedTime: now.Add(-999 * time.Second)}, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionSkippedStale, d)

	_, ok = tr.GetNode(ctx, "/a.txt")
	assert.False(t, ok)
}

func TestResurrectOnRealtimeAfterTombstone(t *testing.T) {
	now := time.Unix(2000, 0)
	a, tr := newTestArbitrator(now)
	ctx := context.Background()

	_, err := a.ApplyRow(ctx, event.SourceRealtime, 1, event.TypeDelete, RowInput{Path: "/a.txt"}, nil)
	require.NoError(t, err)

	d, err := a.ApplyRow(ctx, event.SourceRealtime, 2, event.TypeInsert,
		RowInput{Path: "/a.txt", ModifiedTime: now.Add(-time.Hour), IsAtomicWrite: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionResurrected, d)

	info, ok := tr.GetNode(ctx, "/a.txt")
	require.True(t, ok)
	assert.False(t, info.IsDir)

	_, hasTomb := tr.TombstoneList(ctx)["/a.txt"]
	assert.False(t, hasTomb)
}

func TestInsertHotFileMarkedSuspect(t *testing.T) {
	now := time.Unix(1000, 0)
	a, tr := newTestArbitrator(now)
	ctx := context.Background()

	d, err := a.ApplyRow(ctx, event.SourceRealtime, 1, event.TypeInsert,
		RowInput{Path: "/x", ModifiedTime: now.Add(-1 * time.Second), IsAtomicWrite: false}, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionMarkedSuspect, d)

	info, ok := tr.GetNode(ctx, "/x")
	require.True(t, ok)
	assert.True(t, info.IntegritySuspect)
	assert.Contains(t, tr.SuspectList(ctx), "/x")
}

func TestInsertAtomicWriteNotSuspect(t *testing.T) {
	now := time.Unix(1000, 0)
	a, tr := newTestArbitrator(now)
	ctx := context.Background()

	d, err := a.ApplyRow(ctx, event.SourceRealtime, 1, event.TypeInsert,
		RowInput{Path: "/x", ModifiedTime: now.Add(-1 * time.Second), IsAtomicWrite: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionInserted, d)
	assert.NotContains(t, tr.SuspectList(ctx), "/x")
}

func TestUpdateAtomicClearsSuspect(t *testing.T) {
	now := time.Unix(1000, 0)
	a, tr := newTestArbitrator(now)
	ctx := context.Background()

	_, err := a.ApplyRow(ctx, event.SourceRealtime, 1, event.TypeInsert,
		RowInput{Path: "/x", ModifiedTime: now.Add(-1 * time.Second), IsAtomicWrite: false}, nil)
	require.NoError(t, err)
	require.Contains(t, tr.SuspectList(ctx), "/x")

	d, err := a.ApplyRow(ctx, event.SourceRealtime, 2, event.TypeUpdate,
		RowInput{Path: "/x", ModifiedTime: now, IsAtomicWrite: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionUpdated, d)
	assert.NotContains(t, tr.SuspectList(ctx), "/x")
	info, _ := tr.GetNode(ctx, "/x")
	assert.False(t, info.IntegritySuspect)
}

func TestMalformedRowIsolationAtEventLevel(t *testing.T) {
	now := time.Unix(1000, 0)
	a, _ := newTestArbitrator(now)
	ctx := context.Background()
	evt := &event.Event{Schema: "fs", Table: "files", Type: event.TypeInsert, Source: event.SourceRealtime, Index: 1}
	rows := []RowInput{
		{Path: "/a", ModifiedTime: now, IsAtomicWrite: true},
		{Path: "/b", ModifiedTime: now, IsAtomicWrite: true},
	}
	processed, skipped := a.ApplyEvent(ctx, evt, rows, nil)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 0, skipped)
}

func TestAuditRemovesOldTombstonesOnly(t *testing.T) {
	now := time.Unix(10_000, 0)
	a, tr := newTestArbitrator(now)
	ctx := context.Background()

	auditStart := now.Add(-time.Hour)
	_ = tr.Mutate(ctx, func(ctx context.Context, m *tree.Mutator) error {
		m.SetTombstone("/old", tree.TombstoneEntry{CreatedAt: auditStart.Add(-2 * time.Hour)})
		m.SetTombstone("/new", tree.TombstoneEntry{CreatedAt: now}) // created after audit start
		return nil
	})
	a.opts.TombstoneTTL = time.Minute

	removed := a.RunAudit(ctx, auditStart)
	assert.Equal(t, 1, removed)

	tombs := tr.TombstoneList(ctx)
	assert.NotContains(t, tombs, "/old")
	assert.Contains(t, tombs, "/new", "tombstones created after audit start must survive regardless of TTL")
}

func TestSentinelCycle(t *testing.T) {
	now := time.Unix(1000, 0)
	a, tr := newTestArbitrator(now)
	ctx := context.Background()

	mtime := now.Add(-1 * time.Second)
	_, err := a.ApplyRow(ctx, event.SourceRealtime, 1, event.TypeInsert,
		RowInput{Path: "/x", ModifiedTime: mtime}, nil)
	require.NoError(t, err)
	require.Contains(t, tr.SuspectList(ctx), "/x")

	// Not yet due.
	due := a.DueSentinelPaths(ctx)
	assert.Empty(t, due)

	// Force expiry into the past and re-check.
	_ = tr.Mutate(ctx, func(ctx context.Context, m *tree.Mutator) error {
		m.SetSuspect("/x", tree.SuspectEntry{Expiry: now.Add(-time.Second), ObservedMtime: mtime})
		return nil
	})
	due = a.DueSentinelPaths(ctx)
	assert.Equal(t, []string{"/x"}, due)

	require.NoError(t, a.ApplySentinelResult(ctx, SentinelResult{Path: "/x", Status: SentinelExists, Mtime: mtime}))
	assert.NotContains(t, tr.SuspectList(ctx), "/x")

	require.NoError(t, a.ApplySentinelResult(ctx, SentinelResult{Path: "/x", Status: SentinelMissing}))
	_, ok := tr.GetNode(ctx, "/x")
	assert.False(t, ok)
	assert.Contains(t, tr.TombstoneList(ctx), "/x")
}

func TestBlindSpotTrackedOnOutOfOrderIndex(t *testing.T) {
	now := time.Unix(1000, 0)
	a, tr := newTestArbitrator(now)
	ctx := context.Background()

	_, err := a.ApplyRow(ctx, event.SourceRealtime, 10, event.TypeInsert, RowInput{Path: "/x", ModifiedTime: now, IsAtomicWrite: true}, nil)
	require.NoError(t, err)
	_, err = a.ApplyRow(ctx, event.SourceRealtime, 5, event.TypeUpdate, RowInput{Path: "/x", ModifiedTime: now, IsAtomicWrite: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"/x"}, tr.BlindSpots(ctx))
}
