package fsschema

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub003/internal/arbitrate"
	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/view"
)

func newTestRegistry(t *testing.T) (*event.Registry, *view.Registry) {
	t.Helper()
	views := view.NewRegistry()
	views.Register(view.New(view.Config{ID: "v1", Arbitrate: arbitrate.DefaultOptions()}))
	reg := event.NewRegistry()
	Register(reg, views)
	return reg, views
}

func TestValidateRowRejectsMissingPath(t *testing.T) {
	_, views := newTestRegistry(t)
	_ = views
	err := validateRow(event.Row{"size": 10})
	assert.Error(t, err)

	err = validateRow(event.Row{"path": "/a"})
	assert.NoError(t, err)
}

func TestProcessorAppliesRowToNamedView(t *testing.T) {
	reg, views := newTestRegistry(t)
	h, err := reg.Get(SchemaName)
	require.NoError(t, err)

	now := float64(time.Now().Unix())
	row := event.Row{
		"path":            "/a/b.txt",
		"size":            float64(42),
		"modified_time":   now,
		"is_atomic_write": true,
	}
	require.NoError(t, h.Validate(row))

	evt := &event.Event{Schema: SchemaName, Table: "files", Type: event.TypeInsert, Source: event.SourceRealtime, Index: 1}
	require.NoError(t, h.Process("v1", evt, row, nil))

	v, ok := views.Get("v1")
	require.True(t, ok)
	info, ok := v.Tree.GetNode(context.Background(), "/a/b.txt")
	require.True(t, ok)
	assert.Equal(t, int64(42), info.Size)
}

func TestProcessorUnknownViewErrors(t *testing.T) {
	reg, _ := newTestRegistry(t)
	h, err := reg.Get(SchemaName)
	require.NoError(t, err)

	row := event.Row{"path": "/a", "modified_time": float64(time.Now().Unix())}
	evt := &event.Event{Schema: SchemaName, Table: "files", Type: event.TypeInsert, Source: event.SourceRealtime, Index: 1}
	err = h.Process("no-such-view", evt, row, nil)
	assert.Error(t, err)
}

func TestAuditSkippedRowIsMarkerOnly(t *testing.T) {
	reg, views := newTestRegistry(t)
	h, err := reg.Get(SchemaName)
	require.NoError(t, err)

	row := event.Row{"path": "/a", "audit_skipped": true}
	evt := &event.Event{Schema: SchemaName, Table: "files", Type: event.TypeUpdate, Source: event.SourceAudit, Index: 1}
	require.NoError(t, h.Process("v1", evt, row, nil))

	v, _ := views.Get("v1")
	_, ok := v.Tree.GetNode(context.Background(), "/a")
	assert.False(t, ok, "a marker-only audit_skipped row must never touch the tree")
}
