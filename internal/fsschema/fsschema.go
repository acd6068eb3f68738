// Package fsschema registers the "fs" schema's Validator and Processor
// (spec.md §3/§9): rows of `path, file_name, size, modified_time,
// created_time, is_directory, is_atomic_write` decoded into
// internal/arbitrate.RowInput and applied to a view's Arbitrator.
package fsschema

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/excelwang/fustor-sub003/internal/arbitrate"
	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/fserrors"
	"github.com/excelwang/fustor-sub003/internal/metrics"
	"github.com/excelwang/fustor-sub003/internal/view"
)

// SchemaName is the "fs" schema's registry key.
const SchemaName = "fs"

// Register installs the "fs" Validator/Processor pair into reg, dispatching
// against views for the tree each row ultimately mutates.
func Register(reg *event.Registry, views *view.Registry) {
	reg.Register(&event.Handler{
		SchemaName: SchemaName,
		Validate:   validateRow,
		Process:    makeProcessor(views),
	})
}

// validateRow performs spec.md §4.6(c)'s per-row validation: a row missing
// a usable path is rejected and must be skipped without poisoning the
// batch.
func validateRow(row event.Row) error {
	path, ok := stringField(row, "path")
	if !ok || path == "" {
		return fserrors.NewValidation("", "path", "missing or empty")
	}
	return nil
}

// makeProcessor closes over the view registry so each call can look up the
// view the incoming event targets.
func makeProcessor(views *view.Registry) event.Processor {
	return func(viewID string, evt *event.Event, row event.Row, meta *event.Metadata) error {
		if skipped(row) {
			metrics.Counter("fustor_audit_skipped_total", prometheus.Labels{"view_id": viewID}).Inc()
			return nil
		}

		v, ok := views.Get(viewID)
		if !ok {
			return fmt.Errorf("fustor: unknown view %q", viewID)
		}

		in, err := decodeRow(row)
		if err != nil {
			return err
		}

		_, err = v.Arbitrator.ApplyRow(context.Background(), evt.Source, evt.Index, evt.Type, in, meta)
		return err
	}
}

// skipped implements the Open Question decision that `audit_skipped` rows
// (heartbeats during an audit sweep) are marker-only: they update liveness
// metrics but never touch the tree.
func skipped(row event.Row) bool {
	b, _ := boolField(row, "audit_skipped")
	return b
}

// decodeRow translates a wire Row into the schema-neutral RowInput the
// Arbitrator consumes. Times are carried on the wire as Unix seconds
// (float64), matching the Logical Clock's own float64 watermark unit.
func decodeRow(row event.Row) (arbitrate.RowInput, error) {
	path, _ := stringField(row, "path")
	isDir, _ := boolField(row, "is_directory")
	size, _ := floatField(row, "size")
	isAtomic, _ := boolField(row, "is_atomic_write")

	mtime := unixTime(row, "modified_time")
	ctime := unixTime(row, "created_time")

	return arbitrate.RowInput{
		Path:          path,
		IsDirectory:   isDir,
		Size:          int64(size),
		ModifiedTime:  mtime,
		CreatedTime:   ctime,
		IsAtomicWrite: isAtomic,
	}, nil
}

func unixTime(row event.Row, key string) time.Time {
	secs, ok := floatField(row, key)
	if !ok {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0)
}

func stringField(row event.Row, key string) (string, bool) {
	v, ok := row[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func boolField(row event.Row, key string) (bool, bool) {
	v, ok := row[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func floatField(row event.Row, key string) (float64, bool) {
	v, ok := row[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
