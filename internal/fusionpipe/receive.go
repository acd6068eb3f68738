package fusionpipe

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/fserrors"
	"github.com/excelwang/fustor-sub003/internal/flog"
	"github.com/excelwang/fustor-sub003/internal/metrics"
	"github.com/excelwang/fustor-sub003/internal/session"
	"github.com/excelwang/fustor-sub003/internal/view"
)

// BatchResult is the tally spec.md §4.6(c)/§6 `POST .../events` returns:
// per-row errors are absorbed into Skipped, never aborting the batch.
type BatchResult struct {
	Processed int
	Skipped   int
}

// Receiver implements spec.md §4.6's receive path: session/role validation,
// per-row validation, lineage injection, and fan-out to the schema's View
// Handler. It is the Fusion Pipe half of the Session Bridge; the other half
// is internal/session.Manager, reached here only through the Manager and
// Election APIs, never a direct struct reference into the wire layer.
type Receiver struct {
	Sessions  *session.Manager
	Views     *view.Registry
	Handlers  *event.Registry
	Isolation *Isolation

	now func() time.Time

	mu         sync.Mutex
	auditStart map[string]time.Time // sessionID -> first Audit batch's arrival time this sweep
}

// NewReceiver constructs a Receiver wired to the given collaborators.
func NewReceiver(sessions *session.Manager, views *view.Registry, handlers *event.Registry, isolation *Isolation) *Receiver {
	return &Receiver{
		Sessions:   sessions,
		Views:      views,
		Handlers:   handlers,
		Isolation:  isolation,
		now:        time.Now,
		auditStart: make(map[string]time.Time),
	}
}

// IngestBatch implements spec.md §4.6's receive path steps (a)-(e) for one
// `POST /pipe/ingest/{session_id}/events` call.
func (r *Receiver) IngestBatch(ctx context.Context, sessionID string, events []event.Event, isEnd bool) (BatchResult, error) {
	// (a) look up the session.
	sess, ok := r.Sessions.Get(sessionID)
	if !ok {
		return BatchResult{}, fserrors.ErrSessionObsoleted
	}

	v, ok := r.Views.Get(sess.ViewID)
	if !ok {
		return BatchResult{}, fserrors.NewValidation("", "view_id", "unknown view "+sess.ViewID)
	}

	// (b) authoritative/role check.
	authoritative := r.Sessions.IsAuthoritative(sessionID)
	for _, evt := range events {
		isPrivileged := evt.Source == event.SourceSnapshot || evt.Source == event.SourceAudit || evt.Source == event.SourceOnDemandJob
		if !authoritative {
			if isPrivileged {
				return BatchResult{}, fserrors.ErrRoleConflict
			}
			if !v.Config.AllowConcurrentPush {
				return BatchResult{}, fserrors.ErrRoleConflict
			}
		}
	}

	meta := &event.Metadata{AgentID: sess.AgentID, SourceURI: sess.SourceURI}

	if !isEnd {
		for _, evt := range events {
			if evt.Source == event.SourceAudit {
				r.NoteAuditStart(sessionID)
				break
			}
		}
	}

	var result BatchResult
	for _, evt := range events {
		r.processEvent(ctx, sess.ViewID, &evt, meta, &result)
		if isEnd {
			r.handleEndSignal(ctx, v, sess, evt)
		}
	}
	return result, nil
}

// processEvent implements (c)/(d)/(e): validate each row individually
// (skipping malformed ones without poisoning the batch), then dispatch the
// validated rows to the schema's View Handler under the Isolation policy.
func (r *Receiver) processEvent(ctx context.Context, viewID string, evt *event.Event, meta *event.Metadata, result *BatchResult) {
	handler, err := r.Handlers.Get(evt.Schema)
	if err != nil {
		flog.With(flog.Fields{"view_id": viewID, "schema": evt.Schema}).Error("no handler for schema")
		result.Skipped += len(evt.Rows)
		return
	}

	for _, row := range evt.Rows {
		if err := handler.Validate(row); err != nil {
			flog.With(flog.Fields{"view_id": viewID, "schema": evt.Schema, "error": err.Error()}).Info("skipping malformed row")
			result.Skipped++
			metrics.Counter("fustor_rows_skipped_total", prometheus.Labels{"view_id": viewID, "schema": evt.Schema}).Inc()
			continue
		}

		skipped, procErr := r.Isolation.Call(viewID, evt.Schema, r.now(), func() error {
			return handler.Process(viewID, evt, row, meta)
		})
		if skipped {
			result.Skipped++
			metrics.Counter("fustor_handler_disabled_skips_total", prometheus.Labels{"view_id": viewID, "schema": evt.Schema}).Inc()
			continue
		}
		if procErr != nil {
			flog.With(flog.Fields{"view_id": viewID, "schema": evt.Schema, "error": procErr.Error()}).Error("handler processing error")
			result.Skipped++
			continue
		}
		result.Processed++
	}
}

// handleEndSignal implements spec.md §4.6 "Signals": a Snapshot end from
// the Leader marks the view ready; an Audit end drains this sweep's
// tombstone TTL cleanup. Either signal from a Follower is ignored.
func (r *Receiver) handleEndSignal(ctx context.Context, v *view.View, sess *session.Session, evt event.Event) {
	if sess.Role != session.RoleLeader {
		return
	}
	switch evt.Source {
	case event.SourceSnapshot:
		v.MarkSnapshotComplete()
		flog.View(sess.ViewID).Info("snapshot complete, view ready")
	case event.SourceAudit:
		r.mu.Lock()
		start, ok := r.auditStart[sess.SessionID]
		delete(r.auditStart, sess.SessionID)
		r.mu.Unlock()
		if !ok {
			start = r.now()
		}
		removed := v.Arbitrator.RunAudit(ctx, start)
		flog.View(sess.ViewID).WithField("tombstones_removed", removed).Info("audit complete")
	}
}

// NoteAuditStart records the first-observed time of an in-progress Audit
// sweep for a session, so handleEndSignal's RunAudit call uses the sweep's
// actual start rather than the end-signal's arrival time. Call this once
// per non-final Audit batch.
func (r *Receiver) NoteAuditStart(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.auditStart[sessionID]; !ok {
		r.auditStart[sessionID] = r.now()
	}
}

// SetNow overrides the physical clock, for deterministic tests.
func (r *Receiver) SetNow(now func() time.Time) { r.now = now }
