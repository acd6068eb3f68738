package wire

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/excelwang/fustor-sub003/internal/arbitrate"
	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/fserrors"
	"github.com/excelwang/fustor-sub003/internal/session"
)

func unixSeconds(secs int64) time.Time { return time.Unix(secs, 0) }

// createSessionRequest is `POST /pipe/session/`'s body. view_id and pipe_id
// (forest mode only) aren't part of the URL since the endpoint isn't
// view-scoped (spec.md §6 lists it bare); the Agent names its target here.
type createSessionRequest struct {
	ViewID    string `json:"view_id"`
	PipeID    string `json:"pipe_id,omitempty"`
	SourceURI string `json:"source_uri"`
	AgentID   string `json:"agent_id,omitempty"`
}

type createSessionResponse struct {
	SessionID        string `json:"session_id"`
	Role             string `json:"role"`
	AuditIntervalSec int    `json:"audit_interval_sec"`
	SentinelIntervalSec int `json:"sentinel_interval_sec"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ViewID == "" || req.SourceURI == "" {
		writeError(w, http.StatusBadRequest, fserrors.NewValidation("", "view_id/source_uri", "required"))
		return
	}
	if !s.auth.AuthorizePipe(r.Header.Get(APIKeyHeader), req.ViewID, req.PipeID) {
		writeError(w, http.StatusUnauthorized, fserrors.ErrRoleConflict)
		return
	}
	if _, ok := s.views.Get(req.ViewID); !ok {
		writeError(w, http.StatusNotFound, fserrors.NewValidation(req.ViewID, "view_id", "unknown view"))
		return
	}

	sess := s.sessions.Create(req.ViewID, req.PipeID, req.SourceURI, s.cfg.SoftTimeout)
	if req.AgentID != "" {
		s.sessions.SetAgentID(sess.SessionID, req.AgentID)
	}

	writeJSON(w, http.StatusOK, createSessionResponse{
		SessionID:           sess.SessionID,
		Role:                string(sess.Role),
		AuditIntervalSec:    int(s.cfg.AuditInterval.Seconds()),
		SentinelIntervalSec: int(s.cfg.SentinelInterval.Seconds()),
	})
}

// wireEvent is one event within an ingest batch's `events` array; source is
// carried once at the batch level (source_type) per spec.md §6, not
// per-event.
type wireEvent struct {
	Schema string     `json:"schema"`
	Table  string     `json:"table"`
	Type   string     `json:"type"`
	Rows   []event.Row `json:"rows"`
	Fields []string   `json:"fields,omitempty"`
	Index  int64      `json:"index"`
}

type ingestRequest struct {
	Events     []wireEvent `json:"events"`
	SourceType string      `json:"source_type"`
	IsEnd      bool        `json:"is_end"`
}

type ingestResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
	Skipped int  `json:"skipped"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req ingestRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source, err := event.ParseSource(req.SourceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	events := make([]event.Event, 0, len(req.Events))
	for _, we := range req.Events {
		typ := event.Type(we.Type)
		events = append(events, event.Event{
			Schema: we.Schema,
			Table:  we.Table,
			Type:   typ,
			Rows:   we.Rows,
			Fields: we.Fields,
			Index:  we.Index,
			Source: source,
		})
	}

	result, err := s.receiver.IngestBatch(r.Context(), sessionID, events, req.IsEnd)
	if err != nil {
		writeError(w, statusForReceiveErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{Success: true, Count: result.Processed, Skipped: result.Skipped})
}

type heartbeatResponse struct {
	Status        string            `json:"status"`
	Role          string            `json:"role"`
	Commands      []session.Command `json:"commands"`
	SentinelPaths []string          `json:"sentinel_paths,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	if !s.sessions.KeepAlive(sessionID) {
		writeError(w, 419, fserrors.ErrSessionObsoleted)
		return
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		writeError(w, 419, fserrors.ErrSessionObsoleted)
		return
	}

	var sentinelPaths []string
	if v, ok := s.views.Get(sess.ViewID); ok {
		sentinelPaths = v.Arbitrator.DueSentinelPaths(r.Context())
	}

	commands := s.sessions.DrainCommands(sessionID)
	if commands == nil {
		commands = []session.Command{}
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{
		Status:        "ok",
		Role:          string(sess.Role),
		Commands:      commands,
		SentinelPaths: sentinelPaths,
	})
}

// sentinelReportRequest is the Agent's re-stat report. spec.md §6 doesn't
// name a dedicated endpoint for this hand-off (only SentinelPaths riding the
// heartbeat is named); this endpoint completes the round trip the sentinel
// cycle (spec.md §4.4) needs.
type sentinelReportRequest struct {
	Results []sentinelResultWire `json:"results"`
}

type sentinelResultWire struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Mtime  int64  `json:"mtime,omitempty"`
}

func (s *Server) handleSentinelReport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		writeError(w, 419, fserrors.ErrSessionObsoleted)
		return
	}
	v, ok := s.views.Get(sess.ViewID)
	if !ok {
		writeError(w, http.StatusNotFound, fserrors.NewValidation(sess.ViewID, "view_id", "unknown view"))
		return
	}

	var req sentinelReportRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	for _, res := range req.Results {
		status := arbitrate.SentinelMissing
		if res.Status == string(arbitrate.SentinelExists) {
			status = arbitrate.SentinelExists
		}
		sr := arbitrate.SentinelResult{Path: res.Path, Status: status}
		if res.Mtime > 0 {
			sr.Mtime = unixSeconds(res.Mtime)
		}
		if err := v.Arbitrator.ApplySentinelResult(r.Context(), sr); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	s.sessions.Close(sessionID)
	w.WriteHeader(http.StatusNoContent)
}
