package wire

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/excelwang/fustor-sub003/internal/flog"
	"github.com/excelwang/fustor-sub003/internal/tree"
	"github.com/excelwang/fustor-sub003/internal/view"
)

type viewIDKey struct{}

// viewAuth resolves the view named in the URL, authorizes the caller's key
// against it directly (spec.md §6 Authentication's direct scheme; read
// callers don't carry a pipe_id for the indirect scheme), and stashes the
// resolved *view.View in the request context for the handlers below.
func (s *Server) viewAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viewID := chi.URLParam(r, "view_id")
		if !s.auth.AuthorizeView(r.Header.Get(APIKeyHeader), viewID) {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		v, ok := s.views.Get(viewID)
		if !ok {
			writeError(w, http.StatusNotFound, errUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), viewIDKey{}, v)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var errUnauthorized = unauthorizedErr{}

type unauthorizedErr struct{}

func (unauthorizedErr) Error() string { return "fustor: unauthorized or unknown view" }

func viewFromCtx(r *http.Request) *view.View {
	v, _ := r.Context().Value(viewIDKey{}).(*view.View)
	return v
}

// readinessGate implements spec.md §4.6's readiness gate: while a view isn't
// ready, return 503 unless the caller asked for an on-demand scan fallback.
// Returns false (and has already written a response) if the caller should
// stop processing the request.
func (s *Server) readinessGate(w http.ResponseWriter, r *http.Request, v *view.View, path string) bool {
	if v.Ready() {
		return true
	}
	if r.URL.Query().Get("on_demand_scan") != "true" {
		writeError(w, http.StatusServiceUnavailable, errNotReady)
		return false
	}
	jobID, pending, ok, err := s.fallback.Invoke(r.Context(), v.Config.ID, path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return false
	}
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errNotReady)
		return false
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "job_pending": pending})
	return false
}

var errNotReady = notReadyErr{}

type notReadyErr struct{}

func (notReadyErr) Error() string { return "fustor: view not ready" }

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	v := viewFromCtx(r)
	path := r.URL.Query().Get("path")
	if !s.readinessGate(w, r, v, path) {
		return
	}
	if path == "" {
		path = "/"
	}
	maxDepth, _ := strconv.Atoi(r.URL.Query().Get("max_depth"))
	onlyPath := r.URL.Query().Get("only_path") == "true"
	if r.URL.Query().Get("recursive") != "true" && maxDepth <= 0 {
		maxDepth = 1
	}

	nodes, err := v.Tree.ListDir(r.Context(), path, maxDepth, onlyPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "nodes": nodes})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	v := viewFromCtx(r)
	if !s.readinessGate(w, r, v, "/") {
		return
	}
	writeJSON(w, http.StatusOK, v.Tree.Stats(r.Context()))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	v := viewFromCtx(r)
	if !s.readinessGate(w, r, v, "/") {
		return
	}
	q := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]any{"results": v.Tree.Search(r.Context(), q, limit)})
}

func (s *Server) handleGetSuspectList(w http.ResponseWriter, r *http.Request) {
	v := viewFromCtx(r)
	if !s.readinessGate(w, r, v, "/") {
		return
	}
	writeJSON(w, http.StatusOK, v.Tree.SuspectList(r.Context()))
}

func (s *Server) handleBlindSpots(w http.ResponseWriter, r *http.Request) {
	v := viewFromCtx(r)
	if !s.readinessGate(w, r, v, "/") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": v.Tree.BlindSpots(r.Context())})
}

type suspectUpdate struct {
	Path         string `json:"path"`
	Mtime        int64  `json:"mtime,omitempty"`
	CurrentMtime bool   `json:"current_mtime,omitempty"`
}

type putSuspectListRequest struct {
	Updates []suspectUpdate `json:"updates"`
}

// handlePutSuspectList implements the caller-driven suspect-list maintenance
// API: each update either sets an explicit mtime or (current_mtime=true)
// refreshes the entry's expiry against the view's current watermark.
func (s *Server) handlePutSuspectList(w http.ResponseWriter, r *http.Request) {
	v := viewFromCtx(r)
	var req putSuspectListRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	watermark := time.Unix(int64(v.Clock.GetWatermark()), 0)
	err := v.Tree.Mutate(r.Context(), func(ctx context.Context, m *tree.Mutator) error {
		for _, u := range req.Updates {
			mtime := unixSeconds(u.Mtime)
			if u.CurrentMtime {
				if info, ok := m.GetNodeLocked(u.Path); ok {
					mtime = info.ModifiedTime
				}
			}
			m.SetSuspect(u.Path, tree.SuspectEntry{
				Expiry:        watermark.Add(v.Config.Arbitrate.SuspectTTL),
				ObservedMtime: mtime,
			})
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	v := viewFromCtx(r)
	v.Reset()
	flog.View(v.Config.ID).Info("view reset via read API")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
