package fusionpipe

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/excelwang/fustor-sub003/internal/fserrors"
	"github.com/excelwang/fustor-sub003/internal/session"
	"github.com/excelwang/fustor-sub003/internal/view"
)

// OnDemandScanner implements the readiness gate's fallback (spec.md §6
// "enqueue a scan command to the Leader"): it finds the view's current
// Leader session and hands it a CommandScan, tracked against the session as
// a pending scan so a later ClearPendingScan (once the Agent reports the
// scan's Snapshot complete) can resolve the job.
type OnDemandScanner struct {
	sessions *session.Manager
	views    *view.Registry
}

// NewOnDemandScanner builds a scanner over the given collaborators.
func NewOnDemandScanner(sessions *session.Manager, views *view.Registry) *OnDemandScanner {
	return &OnDemandScanner{sessions: sessions, views: views}
}

// Invoke matches the FallbackRegistry.OnDemandFallback signature: it
// returns a freshly minted job id and pending=true once a scan command has
// been queued, or an error if no Leader is currently available to scan.
func (s *OnDemandScanner) Invoke(ctx context.Context, viewID, path string) (string, bool, error) {
	v, ok := s.views.Get(viewID)
	if !ok {
		return "", false, fserrors.NewValidation(viewID, "view_id", "unknown view")
	}
	leaderID, ok := s.sessions.LeaderSession(v.ElectionKey(""))
	if !ok {
		return "", false, fmt.Errorf("fustor: no leader session available to scan view %s", viewID)
	}

	jobID := uuid.NewString()
	s.sessions.AddPendingScan(leaderID, path)
	s.sessions.EnqueueCommand(leaderID, session.Command{
		Type: "scan",
		Payload: map[string]any{
			"path":      path,
			"recursive": true,
			"job_id":    jobID,
		},
	})
	return jobID, true, nil
}
