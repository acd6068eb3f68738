// Package session implements the Fusion-side Session and per-view Leader
// election of spec.md §3/§4.6/§5: the bookkeeping that decides which Agent
// Pipe is authoritative for a view and keeps its lease alive.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role is which side of the election a Session won.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Command is one pending instruction for the Agent, delivered in the next
// heartbeat response (spec.md §4.5 "Command handling").
type Command struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Session is the Fusion-side record of one Agent Pipe's connection to a
// view, per spec.md §3. The Agent itself holds only the SessionID.
type Session struct {
	SessionID    string
	ViewID       string
	PipeID       string // only meaningful in forest mode
	TaskID       string
	CreatedAt    time.Time
	LastActivity time.Time
	Role         Role
	SourceURI    string
	AgentID      string
	SoftTimeout  time.Duration

	pendingCommands []Command
	pendingScans    map[string]struct{}
}

// electionKey is the Leader-lock cell this session contests: view_id alone
// in single-view mode, view_id:pipe_id in forest mode (spec.md §4.6).
func (s *Session) electionKey() string {
	if s.PipeID == "" {
		return s.ViewID
	}
	return s.ViewID + ":" + s.PipeID
}

// newSession constructs a fresh Session with a generated id.
func newSession(viewID, pipeID, sourceURI string, softTimeout time.Duration) *Session {
	now := time.Now()
	return &Session{
		SessionID:    uuid.NewString(),
		ViewID:       viewID,
		PipeID:       pipeID,
		TaskID:       uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		SoftTimeout:  softTimeout,
		Role:         RoleFollower,
		pendingScans: make(map[string]struct{}),
	}
}
