package agentpipe

import (
	"context"
	"time"

	"github.com/excelwang/fustor-sub003/internal/event"
)

// Source is the filesystem source scanner collaborator spec.md §1 places
// out of scope ("inotify-like watching, stat-walks"): the Agent Pipe drives
// Snapshot/Audit/Sentinel purely through this contract.
//
// Snapshot and Audit are channel-based lazy streams per spec.md §9
// ("generators / lazy sequences ... map to channel-based lazy streams with
// explicit cancellation"): the Source must stop walking and release file
// handles as soon as ctx is cancelled or the returned channels are no
// longer drained.
type Source interface {
	// Snapshot streams batches of fs rows until the source is fully
	// enumerated. The rows channel closes on completion; a single error (if
	// any) is sent to errc before it closes. If the source's root is
	// inaccessible, Snapshot must send a fatal error and close both
	// channels immediately (spec.md §4.5 "entire Snapshot fails fatally").
	Snapshot(ctx context.Context) (rows <-chan []event.Row, errc <-chan error)

	// Audit streams batches of rows the realtime watcher might have missed
	// (e.g. renamed-into directories).
	Audit(ctx context.Context) (rows <-chan []event.Row, errc <-chan error)

	// Sentinel re-stats the given paths and reports each one's current
	// existence/mtime, per spec.md §4.4's sentinel cycle.
	Sentinel(ctx context.Context, paths []string) ([]SentinelCheck, error)
}

// SentinelCheck is one path's re-stat result, returned by Source.Sentinel
// and forwarded to Fusion via Sender.ReportSentinel.
type SentinelCheck struct {
	Path   string
	Exists bool
	Mtime  time.Time
}

// Sender is the transport collaborator spec.md §1 places out of scope (the
// HTTP senders/receivers and auth). It implements spec.md §6's wire
// protocol from the Agent's side; internal/wire provides a concrete HTTP
// implementation.
type Sender interface {
	// CreateSession implements `POST /pipe/session/`.
	CreateSession(ctx context.Context, sourceURI string) (SessionInfo, error)

	// SendBatch implements `POST /pipe/ingest/{session_id}/events`. isEnd
	// marks the final batch of a Snapshot or Audit sweep.
	SendBatch(ctx context.Context, sessionID string, evt event.Event, isEnd bool) (processed, skipped int, err error)

	// Heartbeat implements `POST /pipe/heartbeat/{session_id}`.
	Heartbeat(ctx context.Context, sessionID string) (HeartbeatInfo, error)

	// ReportSentinel delivers Sentinel's re-stat results back to Fusion so
	// the Consistency Arbitrator's sentinel cycle (spec.md §4.4) can act on
	// them.
	ReportSentinel(ctx context.Context, sessionID string, results []SentinelCheck) error

	// CloseSession implements `DELETE /pipe/session/{session_id}`.
	CloseSession(ctx context.Context, sessionID string) error
}

// SessionInfo is the Fusion response to session creation (spec.md §6).
type SessionInfo struct {
	SessionID        string
	Role             string // "leader" | "follower"
	AuditInterval    time.Duration
	SentinelInterval time.Duration
}

// HeartbeatInfo is the Fusion response to one heartbeat (spec.md §6).
// SentinelPaths piggybacks the batch of suspect-list paths the Sentinel
// loop should re-verify this tick (spec.md §4.5 "call source
// perform_sentinel_check(batch_of_paths_from_Fusion)"); spec.md §6 doesn't
// name a dedicated endpoint for this hand-off, so it rides the heartbeat
// response alongside role and commands.
type HeartbeatInfo struct {
	Status        string
	Role          string
	Commands      []Command
	SentinelPaths []string
}

// Command is one pending instruction from Fusion, delivered in a heartbeat
// response (spec.md §4.5 "Command handling"). Type is one of the
// recognized literals; unrecognized types are logged and ignored by the
// dispatcher.
type Command struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Recognized Command.Type values, per spec.md §4.5.
const (
	CommandScan          = "scan"
	CommandStopPipe      = "stop_pipe"
	CommandReloadConfig  = "reload_config"
	CommandUpdateConfig  = "update_config"
	CommandReportConfig  = "report_config"
	CommandUpgradeAgent  = "upgrade_agent"
)
