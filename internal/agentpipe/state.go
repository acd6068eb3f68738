// Package agentpipe implements the Agent-side Pipe of spec.md §4.5: the
// per-(source,sender) worker that drives Snapshot -> MessageSync, with
// Audit and Sentinel loops layered on top when this Pipe's session is
// Leader. It talks to the Event Bus (internal/eventbus) as a producer and
// to Fusion through the Sender interface, which stands in for the
// out-of-scope HTTP transport collaborator (spec.md §1).
package agentpipe

import "sync"

// State is one of the composable flags spec.md §4.5 lists for the Agent
// Pipe state machine. Primary is mutually exclusive (a Pipe is in exactly
// one of Stopped/Starting/SnapshotSync/MessageSync/ConfOutdated/Stopping/
// Error/Reconnecting at a time); AuditPhase and SentinelSweep are
// orthogonal loops that run concurrently with MessageSync once a Pipe's
// session is Leader, so they're tracked as separate booleans rather than
// folded into Primary.
type State string

const (
	Stopped       State = "stopped"
	Starting      State = "starting"
	SnapshotSync  State = "snapshot_sync"
	MessageSync   State = "message_sync"
	ConfOutdated  State = "conf_outdated"
	StoppingState State = "stopping"
	ErrorState    State = "error"
	Reconnecting  State = "reconnecting"
)

// Status is a snapshot of a Pipe's current composable state, safe to copy.
type Status struct {
	Primary         State
	AuditRunning    bool
	SentinelRunning bool
	LastError       string
}

// statusBox is the Pipe's mutex-guarded state holder. Kept separate from
// Pipe itself so tests can exercise transitions without a full Pipe.
type statusBox struct {
	mu sync.Mutex
	s  Status
}

func newStatusBox() *statusBox {
	return &statusBox{s: Status{Primary: Stopped}}
}

func (b *statusBox) set(primary State) {
	b.mu.Lock()
	b.s.Primary = primary
	b.mu.Unlock()
}

func (b *statusBox) setError(err error) {
	b.mu.Lock()
	b.s.Primary = ErrorState
	if err != nil {
		b.s.LastError = err.Error()
	}
	b.mu.Unlock()
}

func (b *statusBox) setAudit(running bool) {
	b.mu.Lock()
	b.s.AuditRunning = running
	b.mu.Unlock()
}

func (b *statusBox) setSentinel(running bool) {
	b.mu.Lock()
	b.s.SentinelRunning = running
	b.mu.Unlock()
}

func (b *statusBox) get() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}
