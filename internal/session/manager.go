package session

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/excelwang/fustor-sub003/internal/flog"
)

// cleanupInterval is how often go-cache's janitor sweeps expired sessions;
// the actual per-session deadline is each Session's own SoftTimeout.
const cleanupInterval = 30 * time.Second

// Manager owns every live Session for a Fusion process: a mutex-guarded
// lookup backed by go-cache for inactivity eviction (spec.md §3 "evicted
// after inactivity exceeds timeout"), plus the Election each session
// contests for its view's Leader lock.
type Manager struct {
	mu    sync.Mutex
	byID  map[string]*Session
	cache *cache.Cache

	election *Election
}

// NewManager constructs an empty Manager sharing election with every
// Session it creates.
func NewManager(election *Election) *Manager {
	m := &Manager{
		byID:     make(map[string]*Session),
		cache:    cache.New(cache.NoExpiration, cleanupInterval),
		election: election,
	}
	m.cache.OnEvicted(func(sessionID string, _ interface{}) {
		m.evict(sessionID)
	})
	return m
}

// Create registers a new Session for (viewID, pipeID), contests the view's
// Leader lock, and returns it with Role already resolved (spec.md §4.6
// election protocol step 1).
func (m *Manager) Create(viewID, pipeID, sourceURI string, softTimeout time.Duration) *Session {
	s := newSession(viewID, pipeID, sourceURI, softTimeout)
	if m.election.TryBecomeLeader(s.electionKey(), s.SessionID) {
		s.Role = RoleLeader
	} else {
		s.Role = RoleFollower
	}

	m.mu.Lock()
	m.byID[s.SessionID] = s
	m.mu.Unlock()
	m.cache.Set(s.SessionID, struct{}{}, softTimeout)

	flog.With(flog.Fields{"session_id": s.SessionID, "view_id": viewID, "role": string(s.Role)}).Info("session created")
	return s
}

// Get returns the Session for id, if it is still registered. A session
// whose timeout has passed stays registered until go-cache's janitor
// evicts it, at most cleanupInterval later.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// KeepAlive renews id's inactivity deadline and, per spec.md §4.6 election
// step 2, re-asserts its Leader claim (a no-op renewal if it already held
// the lock). Returns false if the session is unknown/expired.
func (m *Manager) KeepAlive(id string) bool {
	m.mu.Lock()
	s, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.LastActivity = time.Now()
	if m.election.TryBecomeLeader(s.electionKey(), s.SessionID) {
		s.Role = RoleLeader
	} else {
		s.Role = RoleFollower
	}
	m.cache.Set(id, struct{}{}, s.SoftTimeout)
	return true
}

// Close explicitly terminates a session (spec.md §3 "explicit terminate"),
// releasing its election lock immediately rather than waiting for
// inactivity eviction.
func (m *Manager) Close(id string) {
	m.cache.Delete(id) // triggers OnEvicted -> m.evict
}

// evict removes a session and releases its Leader lock, run either from an
// explicit Close or go-cache's inactivity janitor.
func (m *Manager) evict(id string) {
	m.mu.Lock()
	s, ok := m.byID[id]
	delete(m.byID, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.election.Release(s.electionKey(), s.SessionID)
	flog.With(flog.Fields{"session_id": id, "view_id": s.ViewID}).Info("session evicted")
}

// SetAgentID records the Agent's own id against a session, once the Fusion
// Pipe has it from the handshake request body; the Agent-side Pipe itself
// never learns this id, only the Fusion-side Session (spec.md §3 "Agent
// holds only the session_id").
func (m *Manager) SetAgentID(id, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[id]; ok {
		s.AgentID = agentID
	}
}

// IsAuthoritative reports whether id is the current Leader for its view,
// the gate spec.md §4.6's receive path checks before accepting a Snapshot/
// Audit/Sentinel push.
func (m *Manager) IsAuthoritative(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	return m.election.IsLeader(s.electionKey(), id)
}

// EnqueueCommand appends cmd to id's pending command queue, delivered on
// the next heartbeat response.
func (m *Manager) EnqueueCommand(id string, cmd Command) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return false
	}
	s.pendingCommands = append(s.pendingCommands, cmd)
	return true
}

// DrainCommands returns and clears id's pending command queue.
func (m *Manager) DrainCommands(id string) []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || len(s.pendingCommands) == 0 {
		return nil
	}
	out := s.pendingCommands
	s.pendingCommands = nil
	return out
}

// AddPendingScan records path as a scan the Leader owes an on-demand-scan
// caller, per the read API's `on_demand_scan=true` contract (spec.md §6).
func (m *Manager) AddPendingScan(id, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return false
	}
	s.pendingScans[path] = struct{}{}
	return true
}

// ClearPendingScan removes path from id's pending scan set once the Agent
// has reported it complete.
func (m *Manager) ClearPendingScan(id, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[id]; ok {
		delete(s.pendingScans, path)
	}
}

// LeaderSession returns the session id currently holding electionKey's
// Leader lock, if any. Used by the on-demand-scan fallback to find who to
// hand a scan command to (spec.md §6 "enqueue a scan command to the
// Leader").
func (m *Manager) LeaderSession(electionKey string) (string, bool) {
	return m.election.Owner(electionKey)
}

// Count reports how many sessions are currently live, for tests and
// metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
