package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstSessionBecomesLeaderSecondFollower(t *testing.T) {
	m := NewManager(NewElection())
	s1 := m.Create("v1", "", "uri1", time.Minute)
	s2 := m.Create("v1", "", "uri2", time.Minute)

	assert.Equal(t, RoleLeader, s1.Role)
	assert.Equal(t, RoleFollower, s2.Role)
	assert.True(t, m.IsAuthoritative(s1.SessionID))
	assert.False(t, m.IsAuthoritative(s2.SessionID))
}

func TestForestModeScopesElectionByPipeID(t *testing.T) {
	m := NewManager(NewElection())
	s1 := m.Create("v1", "pipeA", "uri1", time.Minute)
	s2 := m.Create("v1", "pipeB", "uri2", time.Minute)

	assert.Equal(t, RoleLeader, s1.Role)
	assert.Equal(t, RoleLeader, s2.Role, "different pipe_id under the same view contests a distinct lock")
}

func TestLeaderFailoverOnClose(t *testing.T) {
	m := NewManager(NewElection())
	s1 := m.Create("v1", "", "uri1", time.Minute)
	s2 := m.Create("v1", "", "uri2", time.Minute)
	require.Equal(t, RoleLeader, s1.Role)
	require.Equal(t, RoleFollower, s2.Role)

	m.Close(s1.SessionID)

	ok := m.KeepAlive(s2.SessionID)
	require.True(t, ok)
	assert.Equal(t, RoleLeader, s2.Role, "the only remaining session must win the lock on the next heartbeat")
	assert.True(t, m.IsAuthoritative(s2.SessionID))
}

func TestKeepAliveIsNoOpRenewalForCurrentLeader(t *testing.T) {
	m := NewManager(NewElection())
	s1 := m.Create("v1", "", "uri1", time.Minute)
	for i := 0; i < 3; i++ {
		require.True(t, m.KeepAlive(s1.SessionID))
	}
	assert.Equal(t, RoleLeader, s1.Role)
}

func TestCreateKeepAliveCloseLeavesNoResidue(t *testing.T) {
	m := NewManager(NewElection())
	s := m.Create("v1", "", "uri1", time.Minute)
	require.True(t, m.KeepAlive(s.SessionID))
	m.Close(s.SessionID)

	_, ok := m.Get(s.SessionID)
	assert.False(t, ok, "closed session must be unreachable")
	assert.Equal(t, 0, m.Count())
	_, owned := m.election.Owner(s.electionKey())
	assert.False(t, owned, "election lock must be released on close")
}

func TestCommandQueueDrainsOnce(t *testing.T) {
	m := NewManager(NewElection())
	s := m.Create("v1", "", "uri1", time.Minute)

	require.True(t, m.EnqueueCommand(s.SessionID, Command{Type: "scan"}))
	require.True(t, m.EnqueueCommand(s.SessionID, Command{Type: "reload_config"}))

	cmds := m.DrainCommands(s.SessionID)
	require.Len(t, cmds, 2)
	assert.Equal(t, "scan", cmds[0].Type)

	assert.Empty(t, m.DrainCommands(s.SessionID), "drain must clear the queue")
}

func TestElectionReleaseIgnoredForNonOwner(t *testing.T) {
	e := NewElection()
	assert.True(t, e.TryBecomeLeader("v1", "s1"))
	assert.False(t, e.TryBecomeLeader("v1", "s2"))

	e.Release("v1", "s2") // s2 never owned the lock
	assert.True(t, e.IsLeader("v1", "s1"), "release from a non-owner must not evict the real leader")

	e.Release("v1", "s1")
	_, held := e.Owner("v1")
	assert.False(t, held)
	assert.True(t, e.TryBecomeLeader("v1", "s2"), "the lock is free once the true owner releases it")
}
