package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadAgentMergesEveryYAMLFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sources.yaml", `
sources:
  - id: local1
    root: /data
`)
	writeFile(t, dir, "pipes.yaml", `
senders:
  - id: fusion1
    url: http://fusion:8080
pipes:
  - id: pipe1
    source_id: local1
    sender_id: fusion1
    batch_size: 500
`)
	writeFile(t, dir, "notes.txt", "ignored, not yaml")

	agent, err := LoadAgent(dir)
	require.NoError(t, err)
	require.Len(t, agent.Sources, 1)
	require.Len(t, agent.Senders, 1)
	require.Len(t, agent.Pipes, 1)
	assert.Equal(t, "local1", agent.Sources[0].ID)
	assert.Equal(t, "pipe1", agent.Pipes[0].ID)
}

func TestAgentPipeDiffDetectsSourceChange(t *testing.T) {
	old := &Agent{
		Sources: []SourceConfig{{ID: "s1", Root: "/a"}},
		Senders: []SenderConfig{{ID: "t1", URL: "http://x"}},
		Pipes:   []AgentPipeConfig{{ID: "p1", SourceID: "s1", SenderID: "t1"}},
	}
	new := &Agent{
		Sources: []SourceConfig{{ID: "s1", Root: "/b"}}, // root changed
		Senders: []SenderConfig{{ID: "t1", URL: "http://x"}},
		Pipes:   []AgentPipeConfig{{ID: "p1", SourceID: "s1", SenderID: "t1"}},
	}
	changed, removed := AgentPipeDiff(old, new)
	assert.Equal(t, []string{"p1"}, changed)
	assert.Empty(t, removed)
}

func TestAgentPipeDiffIgnoresUnrelatedPipe(t *testing.T) {
	old := &Agent{
		Sources: []SourceConfig{{ID: "s1"}, {ID: "s2"}},
		Senders: []SenderConfig{{ID: "t1"}},
		Pipes: []AgentPipeConfig{
			{ID: "p1", SourceID: "s1", SenderID: "t1"},
			{ID: "p2", SourceID: "s2", SenderID: "t1"},
		},
	}
	new := &Agent{
		Sources: []SourceConfig{{ID: "s1", Root: "/changed"}, {ID: "s2"}},
		Senders: []SenderConfig{{ID: "t1"}},
		Pipes: []AgentPipeConfig{
			{ID: "p1", SourceID: "s1", SenderID: "t1"},
			{ID: "p2", SourceID: "s2", SenderID: "t1"},
		},
	}
	changed, removed := AgentPipeDiff(old, new)
	assert.Equal(t, []string{"p1"}, changed)
	assert.Empty(t, removed)
}

func TestAgentPipeDiffDetectsRemoval(t *testing.T) {
	old := &Agent{Pipes: []AgentPipeConfig{{ID: "p1"}, {ID: "p2"}}}
	new := &Agent{Pipes: []AgentPipeConfig{{ID: "p1"}}}
	changed, removed := AgentPipeDiff(old, new)
	assert.Empty(t, changed)
	assert.Equal(t, []string{"p2"}, removed)
}

func TestFusionPipeDiffDetectsViewChange(t *testing.T) {
	old := &Fusion{
		Receivers: []ReceiverConfig{{ID: "r1"}},
		Views:     []ViewConfig{{ID: "v1", MaxNodes: 1000}},
		Pipes:     []FusionPipeConfig{{ID: "fp1", ReceiverID: "r1", ViewIDs: []string{"v1"}}},
	}
	new := &Fusion{
		Receivers: []ReceiverConfig{{ID: "r1"}},
		Views:     []ViewConfig{{ID: "v1", MaxNodes: 2000}},
		Pipes:     []FusionPipeConfig{{ID: "fp1", ReceiverID: "r1", ViewIDs: []string{"v1"}}},
	}
	changed, removed := FusionPipeDiff(old, new)
	assert.Equal(t, []string{"fp1"}, changed)
	assert.Empty(t, removed)
}

func TestLoadOrCreateAgentIDPersists(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	derive := func() string {
		calls++
		return "10-0-0-1-abcd1234"
	}

	id1, err := LoadOrCreateAgentID(dir, derive)
	require.NoError(t, err)
	assert.Equal(t, "10-0-0-1-abcd1234", id1)
	assert.Equal(t, 1, calls)

	id2, err := LoadOrCreateAgentID(dir, derive)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, calls, "second load must not re-derive")
}

func TestAgentPipeConfigIntervalsParse(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pipes.yaml", `
pipes:
  - id: p1
    heartbeat_interval: 5s
    audit_interval: 1m
    sentinel_interval: 30s
`)
	agent, err := LoadAgent(dir)
	require.NoError(t, err)
	require.Len(t, agent.Pipes, 1)
	assert.Equal(t, 5*time.Second, agent.Pipes[0].HeartbeatInterval)
	assert.Equal(t, time.Minute, agent.Pipes[0].AuditInterval)
	assert.Equal(t, 30*time.Second, agent.Pipes[0].SentinelInterval)
}
