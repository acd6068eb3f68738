// Package config implements spec.md §6's composable YAML configuration: a
// fustor_home directory whose every *.yaml file contributes to one merged
// Agent or Fusion configuration. On SIGHUP the entrypoints re-read it and
// log which Pipes AgentPipeDiff/FusionPipeDiff report as changed or
// removed; running Pipes are not restarted. Grounded in
// rclone's fs/config composable-file philosophy, adapted to yaml.v3 per
// spec.md §6.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/excelwang/fustor-sub003/internal/flog"
)

// SourceConfig describes one Agent-side filesystem source.
type SourceConfig struct {
	ID   string `yaml:"id"`
	Root string `yaml:"root"`
}

// SenderConfig describes one Agent-side destination (a Fusion receiver):
// the wire endpoint plus the view (and, in forest mode, the pipe_id) this
// Agent's handshake names itself as.
type SenderConfig struct {
	ID      string        `yaml:"id"`
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	ViewID  string        `yaml:"view_id"`
	PipeID  string        `yaml:"pipe_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// AgentPipeConfig binds a source to a sender with the intervals spec.md
// §4.5's Pipe Config carries.
type AgentPipeConfig struct {
	ID               string        `yaml:"id"`
	SourceID         string        `yaml:"source_id"`
	SenderID         string        `yaml:"sender_id"`
	BatchSize        int           `yaml:"batch_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AuditInterval    time.Duration `yaml:"audit_interval"`
	SentinelInterval time.Duration `yaml:"sentinel_interval"`
}

// Agent is the root document for an Agent process's merged configuration.
type Agent struct {
	Sources []SourceConfig    `yaml:"sources"`
	Senders []SenderConfig    `yaml:"senders"`
	Pipes   []AgentPipeConfig `yaml:"pipes"`
}

// ReceiverConfig describes one Fusion-side ingest endpoint and the
// (key, pipe_id) pairs spec.md §6 Authentication allows as an indirect key
// binding.
type ReceiverConfig struct {
	ID   string `yaml:"id"`
	Keys []struct {
		APIKey string `yaml:"api_key"`
		PipeID string `yaml:"pipe_id"`
	} `yaml:"keys"`
}

// ViewConfig describes one Fusion-side logical view.
type ViewConfig struct {
	ID                  string `yaml:"id"`
	APIKey              string `yaml:"api_key"`
	MaxNodes            int    `yaml:"max_nodes"`
	AllowConcurrentPush bool   `yaml:"allow_concurrent_push"`
	ForestMode          bool   `yaml:"forest_mode"`
	SoftTimeout         time.Duration `yaml:"soft_timeout"`
}

// FusionPipeConfig binds a receiver to the views it exposes.
type FusionPipeConfig struct {
	ID                 string   `yaml:"id"`
	ReceiverID         string   `yaml:"receiver_id"`
	ViewIDs            []string `yaml:"view_ids"`
	AllowConcurrentPush bool    `yaml:"allow_concurrent_push"`
}

// Fusion is the root document for a Fusion process's merged configuration.
type Fusion struct {
	Receivers []ReceiverConfig    `yaml:"receivers"`
	Views     []ViewConfig        `yaml:"views"`
	Pipes     []FusionPipeConfig  `yaml:"pipes"`
}

// listYAMLFiles returns every *.yaml/*.yml file directly under dir, sorted
// for deterministic merge order.
func listYAMLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fustor: reading config dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadAgent merges every *.yaml in dir into one Agent configuration. Later
// files append to (rather than replace) earlier ones for each slice field,
// matching spec.md §6's "every .yaml in the config directory contributes".
func LoadAgent(dir string) (*Agent, error) {
	files, err := listYAMLFiles(dir)
	if err != nil {
		return nil, err
	}
	merged := &Agent{}
	for _, f := range files {
		var part Agent
		if err := readYAML(f, &part); err != nil {
			return nil, err
		}
		merged.Sources = append(merged.Sources, part.Sources...)
		merged.Senders = append(merged.Senders, part.Senders...)
		merged.Pipes = append(merged.Pipes, part.Pipes...)
	}
	return merged, nil
}

// LoadFusion merges every *.yaml in dir into one Fusion configuration.
func LoadFusion(dir string) (*Fusion, error) {
	files, err := listYAMLFiles(dir)
	if err != nil {
		return nil, err
	}
	merged := &Fusion{}
	for _, f := range files {
		var part Fusion
		if err := readYAML(f, &part); err != nil {
			return nil, err
		}
		merged.Receivers = append(merged.Receivers, part.Receivers...)
		merged.Views = append(merged.Views, part.Views...)
		merged.Pipes = append(merged.Pipes, part.Pipes...)
	}
	return merged, nil
}

func readYAML(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("fustor: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("fustor: parsing %s: %w", path, err)
	}
	return nil
}

// AgentPipeDiff reports which Agent Pipe ids changed between two loads
// (their Source or Sender block differs, or the Pipe itself was added or
// removed), per spec.md §6's reload contract: "restarts any Pipe whose
// source/sender/receiver/view changed (others keep running)".
func AgentPipeDiff(old, new *Agent) (changed []string, removed []string) {
	oldSources := indexSources(old)
	oldSenders := indexSenders(old)
	newSources := indexSources(new)
	newSenders := indexSenders(new)

	oldPipes := indexAgentPipes(old)
	newPipes := indexAgentPipes(new)

	for id, np := range newPipes {
		op, existed := oldPipes[id]
		if !existed {
			changed = append(changed, id)
			continue
		}
		if op.SourceID != np.SourceID || op.SenderID != np.SenderID {
			changed = append(changed, id)
			continue
		}
		if !sourceEqual(oldSources[op.SourceID], newSources[np.SourceID]) {
			changed = append(changed, id)
			continue
		}
		if !senderEqual(oldSenders[op.SenderID], newSenders[np.SenderID]) {
			changed = append(changed, id)
		}
	}
	for id := range oldPipes {
		if _, ok := newPipes[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)
	return changed, removed
}

// FusionPipeDiff is AgentPipeDiff's Fusion-side analogue: a Pipe is reported
// as changed if it is new, if its receiver id, allow_concurrent_push, Receiver
// block, view id list or any of its View blocks differ.
func FusionPipeDiff(old, new *Fusion) (changed []string, removed []string) {
	oldReceivers := indexReceivers(old)
	oldViews := indexViews(old)
	newReceivers := indexReceivers(new)
	newViews := indexViews(new)

	oldPipes := indexFusionPipes(old)
	newPipes := indexFusionPipes(new)

	for id, np := range newPipes {
		op, existed := oldPipes[id]
		if !existed {
			changed = append(changed, id)
			continue
		}
		if op.ReceiverID != np.ReceiverID || op.AllowConcurrentPush != np.AllowConcurrentPush {
			changed = append(changed, id)
			continue
		}
		if !receiverEqual(oldReceivers[op.ReceiverID], newReceivers[np.ReceiverID]) {
			changed = append(changed, id)
			continue
		}
		if !viewSetEqual(op.ViewIDs, np.ViewIDs, oldViews, newViews) {
			changed = append(changed, id)
		}
	}
	for id := range oldPipes {
		if _, ok := newPipes[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)
	return changed, removed
}

func indexSources(a *Agent) map[string]SourceConfig {
	m := make(map[string]SourceConfig, len(a.Sources))
	for _, s := range a.Sources {
		m[s.ID] = s
	}
	return m
}

func indexSenders(a *Agent) map[string]SenderConfig {
	m := make(map[string]SenderConfig, len(a.Senders))
	for _, s := range a.Senders {
		m[s.ID] = s
	}
	return m
}

func indexAgentPipes(a *Agent) map[string]AgentPipeConfig {
	m := make(map[string]AgentPipeConfig, len(a.Pipes))
	for _, p := range a.Pipes {
		m[p.ID] = p
	}
	return m
}

func indexReceivers(f *Fusion) map[string]ReceiverConfig {
	m := make(map[string]ReceiverConfig, len(f.Receivers))
	for _, r := range f.Receivers {
		m[r.ID] = r
	}
	return m
}

func indexViews(f *Fusion) map[string]ViewConfig {
	m := make(map[string]ViewConfig, len(f.Views))
	for _, v := range f.Views {
		m[v.ID] = v
	}
	return m
}

func indexFusionPipes(f *Fusion) map[string]FusionPipeConfig {
	m := make(map[string]FusionPipeConfig, len(f.Pipes))
	for _, p := range f.Pipes {
		m[p.ID] = p
	}
	return m
}

func sourceEqual(a, b SourceConfig) bool { return a == b }
func senderEqual(a, b SenderConfig) bool { return a == b }

func receiverEqual(a, b ReceiverConfig) bool {
	if a.ID != b.ID || len(a.Keys) != len(b.Keys) {
		return false
	}
	for i := range a.Keys {
		if a.Keys[i] != b.Keys[i] {
			return false
		}
	}
	return true
}

func viewSetEqual(oldIDs, newIDs []string, oldViews, newViews map[string]ViewConfig) bool {
	if len(oldIDs) != len(newIDs) {
		return false
	}
	for i, id := range newIDs {
		if oldIDs[i] != id {
			return false
		}
		if oldViews[id] != newViews[id] {
			return false
		}
	}
	return true
}

// AgentID is the on-disk identity file of spec.md §6: on first start an
// Agent derives `<ip_dashed>-<uuid8>` and persists it; subsequent starts
// load it verbatim.
const agentIDFile = "agent.id"

// LoadOrCreateAgentID reads dir/agent.id, creating it from derive() if
// absent.
func LoadOrCreateAgentID(dir string, derive func() string) (string, error) {
	path := filepath.Join(dir, agentIDFile)
	b, err := os.ReadFile(path)
	if err == nil {
		return string(trimNewline(b)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("fustor: reading %s: %w", path, err)
	}
	id := derive()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("fustor: writing %s: %w", path, err)
	}
	flog.With(flog.Fields{"agent_id": id}).Info("derived new agent id")
	return id, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
