package tree

import (
	"path"
	"strings"
	"time"
)

// node is the internal mutable representation. Directories carry a
// children map keyed by basename; files leave it nil.
type node struct {
	name             string
	path             string
	isDir            bool
	size             int64
	modifiedTime     time.Time
	createdTime      time.Time
	lastUpdatedAt    time.Time // zero value marks "auto-created, not yet observed"
	integritySuspect bool
	lastAgentID      string
	sourceURI        string
	children         map[string]*node
}

// NodeInfo is the read-only snapshot handed back across the tree's public
// API, decoupled from the internal mutable node so callers can't race with
// later mutations.
type NodeInfo struct {
	Name             string    `json:"name"`
	Path             string    `json:"path"`
	IsDir            bool      `json:"is_directory"`
	Size             int64     `json:"size"`
	ModifiedTime     time.Time `json:"modified_time"`
	CreatedTime      time.Time `json:"created_time"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
	IntegritySuspect bool      `json:"integrity_suspect"`
	LastAgentID      string    `json:"last_agent_id,omitempty"`
	SourceURI        string    `json:"source_uri,omitempty"`
	ChildNames       []string  `json:"children,omitempty"`
}

// AutoCreated reports whether this node was materialized only as a missing
// parent-chain ancestor and has never itself been observed directly.
func (n NodeInfo) AutoCreated() bool {
	return n.IsDir && n.LastUpdatedAt.IsZero()
}

func (n *node) info() NodeInfo {
	ni := NodeInfo{
		Name:             n.name,
		Path:             n.path,
		IsDir:            n.isDir,
		Size:             n.size,
		ModifiedTime:     n.modifiedTime,
		CreatedTime:      n.createdTime,
		LastUpdatedAt:    n.lastUpdatedAt,
		IntegritySuspect: n.integritySuspect,
		LastAgentID:      n.lastAgentID,
		SourceURI:        n.sourceURI,
	}
	if n.isDir {
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		ni.ChildNames = names
	}
	return ni
}

// normalizePath treats the input as POSIX: runs of "/" collapse, a missing
// leading "/" is added, and the result is never empty (the empty path
// normalizes to root).
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	clean := path.Clean(p)
	if clean == "." {
		return "/"
	}
	return clean
}

// splitParent returns the normalized parent path and basename of p. The
// root's parent is itself.
func splitParent(p string) (parent, base string) {
	if p == "/" {
		return "/", ""
	}
	dir, base := path.Split(p)
	parent = normalizePath(strings.TrimSuffix(dir, "/"))
	return parent, base
}

// ancestors returns every ancestor directory path of p, from root ("/")
// down to the immediate parent, ordered root-to-leaf so callers can
// materialize them in order.
func ancestors(p string) []string {
	if p == "/" {
		return nil
	}
	var chain []string
	cur := p
	for cur != "/" {
		parent, _ := splitParent(cur)
		chain = append(chain, parent)
		cur = parent
	}
	// reverse to root-to-leaf order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
