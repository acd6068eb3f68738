// Package fswalk is a minimal stat-walk Source for internal/agentpipe.
// Real watching (inotify-like realtime events, incremental stat-walks) is an
// out-of-scope collaborator per spec.md §1; this package exists only so
// cmd/agent has something concrete to drive end to end, using plain
// filepath.WalkDir rather than any domain library since the walking itself
// carries no Fustor semantics.
package fswalk

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/excelwang/fustor-sub003/internal/agentpipe"
	"github.com/excelwang/fustor-sub003/internal/event"
)

const batchSize = 256

// Source walks Root on every Snapshot/Audit call and stats Sentinel paths
// directly; it keeps no watch state between calls.
type Source struct {
	Root string
}

// New builds a Source rooted at root.
func New(root string) *Source { return &Source{Root: root} }

func (s *Source) Snapshot(ctx context.Context) (<-chan []event.Row, <-chan error) {
	return s.walk(ctx)
}

// Audit re-walks the same tree; spec.md §4.4 expects Audit to resurface
// anything Realtime missed, which a full re-walk trivially covers for this
// minimal implementation.
func (s *Source) Audit(ctx context.Context) (<-chan []event.Row, <-chan error) {
	return s.walk(ctx)
}

func (s *Source) walk(ctx context.Context) (<-chan []event.Row, <-chan error) {
	rows := make(chan []event.Row)
	errc := make(chan error, 1)

	go func() {
		defer close(rows)
		defer close(errc)

		var batch []event.Row
		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			select {
			case rows <- batch:
				batch = nil
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(s.Root, path)
			if err != nil {
				return err
			}
			if rel == "." {
				rel = "/"
			} else {
				rel = "/" + filepath.ToSlash(rel)
			}
			batch = append(batch, event.Row{
				"path":         rel,
				"is_directory": d.IsDir(),
				"size":         float64(info.Size()),
				"modified_time": float64(info.ModTime().Unix()),
			})
			if len(batch) >= batchSize {
				if !flush() {
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			errc <- err
			return
		}
		flush()
	}()

	return rows, errc
}

func (s *Source) Sentinel(ctx context.Context, paths []string) ([]agentpipe.SentinelCheck, error) {
	results := make([]agentpipe.SentinelCheck, 0, len(paths))
	for _, p := range paths {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		full := filepath.Join(s.Root, filepath.FromSlash(p))
		info, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				results = append(results, agentpipe.SentinelCheck{Path: p, Exists: false})
				continue
			}
			return results, err
		}
		results = append(results, agentpipe.SentinelCheck{Path: p, Exists: true, Mtime: info.ModTime()})
	}
	return results, nil
}

var _ agentpipe.Source = (*Source)(nil)
