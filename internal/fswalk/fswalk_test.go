package fswalk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("yo"), 0o644))
	return root
}

func TestSnapshotWalksEntireTree(t *testing.T) {
	root := writeTree(t)
	s := New(root)
	rows, errc := s.Snapshot(context.Background())

	var paths []string
	for batch := range rows {
		for _, r := range batch {
			paths = append(paths, r["path"].(string))
		}
	}
	assert.NoError(t, <-errc)
	assert.Contains(t, paths, "/")
	assert.Contains(t, paths, "/a.txt")
	assert.Contains(t, paths, "/sub")
	assert.Contains(t, paths, "/sub/b.txt")
}

func TestSentinelReportsMissingAndExisting(t *testing.T) {
	root := writeTree(t)
	s := New(root)

	results, err := s.Sentinel(context.Background(), []string{"/a.txt", "/gone.txt"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Exists)
	assert.False(t, results[1].Exists)
}
