package tempfiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplaceFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	target := filepath.Join(dir, "doc.json")

	require.NoError(t, ReplaceFile(target, []byte("v1")))
	require.NoError(t, ReplaceFile(target, []byte("v2")))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestReplaceFile_FailureCleansUp(t *testing.T) {
	dir := t.TempDir()
	// Renaming a file over a non-empty directory fails.
	target := filepath.Join(dir, "occupied")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "child"), 0o700))

	require.Error(t, ReplaceFile(target, []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "occupied", entries[0].Name())
}
