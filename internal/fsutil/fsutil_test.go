package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFilesByExtension(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	for _, name := range []string{"a.hcl", "b.txt", filepath.Join("nested", "c.hcl")} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	// --- Act ---
	files, err := FindFilesByExtension(dir, ".hcl")

	// --- Assert ---
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{filepath.Join(dir, "a.hcl"), filepath.Join(dir, "nested", "c.hcl")}, files)

	single, err := FindFilesByExtension(filepath.Join(dir, "a.hcl"), ".hcl")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.hcl")}, single)

	_, err = FindFilesByExtension(filepath.Join(dir, "missing"), ".hcl")
	require.Error(t, err)
}

func TestWriteFileAtomic_ReplacesContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	require.NoError(t, WriteFileAtomic(path, []byte("new"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
