package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestFindFiles(t *testing.T) {
	// --- Arrange ---
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.hcl"))
	touch(t, filepath.Join(dir, "a.hcl"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "nested", "c.hcl"))
	extra := filepath.Join(t.TempDir(), "extra.hcl")
	touch(t, extra)

	// --- Act ---
	files, err := FindFiles([]string{extra, dir, filepath.Join(dir, "a.hcl")}, ".hcl")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{
		extra,
		filepath.Join(dir, "a.hcl"),
		filepath.Join(dir, "b.hcl"),
		filepath.Join(dir, "nested", "c.hcl"),
	}, files)
}

func TestFindFilesErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := FindFiles([]string{filepath.Join(dir, "missing")}, ".hcl")
	assert.Error(t, err)

	txt := filepath.Join(dir, "x.txt")
	touch(t, txt)
	_, err = FindFiles([]string{txt}, ".hcl")
	assert.ErrorContains(t, err, "extension")

	assert.Panics(t, func() { _, _ = FindFiles(nil, "") })
}
