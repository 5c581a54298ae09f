package updater

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func write(t *testing.T, root, rel, contents string) {
	t.Helper()

	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
}

// TestWipeDir keeps allow-listed entries and removes everything else,
// including nested directories.
func TestWipeDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write(t, dir, "boot.py", "boot")
	write(t, dir, "app.py", "app")
	write(t, dir, "lib/dep.py", "dep")
	write(t, dir, "nested/deep/file.py", "deep")

	keepFiles := map[string]struct{}{"boot.py": {}}
	keepDirs := map[string]struct{}{"lib": {}}

	require.NoError(t, wipeDir(dir, keepFiles, keepDirs))

	require.Equal(t, map[string]string{
		"boot.py":    "boot",
		"lib/dep.py": "dep",
	}, snapshotTree(t, dir))
}

// TestWipeDir_MissingDir treats a nonexistent directory as already wiped.
func TestWipeDir_MissingDir(t *testing.T) {
	t.Parallel()

	require.NoError(t, wipeDir(filepath.Join(t.TempDir(), "missing"), nil, nil))
}

// TestMoveContents moves files and directories, merging into directories
// that already exist at the destination, and removes the emptied source.
func TestMoveContents(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "staging")
	dst := filepath.Join(root, "live")

	write(t, src, "app.py", "new app")
	write(t, src, "util/helpers.py", "helpers")
	write(t, dst, "util/existing.py", "existing")

	require.NoError(t, moveContents(src, dst))

	require.Equal(t, map[string]string{
		"app.py":           "new app",
		"util/helpers.py":  "helpers",
		"util/existing.py": "existing",
	}, snapshotTree(t, dst))

	_, err := os.Stat(src)
	require.ErrorIs(t, err, os.ErrNotExist)
}
