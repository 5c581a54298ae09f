package updater

import (
	"errors"
	"os"
	"path/filepath"
)

// wipeDir removes every entry under dir except allow-listed file and
// directory names. A missing dir is not an error.
func wipeDir(dir string, keepFiles, keepDirs map[string]struct{}) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		name := entry.Name()

		keep := keepFiles
		if entry.IsDir() {
			keep = keepDirs
		}

		if _, found := keep[name]; found {
			continue
		}

		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return err
		}
	}

	return nil
}

// moveContents moves every entry of src into dst, merging into directories
// that already exist, and removes the emptied src.
func moveContents(src, dst string) error {
	if err := os.MkdirAll(dst, defaultDirMode); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if info, statErr := os.Stat(to); statErr == nil && info.IsDir() {
				if err := moveContents(from, to); err != nil {
					return err
				}

				continue
			}
		}

		if err := os.Rename(from, to); err != nil {
			return err
		}
	}

	return os.Remove(src)
}
