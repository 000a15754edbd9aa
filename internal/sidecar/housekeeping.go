package sidecar

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/otiai10/copy"
)

// CleanDir removes everything inside dir and keeps dir itself. A missing dir
// is not an error.
func CleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("clean %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clean %s: %w", dir, err)
		}
	}
	return nil
}

// CopyDir copies the tree under src into dst, creating dst if needed and
// overwriting files already there. Files whose base name is in exclude are
// skipped at any depth. Symlinks and other non-regular files are skipped.
// Modes are kept.
func CopyDir(src, dst string, exclude ...string) error {
	err := copy.Copy(src, dst, copy.Options{
		OnSymlink: func(string) copy.SymlinkAction {
			return copy.Skip
		},
		Skip: func(info os.FileInfo, _, _ string) (bool, error) {
			if info.IsDir() {
				return false, nil
			}
			// Sockets, devices and pipes have no place in a study folder.
			return slices.Contains(exclude, info.Name()) || !info.Mode().IsRegular(), nil
		},
		PermissionControl: copy.PerservePermission,
	})
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}
