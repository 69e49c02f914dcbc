package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConflictError reports that an output destination already exists and the
// caller did not ask for it to be replaced.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("destination %s already exists (enable overwrite to replace it)", e.Path)
}

// EnsureWritable verifies that path may be written. When the destination
// already exists and overwrite is false it returns a *ConflictError and
// leaves the existing file untouched.
func EnsureWritable(fsys FileSystem, path string, overwrite bool) error {
	if fsys.Exists(path) && !overwrite {
		return &ConflictError{Path: path}
	}
	return nil
}

// WriteFileAtomic writes data to path via a temporary sibling file followed
// by a rename, so readers never observe a partially written file. The parent
// directory is created if necessary.
func WriteFileAtomic(fsys FileSystem, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := fsys.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
