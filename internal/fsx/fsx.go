// Package fsx is the atomic-I/O substrate shared by the trust log, memory
// store, and value core. Every write is crash-safe: after a crash between
// any two syscalls, a file contains either its old contents or the new
// contents in full.
package fsx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileMode is applied to every file this package creates.
const FileMode = 0o600

// WriteJSON atomically replaces path with the JSON encoding of v:
// temp file in the same directory, write, fsync, rename over path,
// fsync the parent directory.
func WriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fsx: marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFile(path, data)
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("fsx: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if err := tmp.Chmod(FileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsx: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsx: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsx: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsx: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("fsx: rename %s: %w", path, err)
	}
	return SyncDir(dir)
}

// AppendLine appends line (a trailing newline is added if missing) to path
// with O_APPEND, then fsyncs the file and its parent directory. The file is
// created with FileMode when absent.
func AppendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, FileMode) //nolint:gosec // callers pass SecurePath-validated paths
	if err != nil {
		return fmt.Errorf("fsx: open append %s: %w", path, err)
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsx: append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsx: sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fsx: close %s: %w", path, err)
	}
	return SyncDir(filepath.Dir(path))
}

// SyncDir fsyncs a directory so a prior rename or append within it is
// durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // directory paths come from validated config
	if err != nil {
		return fmt.Errorf("fsx: open dir %s: %w", dir, err)
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return fmt.Errorf("fsx: sync dir %s: %w", dir, err)
	}
	return d.Close()
}

// IsSymlink reports whether path itself is a symbolic link. A missing path
// is not a symlink.
func IsSymlink(path string) (bool, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode()&os.ModeSymlink != 0, nil
}

// SecurePath joins parts under base and refuses the result if it escapes
// base or if any existing component on the way (including the target) is a
// symlink. Both checks run: the lexical relative check catches ".." escapes,
// the Lstat walk catches symlink escapes.
func SecurePath(base string, parts ...string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("fsx: resolve base: %w", err)
	}
	joined := filepath.Join(append([]string{absBase}, parts...)...)

	rel, err := filepath.Rel(absBase, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fsx: path %q escapes base %q", joined, absBase)
	}

	// Walk each component below base and refuse symlinks.
	cur := absBase
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		cur = filepath.Join(cur, part)
		isLink, err := IsSymlink(cur)
		if err != nil {
			return "", fmt.Errorf("fsx: lstat %s: %w", cur, err)
		}
		if isLink {
			return "", fmt.Errorf("fsx: refusing symlink in path: %s", cur)
		}
	}
	return joined, nil
}

// EnsureDir creates dir (mode 0700) if it does not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("fsx: create directory %s: %w", dir, err)
	}
	return nil
}
