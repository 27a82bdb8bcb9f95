// Package storage provides small filesystem helpers used by the Store's
// backup rotation: directory creation and atomic file writes, so a partially
// copied backup file is never mistaken for a complete one.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const defaultFilePerm = 0o600

// EnsureDir creates the parent directory of path if it doesn't already
// exist.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicCopyFile copies src to dst via a temp file in dst's directory,
// fsync, rename. Used to snapshot the database file for backups without
// risking a torn copy if the process dies mid-write.
func AtomicCopyFile(src, dst string) error {
	clean := filepath.Clean(dst)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy to temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync() // best-effort; some filesystems ignore directory fsync
		_ = dirFile.Close()
	}
	return nil
}
