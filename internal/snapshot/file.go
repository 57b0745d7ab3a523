// Package snapshot persists in-memory state as JSON documents: an atomically
// replaced file plus a debounced single-goroutine writer.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrTooLarge is returned by Read when the file exceeds the size limit.
var ErrTooLarge = errors.New("snapshot exceeds size limit")

// File is a snapshot document on disk.
type File struct {
	Path string
	// MaxBytes bounds what Read accepts. Zero means unlimited.
	MaxBytes int64
}

// Read returns the file contents, or (nil, nil) when the file does not exist.
func (f File) Read() ([]byte, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = fh.Close() }()

	if f.MaxBytes > 0 {
		st, err := fh.Stat()
		if err != nil {
			return nil, err
		}
		if st.Size() > f.MaxBytes {
			return nil, fmt.Errorf("%s: %d bytes: %w", f.Path, st.Size(), ErrTooLarge)
		}
		return io.ReadAll(io.LimitReader(fh, f.MaxBytes+1))
	}
	return io.ReadAll(fh)
}

// Write replaces the file via a temporary file in the same directory and a rename,
// so readers never observe a partial document.
func (f File) Write(data []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
