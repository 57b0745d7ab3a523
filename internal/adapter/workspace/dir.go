// Package workspace gives reviewers read access to files under one root.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Strob0t/Switchyard/internal/domain"
	"github.com/Strob0t/Switchyard/internal/port/assist"
)

// ErrTooLarge is returned for files above the size limit.
var ErrTooLarge = errors.New("file exceeds workspace read limit")

var _ assist.Workspace = (*Dir)(nil)

// Dir reads files from a directory tree. Paths escaping the root, through
// ".." or symlinks, are rejected by the underlying fs.FS.
type Dir struct {
	fsys     fs.FS
	maxBytes int64
}

// New opens a workspace rooted at root.
func New(root string, maxBytes int64) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root %s: %w", root, err)
	}
	r, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open workspace root: %w", err)
	}
	return NewFS(r.FS(), maxBytes), nil
}

// NewFS wraps an existing file system.
func NewFS(fsys fs.FS, maxBytes int64) *Dir {
	if maxBytes <= 0 {
		maxBytes = 256 << 10
	}
	return &Dir{fsys: fsys, maxBytes: maxBytes}
}

// ReadFile implements assist.Workspace.
func (d *Dir) ReadFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(path, "/")))
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("%w: invalid workspace path %q", domain.ErrValidation, path)
	}

	f, err := d.fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("workspace file %s: %w", name, domain.ErrNotFound)
		}
		return "", fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", domain.ErrValidation, name)
	}
	if info.Size() > d.maxBytes {
		return "", fmt.Errorf("%s (%d bytes): %w", name, info.Size(), ErrTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(f, d.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > d.maxBytes {
		return "", fmt.Errorf("%s: %w", name, ErrTooLarge)
	}
	return string(data), nil
}
