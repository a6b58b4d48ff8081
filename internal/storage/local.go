package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/fclairamb/notesync/internal/apperrors"
)

const (
	dirPerm  = 0750 // Directory permissions: rwxr-x---
	filePerm = 0600 // File permissions: rw-------
)

// BillyRoot implements Root on top of a billy.Filesystem. It backs both the
// plain local-directory transport and, via the worktree filesystem, the git
// transport.
type BillyRoot struct {
	fs     billy.Filesystem
	logger *slog.Logger
}

// BillyRootOption configures a BillyRoot.
type BillyRootOption func(*BillyRoot)

// WithLogger sets a custom logger for the root.
func WithLogger(l *slog.Logger) BillyRootOption {
	return func(r *BillyRoot) {
		r.logger = l
	}
}

// NewLocalRoot opens a sync root over a local (or mounted) directory.
// The directory must already exist; a sync root is user-chosen, never
// silently created.
func NewLocalRoot(dir string, opts ...BillyRootOption) (*BillyRoot, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSyncRootNotFound, dir)
	}
	return NewBillyRoot(osfs.New(dir), opts...), nil
}

// NewMemRoot creates an in-memory sync root, used by tests.
func NewMemRoot(opts ...BillyRootOption) *BillyRoot {
	return NewBillyRoot(memfs.New(), opts...)
}

// NewBillyRoot wraps an arbitrary billy filesystem as a sync root.
func NewBillyRoot(fs billy.Filesystem, opts ...BillyRootOption) *BillyRoot {
	root := &BillyRoot{
		fs:     fs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(root)
	}
	return root
}

// Read reads a file from the root.
func (r *BillyRoot) Read(ctx context.Context, p string) ([]byte, error) {
	r.logger.DebugContext(ctx, "reading file", "path", p)

	data, err := util.ReadFile(r.fs, p)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", p, err)
	}
	return data, nil
}

// Exists checks if a file or directory exists.
func (r *BillyRoot) Exists(_ context.Context, p string) (bool, error) {
	_, err := r.fs.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", p, err)
}

// List lists entries in a directory. A missing directory yields an empty list.
func (r *BillyRoot) List(ctx context.Context, dir string) ([]FileInfo, error) {
	r.logger.DebugContext(ctx, "listing directory", "dir", dir)

	entries, err := r.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		files = append(files, FileInfo{
			Path:    path.Join(dir, entry.Name()),
			IsDir:   entry.IsDir(),
			Size:    entry.Size(),
			ModTime: entry.ModTime(),
		})
	}
	return files, nil
}

// Write writes content to a file, creating parent directories as needed.
func (r *BillyRoot) Write(ctx context.Context, p string, content []byte) error {
	r.logger.DebugContext(ctx, "writing file", "path", p, "size", len(content))

	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := r.fs.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create parent dir: %w", err)
		}
	}
	if err := util.WriteFile(r.fs, p, content, filePerm); err != nil {
		return fmt.Errorf("write file %s: %w", p, err)
	}
	return nil
}

// Delete deletes a file. Deleting a missing file is not an error.
func (r *BillyRoot) Delete(ctx context.Context, p string) error {
	r.logger.DebugContext(ctx, "deleting file", "path", p)

	if err := r.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file %s: %w", p, err)
	}
	return nil
}

// DeleteAll removes a directory tree.
func (r *BillyRoot) DeleteAll(ctx context.Context, p string) error {
	r.logger.DebugContext(ctx, "deleting tree", "path", p)

	if err := util.RemoveAll(r.fs, p); err != nil {
		return fmt.Errorf("delete tree %s: %w", p, err)
	}
	return nil
}

// Mkdir creates a directory and any missing parents.
func (r *BillyRoot) Mkdir(_ context.Context, p string) error {
	if err := r.fs.MkdirAll(p, dirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", p, err)
	}
	return nil
}

// Rename renames a file within the root.
func (r *BillyRoot) Rename(ctx context.Context, oldPath, newPath string) error {
	r.logger.DebugContext(ctx, "renaming file", "from", oldPath, "to", newPath)

	if err := r.fs.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// Close is a no-op for plain directory roots.
func (r *BillyRoot) Close(_ context.Context) error {
	return nil
}
