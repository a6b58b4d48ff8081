// Package storage abstracts the sync root: a plain hierarchical file store
// that may be a local directory, a mounted remote volume, or a git worktree.
package storage

import (
	"context"
	"time"
)

// FileInfo represents file metadata.
type FileInfo struct {
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Root abstracts read/write operations on the sync root. The sync protocol
// never branches on which transport backs it.
type Root interface {
	// Read operations
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, dir string) ([]FileInfo, error)

	// Write operations
	Write(ctx context.Context, path string, content []byte) error
	Delete(ctx context.Context, path string) error
	DeleteAll(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error

	// Close releases the transport (unmount, final commit/push, ...).
	Close(ctx context.Context) error
}
