// Package storage provides the attachment blob store.
package storage

import (
	"context"
	"io"
)

// Storage is a path-addressable blob store. Put returns the address that the
// other methods accept.
type Storage interface {
	// Put writes r under key and returns the stored file's info.
	Put(ctx context.Context, r io.Reader, key string) (*FileInfo, error)

	// Get opens a stored file. The caller closes the reader.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists reports whether path points to a stored file.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes a stored file. Deleting a missing file is not an error.
	Delete(ctx context.Context, path string) error
}

// FileInfo describes a stored file.
type FileInfo struct {
	Path        string
	ContentType string
	Size        int64
}

// Read loads a whole file into memory.
func Read(ctx context.Context, s Storage, path string) ([]byte, error) {
	rc, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
