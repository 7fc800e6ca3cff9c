package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage keeps files under a root directory. Addresses are absolute
// filesystem paths inside that root.
type LocalStorage struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*LocalStorage, error) {
	if root == "" {
		return nil, ErrInvalidConfig
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &LocalStorage{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *LocalStorage) Root() string { return s.root }

func (s *LocalStorage) Put(ctx context.Context, r io.Reader, key string) (*FileInfo, error) {
	path, err := s.resolveKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	sniff := &sniffWriter{}
	n, err := io.Copy(io.MultiWriter(f, sniff), readerWithContext(ctx, r))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	return &FileInfo{
		Path:        path,
		Size:        n,
		ContentType: DetectMIME(key, sniff.head),
	}, nil
}

func (s *LocalStorage) Get(_ context.Context, path string) (io.ReadCloser, error) {
	p, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return f, err
}

func (s *LocalStorage) Exists(_ context.Context, path string) (bool, error) {
	p, err := s.resolvePath(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *LocalStorage) Delete(_ context.Context, path string) error {
	p, err := s.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

func (s *LocalStorage) resolveKey(key string) (string, error) {
	key = strings.TrimLeft(filepath.ToSlash(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	return s.resolvePath(filepath.Join(s.root, filepath.FromSlash(key)))
}

// resolvePath keeps every address inside the root.
func (s *LocalStorage) resolvePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(s.root, clean)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, path)
	}
	return clean, nil
}

// sniffWriter keeps the first bytes written for content type detection.
type sniffWriter struct {
	head []byte
}

func (w *sniffWriter) Write(p []byte) (int, error) {
	if room := mimeDetectionBytes - len(w.head); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.head = append(w.head, p[:room]...)
	}
	return len(p), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
