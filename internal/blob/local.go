package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore keeps blobs as flat files under one directory.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Save(ctx context.Context, name string, data io.Reader, _ int64, contentType string) (Object, error) {
	safe, err := SafeName(name)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	path := filepath.Join(s.dir, safe)
	tmp, err := os.CreateTemp(s.dir, "."+safe+".*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp blob: %w", err)
	}
	written, err := io.Copy(tmp, data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("write blob %s: %w", safe, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("commit blob %s: %w", safe, err)
	}
	return Object{Name: safe, Size: written, ContentType: contentType}, nil
}

func (s *LocalStore) Open(ctx context.Context, name string) (io.ReadCloser, Object, error) {
	safe, err := SafeName(name)
	if err != nil {
		return nil, Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, Object{}, err
	}
	file, err := os.Open(filepath.Join(s.dir, safe))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Object{}, ErrNotFound
	}
	if err != nil {
		return nil, Object{}, fmt.Errorf("open blob %s: %w", safe, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, Object{}, fmt.Errorf("stat blob %s: %w", safe, err)
	}
	return file, Object{Name: safe, Size: info.Size(), ContentType: ContentTypeFor(safe)}, nil
}
