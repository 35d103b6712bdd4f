// Package blob persists uploaded originals and serves them back by name.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrInvalidName = errors.New("invalid blob name")
)

type Object struct {
	Name        string
	Size        int64
	ContentType string
}

type Storage interface {
	Save(ctx context.Context, name string, data io.Reader, size int64, contentType string) (Object, error)
	Open(ctx context.Context, name string) (io.ReadCloser, Object, error)
}

// SafeName reduces a requested name to its base name. Anything that would
// resolve outside the storage root is rejected.
func SafeName(name string) (string, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	base := filepath.Base(cleaned)
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

// ContentTypeFor returns the download MIME type for a stored original.
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".doc":
		return "application/msword"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
