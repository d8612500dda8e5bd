// Package storage defines the blob storage abstraction that index snapshots
// are written through. Backends live in subpackages (local filesystem,
// in-memory, Google Cloud Storage, S3).
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when no object exists at the path.
var ErrNotFound = errors.New("object not found")

// BlobStore reads and writes whole objects by path.
type BlobStore interface {
	// GetObject returns the object's content or ErrNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
	// PutObject replaces the object at path and returns its URI.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}
