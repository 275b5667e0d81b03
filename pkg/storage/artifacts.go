// Package storage provides the database connection manager, the Redis client
// constructor, and artifact blob storage backends.
package storage

import (
	"context"
	"io"
)

// ArtifactStore persists version artifact blobs. Keys are opaque paths
// assigned by the packages service.
type ArtifactStore interface {
	// Put stores the content under key and returns its SHA-256 checksum and
	// size in bytes.
	Put(ctx context.Context, key string, content io.Reader) (checksum string, size int64, err error)

	// Get opens the content stored under key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether key holds content.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the content under key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
}
