package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore implements ArtifactStore on a local directory tree.
type FilesystemStore struct {
	rootDir string
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(rootDir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FilesystemStore{rootDir: rootDir}, nil
}

// path maps a key to a file under the root, rejecting traversal outside it.
func (s *FilesystemStore) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(s.rootDir, filepath.FromSlash(key)))
	if !strings.HasPrefix(cleaned, s.rootDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid artifact key: %s", key)
	}
	return cleaned, nil
}

// Put implements ArtifactStore.
func (s *FilesystemStore) Put(ctx context.Context, key string, content io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	target, err := s.path(key)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	// Write to a temp file first so a partial write never becomes visible.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), content)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close artifact: %w", err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", 0, fmt.Errorf("failed to finalize artifact: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// Get implements ArtifactStore.
func (s *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", key, err)
	}
	return f, nil
}

// Exists implements ArtifactStore.
func (s *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	target, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat artifact %s: %w", key, err)
	}
	return true, nil
}

// Delete implements ArtifactStore.
func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact %s: %w", key, err)
	}
	return nil
}
