package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStore keeps file bytes on the local filesystem, one file per
// document ID. Suitable for single-node deployments and tests.
type LocalStore struct {
	root string
}

// NewLocalStore creates a local store rooted at the given directory
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create file store root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(documentID uuid.UUID) string {
	return filepath.Join(s.root, documentID.String())
}

// Get returns the file's byte stream
func (s *LocalStore) Get(ctx context.Context, documentID uuid.UUID) (io.ReadCloser, error) {
	f, err := os.Open(s.path(documentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("document %s: %w", documentID, ErrFileNotFound)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Put stores the file bytes atomically via a temp file rename
func (s *LocalStore) Put(ctx context.Context, documentID uuid.UUID, r io.Reader) error {
	tmp, err := os.CreateTemp(s.root, documentID.String()+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(documentID)); err != nil {
		return fmt.Errorf("failed to publish file: %w", err)
	}
	return nil
}

// Delete removes the file bytes. Deleting a missing file is not an error.
func (s *LocalStore) Delete(ctx context.Context, documentID uuid.UUID) error {
	if err := os.Remove(s.path(documentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
