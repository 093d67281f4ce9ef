// Package filestore reads uploaded document bytes. The upload layer writes
// files; the ingestion pipeline only reads them, tolerating short
// write-then-read races with a bounded retry.
package filestore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

// ErrFileNotFound is returned when the document's bytes never became visible
var ErrFileNotFound = errors.New("file not found")

// Store provides access to uploaded file bytes keyed by document ID
type Store interface {
	// Get returns the file's byte stream. The caller must close it.
	Get(ctx context.Context, documentID uuid.UUID) (io.ReadCloser, error)

	// Put stores the file bytes. Used by the upload layer, not the
	// ingestion pipeline.
	Put(ctx context.Context, documentID uuid.UUID, r io.Reader) error

	// Delete removes the file bytes
	Delete(ctx context.Context, documentID uuid.UUID) error
}

// ReadAllWithRetry fetches and fully reads a document's bytes, retrying
// Get up to 5 times with linear backoff (1s..5s) when the file is not yet
// visible. Other errors fail immediately.
func ReadAllWithRetry(ctx context.Context, store Store, documentID uuid.UUID, logger observability.Logger) ([]byte, error) {
	return readAllWithRetry(ctx, store, documentID, logger, time.Second)
}

func readAllWithRetry(ctx context.Context, store Store, documentID uuid.UUID, logger observability.Logger, interval time.Duration) ([]byte, error) {
	var data []byte
	attempt := 0

	// Linear 1s,2s,3s,4s,5s between the five Get attempts
	policy := backoff.WithContext(&linearBackoff{step: interval}, ctx)

	operation := func() error {
		attempt++
		rc, err := store.Get(ctx, documentID)
		if err != nil {
			if errors.Is(err, ErrFileNotFound) && attempt < 5 {
				logger.Debug("File not yet visible, retrying", map[string]interface{}{
					"document_id": documentID.String(),
					"attempt":     attempt,
				})
				return err
			}
			return backoff.Permanent(err)
		}
		defer func() {
			_ = rc.Close()
		}()

		data, err = io.ReadAll(rc)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return data, nil
}

// linearBackoff yields step, 2*step, 3*step, ...
type linearBackoff struct {
	step time.Duration
	n    int
}

func (b *linearBackoff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackoff) Reset() {
	b.n = 0
}
