package filestore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	id := uuid.New()
	content := []byte("hello world")

	require.NoError(t, store.Put(ctx, id, bytes.NewReader(content)))

	rc, err := store.Get(ctx, id)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, got)

	require.NoError(t, store.Delete(ctx, id))
	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLocalStoreDeleteMissingIsNoop(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, store.Delete(context.Background(), uuid.New()))
}

// delayedStore hides the file for the first few Get calls
type delayedStore struct {
	inner     Store
	visibleAt int
	calls     int
	mu        sync.Mutex
}

func (d *delayedStore) Get(ctx context.Context, documentID uuid.UUID) (io.ReadCloser, error) {
	d.mu.Lock()
	d.calls++
	calls := d.calls
	d.mu.Unlock()

	if calls < d.visibleAt {
		return nil, ErrFileNotFound
	}
	return d.inner.Get(ctx, documentID)
}

func (d *delayedStore) Put(ctx context.Context, documentID uuid.UUID, r io.Reader) error {
	return d.inner.Put(ctx, documentID, r)
}

func (d *delayedStore) Delete(ctx context.Context, documentID uuid.UUID) error {
	return d.inner.Delete(ctx, documentID)
}

func TestReadAllWithRetryToleratesLateVisibility(t *testing.T) {
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, local.Put(ctx, id, bytes.NewReader([]byte("late"))))

	store := &delayedStore{inner: local, visibleAt: 3}

	data, err := readAllWithRetry(ctx, store, id, observability.NewNoopLogger(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), data)
	assert.Equal(t, 3, store.calls)
}

func TestReadAllWithRetryGivesUpAfterFiveAttempts(t *testing.T) {
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	store := &delayedStore{inner: local, visibleAt: 100}

	_, err = readAllWithRetry(context.Background(), store, uuid.New(), observability.NewNoopLogger(), time.Millisecond)
	require.ErrorIs(t, err, ErrFileNotFound)
	assert.Equal(t, 5, store.calls)
}
