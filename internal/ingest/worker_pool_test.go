package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/filestore"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

type fakeJobs struct {
	mu         sync.Mutex
	completed  []uuid.UUID
	failed     []string
	terminal   []string
	workerIDs  []string
	failStatus models.JobStatus
}

func (f *fakeJobs) LeaseNext(_ context.Context, _ string, _ time.Duration, _ int) ([]*models.ProcessingJob, error) {
	return nil, nil
}

func (f *fakeJobs) RenewLease(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) error {
	return nil
}

func (f *fakeJobs) Complete(_ context.Context, jobID uuid.UUID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	f.workerIDs = append(f.workerIDs, workerID)
	return nil
}

func (f *fakeJobs) Fail(_ context.Context, _ uuid.UUID, workerID, jobErr string) (models.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobErr)
	f.workerIDs = append(f.workerIDs, workerID)
	if f.failStatus == "" {
		return models.JobQueued, nil
	}
	return f.failStatus, nil
}

func (f *fakeJobs) FailTerminal(_ context.Context, _ uuid.UUID, workerID, jobErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminal = append(f.terminal, jobErr)
	f.workerIDs = append(f.workerIDs, workerID)
	return nil
}

func (f *fakeJobs) ReleaseStale(_ context.Context) (int64, error) {
	return 0, nil
}

type fakeDocuments struct {
	doc       *models.Document
	tiers     []models.ProcessingTier
	chunked   []int
	completed bool
	failedMsg string
}

func (f *fakeDocuments) GetDocument(_ context.Context, _ uuid.UUID) (*models.Document, error) {
	if f.doc == nil {
		return nil, errors.New("not found")
	}
	return f.doc, nil
}

func (f *fakeDocuments) SetTier(_ context.Context, _ uuid.UUID, tier models.ProcessingTier) error {
	f.tiers = append(f.tiers, tier)
	return nil
}

func (f *fakeDocuments) MarkChunked(_ context.Context, _ uuid.UUID, totalChunks int) error {
	f.chunked = append(f.chunked, totalChunks)
	return nil
}

func (f *fakeDocuments) MarkCompleted(_ context.Context, _ uuid.UUID) error {
	f.completed = true
	return nil
}

func (f *fakeDocuments) MarkFailed(_ context.Context, _ uuid.UUID, message string) error {
	f.failedMsg = message
	return nil
}

type fakeChunks struct {
	inserted [][]*models.Chunk
	err      error
}

func (f *fakeChunks) InsertChunksBatch(_ context.Context, chunks []*models.Chunk) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, chunks)
	return nil
}

type memStore struct {
	mu    sync.Mutex
	files map[uuid.UUID][]byte
}

func newMemStore() *memStore {
	return &memStore{files: make(map[uuid.UUID][]byte)}
}

func (s *memStore) Get(_ context.Context, documentID uuid.UUID) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[documentID]
	if !ok {
		return nil, filestore.ErrFileNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) Put(_ context.Context, documentID uuid.UUID, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[documentID] = data
	return nil
}

func (s *memStore) Delete(_ context.Context, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, documentID)
	return nil
}

func testIngestionConfig() config.IngestionConfig {
	return config.IngestionConfig{
		WorkerPoolSize: 2,
		LeaseDuration:  5 * time.Minute,
		MaxAttempts:    3,
		PollInterval:   time.Second,
	}
}

func newTestPool(jobs Jobs, docs Documents, chunks Chunks, files filestore.Store) *WorkerPool {
	return NewWorkerPool(jobs, docs, chunks, files, testIngestionConfig(),
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func testDocument(fileType string) *models.Document {
	return &models.Document{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		ChatID:   uuid.New(),
		FileName: "notes." + fileType,
		FileType: fileType,
	}
}

func TestRunJobHappyPath(t *testing.T) {
	doc := testDocument("txt")
	files := newMemStore()
	require.NoError(t, files.Put(context.Background(), doc.ID,
		bytes.NewReader([]byte("first page\fsecond page"))))

	jobs := &fakeJobs{}
	docs := &fakeDocuments{doc: doc}
	chunks := &fakeChunks{}
	pool := newTestPool(jobs, docs, chunks, files)

	job := &models.ProcessingJob{ID: uuid.New(), DocumentID: doc.ID}
	pool.runJob(context.Background(), job)

	require.Len(t, chunks.inserted, 1)
	assert.Len(t, chunks.inserted[0], 2)
	assert.Equal(t, []models.ProcessingTier{models.TierExtracting}, docs.tiers)
	assert.Equal(t, []int{2}, docs.chunked)
	assert.False(t, docs.completed)
	assert.Equal(t, []uuid.UUID{job.ID}, jobs.completed)
	assert.Equal(t, []string{pool.workerID}, jobs.workerIDs)
	assert.Empty(t, jobs.failed)
}

func TestRunJobEmptyExtractionCompletesWithZeroChunks(t *testing.T) {
	doc := testDocument("txt")
	files := newMemStore()
	require.NoError(t, files.Put(context.Background(), doc.ID, bytes.NewReader([]byte("   \n  "))))

	jobs := &fakeJobs{}
	docs := &fakeDocuments{doc: doc}
	chunks := &fakeChunks{}
	pool := newTestPool(jobs, docs, chunks, files)

	job := &models.ProcessingJob{ID: uuid.New(), DocumentID: doc.ID}
	pool.runJob(context.Background(), job)

	assert.Empty(t, chunks.inserted)
	assert.Equal(t, []int{0}, docs.chunked)
	assert.True(t, docs.completed)
	assert.Equal(t, []uuid.UUID{job.ID}, jobs.completed)
}

func TestRunJobUnsupportedTypeFailsTerminally(t *testing.T) {
	doc := testDocument("exe")
	files := newMemStore()
	require.NoError(t, files.Put(context.Background(), doc.ID, bytes.NewReader([]byte("binary"))))

	jobs := &fakeJobs{}
	docs := &fakeDocuments{doc: doc}
	pool := newTestPool(jobs, docs, &fakeChunks{}, files)

	job := &models.ProcessingJob{ID: uuid.New(), DocumentID: doc.ID}
	pool.runJob(context.Background(), job)

	require.Len(t, jobs.terminal, 1)
	assert.Contains(t, jobs.terminal[0], "EXTRACTION_FAILED")
	assert.Contains(t, docs.failedMsg, "EXTRACTION_FAILED")
	assert.Empty(t, jobs.completed)
	assert.Empty(t, jobs.failed)
}

func TestRunJobTransientFailureRequeues(t *testing.T) {
	doc := testDocument("txt")
	files := newMemStore()
	require.NoError(t, files.Put(context.Background(), doc.ID, bytes.NewReader([]byte("content"))))

	jobs := &fakeJobs{failStatus: models.JobQueued}
	docs := &fakeDocuments{doc: doc}
	chunks := &fakeChunks{err: errors.New("deadlock detected")}
	pool := newTestPool(jobs, docs, chunks, files)

	job := &models.ProcessingJob{ID: uuid.New(), DocumentID: doc.ID}
	pool.runJob(context.Background(), job)

	require.Len(t, jobs.failed, 1)
	assert.Contains(t, jobs.failed[0], "insert chunks")
	// Requeued, so the document is not failed yet
	assert.Empty(t, docs.failedMsg)
}

func TestRunJobExhaustedAttemptsFailDocument(t *testing.T) {
	doc := testDocument("txt")
	files := newMemStore()
	require.NoError(t, files.Put(context.Background(), doc.ID, bytes.NewReader([]byte("content"))))

	jobs := &fakeJobs{failStatus: models.JobFailed}
	docs := &fakeDocuments{doc: doc}
	chunks := &fakeChunks{err: errors.New("still broken")}
	pool := newTestPool(jobs, docs, chunks, files)

	job := &models.ProcessingJob{ID: uuid.New(), DocumentID: doc.ID}
	pool.runJob(context.Background(), job)

	require.Len(t, jobs.failed, 1)
	assert.NotEmpty(t, docs.failedMsg)
}
