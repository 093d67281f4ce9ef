package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

// PendingChunks is the chunk store surface the sweeper needs
type PendingChunks interface {
	FindPendingEmbeddings(ctx context.Context, limit int) ([]*models.Chunk, error)
	UpdateEmbedding(ctx context.Context, chunkID uuid.UUID, vec []float32) error
}

// ProgressTracker rolls embedding progress up to the document
type ProgressTracker interface {
	UpdateEmbeddingProgress(ctx context.Context, id uuid.UUID) error
	CompleteIfFullyEmbedded(ctx context.Context, id uuid.UUID) (bool, error)
}

// BatchEmbedder embeds a batch of texts
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Sweeper backfills NULL chunk embeddings in the background so uploads
// never wait on the embedding provider. One instance runs per process;
// overlapping ticks are skipped.
type Sweeper struct {
	chunks    PendingChunks
	documents ProgressTracker
	embedder  BatchEmbedder

	cfg        config.SweeperConfig
	batchSize  int
	batchDelay time.Duration
	logger     observability.Logger
	metrics    observability.MetricsClient

	running atomic.Bool
}

// SweeperOption customizes a Sweeper
type SweeperOption func(*Sweeper)

// WithBatchDelay overrides the pause between embedding batches
func WithBatchDelay(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.batchDelay = d }
}

// NewSweeper creates an embedding backfill sweeper. batchSize caps texts
// per provider call and must match the embedding client's batch limit.
func NewSweeper(chunks PendingChunks, documents ProgressTracker, embedder BatchEmbedder, cfg config.SweeperConfig, batchSize int, logger observability.Logger, metrics observability.MetricsClient, opts ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	s := &Sweeper{
		chunks:     chunks,
		documents:  documents,
		embedder:   embedder,
		cfg:        cfg,
		batchSize:  batchSize,
		batchDelay: time.Second,
		logger:     logger.WithPrefix("sweeper"),
		metrics:    metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until the context is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Embedding sweeper started", map[string]interface{}{
		"interval":           s.cfg.Interval.String(),
		"max_chunks_per_run": s.cfg.MaxChunksPerRun,
	})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Embedding sweeper stopped", nil)
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce embeds up to max_chunks_per_run pending chunks in batches. A
// tick that overlaps a still-running predecessor returns immediately.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("Previous sweep still running, skipping tick", nil)
		return
	}
	defer s.running.Store(false)

	pending, err := s.chunks.FindPendingEmbeddings(ctx, s.cfg.MaxChunksPerRun)
	if err != nil {
		s.logger.Error("Failed to find pending embeddings", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(pending) == 0 {
		return
	}

	s.logger.Info("Backfilling embeddings", map[string]interface{}{
		"pending": len(pending),
	})

	for start := 0; start < len(pending); start += s.batchSize {
		if ctx.Err() != nil {
			return
		}
		end := start + s.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		s.embedBatch(ctx, pending[start:end])

		if end < len(pending) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.batchDelay):
			}
		}
	}
}

// embedBatch embeds one batch and writes each vector in its own short
// statement. A failed batch leaves its chunks NULL for the next tick.
func (s *Sweeper) embedBatch(ctx context.Context, batch []*models.Chunk) {
	texts := make([]string, len(batch))
	for i, chunk := range batch {
		texts[i] = chunk.Content
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		s.metrics.RecordCounter("sweeper_batches", 1, map[string]string{"outcome": "failure"})
		s.logger.Error("Embedding batch failed, will retry next tick", map[string]interface{}{
			"batch_size": len(batch),
			"error":      err.Error(),
		})
		return
	}

	affected := make(map[uuid.UUID]bool)
	updated := 0
	for i, chunk := range batch {
		if err := s.chunks.UpdateEmbedding(ctx, chunk.ID, vectors[i]); err != nil {
			s.logger.Error("Failed to store embedding", map[string]interface{}{
				"chunk_id": chunk.ID.String(),
				"error":    err.Error(),
			})
			continue
		}
		updated++
		affected[chunk.DocumentID] = true
	}

	s.metrics.RecordCounter("sweeper_batches", 1, map[string]string{"outcome": "success"})
	s.metrics.RecordCounter("sweeper_chunks_embedded", float64(updated), nil)

	for docID := range affected {
		s.advanceDocument(ctx, docID)
	}
}

func (s *Sweeper) advanceDocument(ctx context.Context, docID uuid.UUID) {
	if err := s.documents.UpdateEmbeddingProgress(ctx, docID); err != nil {
		s.logger.Error("Failed to update embedding progress", map[string]interface{}{
			"document_id": docID.String(),
			"error":       err.Error(),
		})
		return
	}

	done, err := s.documents.CompleteIfFullyEmbedded(ctx, docID)
	if err != nil {
		s.logger.Error("Failed to check embedding completion", map[string]interface{}{
			"document_id": docID.String(),
			"error":       err.Error(),
		})
		return
	}
	if done {
		s.logger.Info("Document fully embedded", map[string]interface{}{
			"document_id": docID.String(),
		})
	}
}
