package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/extractor"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/filestore"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/processor"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

// Jobs is the durable queue the pool claims work from
type Jobs interface {
	LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration, batch int) ([]*models.ProcessingJob, error)
	RenewLease(ctx context.Context, jobID uuid.UUID, workerID string, duration time.Duration) error
	Complete(ctx context.Context, jobID uuid.UUID, workerID string) error
	Fail(ctx context.Context, jobID uuid.UUID, workerID, jobErr string) (models.JobStatus, error)
	FailTerminal(ctx context.Context, jobID uuid.UUID, workerID, jobErr string) error
	ReleaseStale(ctx context.Context) (int64, error)
}

// Documents tracks per-document processing state
type Documents interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
	SetTier(ctx context.Context, id uuid.UUID, tier models.ProcessingTier) error
	MarkChunked(ctx context.Context, id uuid.UUID, totalChunks int) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

// Chunks persists extracted chunks
type Chunks interface {
	InsertChunksBatch(ctx context.Context, chunks []*models.Chunk) error
}

// WorkerPool drives documents from PENDING through CHUNKED. Embeddings are
// backfilled later by the sweeper; upload latency never waits on them.
type WorkerPool struct {
	jobs       Jobs
	documents  Documents
	chunks     Chunks
	files      filestore.Store
	extractors *extractor.Registry
	chunker    *processor.PageChunker

	cfg      config.IngestionConfig
	workerID string
	logger   observability.Logger
	metrics  observability.MetricsClient

	slots chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewWorkerPool creates an ingestion worker pool
func NewWorkerPool(jobs Jobs, documents Documents, chunks Chunks, files filestore.Store, cfg config.IngestionConfig, logger observability.Logger, metrics observability.MetricsClient) *WorkerPool {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	hostname, _ := os.Hostname()

	return &WorkerPool{
		jobs:       jobs,
		documents:  documents,
		chunks:     chunks,
		files:      files,
		extractors: extractor.NewRegistry(),
		chunker:    processor.NewPageChunker(),
		cfg:        cfg,
		workerID:   fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		logger:     logger.WithPrefix("ingest"),
		metrics:    metrics,
		slots:      make(chan struct{}, cfg.WorkerPoolSize),
		stop:       make(chan struct{}),
	}
}

// Start launches the claim loop and the stale-lease sweep. Both run until
// Stop is called or the context is cancelled.
func (p *WorkerPool) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.claimLoop(ctx)
	go p.releaseLoop(ctx)

	p.logger.Info("Ingestion worker pool started", map[string]interface{}{
		"worker_id": p.workerID,
		"pool_size": p.cfg.WorkerPoolSize,
	})
}

// Stop signals shutdown and waits for in-flight jobs to reach a
// transaction boundary
func (p *WorkerPool) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.logger.Info("Ingestion worker pool stopped", map[string]interface{}{
		"worker_id": p.workerID,
	})
}

func (p *WorkerPool) claimLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndRun(ctx)
		}
	}
}

// claimAndRun leases up to pool-size jobs in one call and hands each to a
// bounded worker slot
func (p *WorkerPool) claimAndRun(ctx context.Context) {
	jobs, err := p.jobs.LeaseNext(ctx, p.workerID, p.cfg.LeaseDuration, p.cfg.WorkerPoolSize)
	if err != nil {
		p.logger.Error("Failed to lease jobs", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(jobs) == 0 {
		return
	}

	for _, job := range jobs {
		select {
		case p.slots <- struct{}{}:
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}

		p.wg.Add(1)
		go func(job *models.ProcessingJob) {
			defer p.wg.Done()
			defer func() { <-p.slots }()
			p.runJob(ctx, job)
		}(job)
	}
}

func (p *WorkerPool) releaseLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.LeaseDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.jobs.ReleaseStale(ctx)
			if err != nil {
				p.logger.Error("Stale lease sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			if n > 0 {
				p.logger.Warn("Requeued jobs with expired leases", map[string]interface{}{
					"count": n,
				})
			}
		}
	}
}

// runJob executes the pipeline with lease renewal in the background. The
// failure path records state through a fresh context so a cancelled or
// failed pipeline cannot take the bookkeeping down with it.
func (p *WorkerPool) runJob(ctx context.Context, job *models.ProcessingJob) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "ingest.job",
		attribute.String("job_id", job.ID.String()),
		attribute.String("document_id", job.DocumentID.String()))
	defer span.End()

	renewStop := make(chan struct{})
	defer close(renewStop)
	go p.renewLease(ctx, job.ID, renewStop)

	err := p.process(ctx, job)
	if err == nil {
		completeCtx, cancel := bookkeepingContext()
		defer cancel()
		if cerr := p.jobs.Complete(completeCtx, job.ID, p.workerID); cerr != nil {
			p.logger.Error("Failed to mark job complete", map[string]interface{}{
				"job_id": job.ID.String(),
				"error":  cerr.Error(),
			})
		}
		p.metrics.RecordDuration("ingest_job_duration", time.Since(start), map[string]string{"outcome": "success"})
		return
	}

	span.RecordError(err)
	p.metrics.RecordDuration("ingest_job_duration", time.Since(start), map[string]string{"outcome": "failure"})

	var terminal *terminalError
	if errors.As(err, &terminal) {
		p.failTerminal(job, terminal)
		return
	}
	p.failTransient(job, err)
}

func (p *WorkerPool) renewLease(ctx context.Context, jobID uuid.UUID, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.jobs.RenewLease(ctx, jobID, p.workerID, p.cfg.LeaseDuration); err != nil {
				p.logger.Warn("Lease renewal failed", map[string]interface{}{
					"job_id": jobID.String(),
					"error":  err.Error(),
				})
			}
		}
	}
}

// terminalError marks deterministic failures that must not be retried
type terminalError struct {
	kind string
	err  error
}

func (e *terminalError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *terminalError) Unwrap() error { return e.err }

// process runs extract-chunk-persist for one document
func (p *WorkerPool) process(ctx context.Context, job *models.ProcessingJob) error {
	doc, err := p.documents.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	if err := p.documents.SetTier(ctx, doc.ID, models.TierExtracting); err != nil {
		return fmt.Errorf("set tier: %w", err)
	}

	data, err := filestore.ReadAllWithRetry(ctx, p.files, doc.ID, p.logger)
	if err != nil {
		if errors.Is(err, filestore.ErrFileNotFound) {
			return &terminalError{kind: "FILE_NOT_FOUND", err: err}
		}
		return fmt.Errorf("load file: %w", err)
	}

	extraction, err := p.extractors.Extract(doc.FileType, data)
	if err != nil {
		// Unsupported or unparseable input will not improve on retry
		return &terminalError{kind: "EXTRACTION_FAILED", err: err}
	}

	chunks := p.chunker.Chunk(doc, extraction)
	if len(chunks) == 0 {
		// Nothing to embed: the document is done as soon as it is chunked
		if err := p.documents.MarkChunked(ctx, doc.ID, 0); err != nil {
			return fmt.Errorf("mark chunked: %w", err)
		}
		if err := p.documents.MarkCompleted(ctx, doc.ID); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		p.logger.Info("Document produced no chunks, completed", map[string]interface{}{
			"document_id": doc.ID.String(),
		})
		return nil
	}

	if err := p.chunks.InsertChunksBatch(ctx, chunks); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	if err := p.documents.MarkChunked(ctx, doc.ID, len(chunks)); err != nil {
		return fmt.Errorf("mark chunked: %w", err)
	}

	p.metrics.RecordHistogram("ingest_chunks_per_document", float64(len(chunks)), nil)
	p.logger.Info("Document chunked", map[string]interface{}{
		"document_id": doc.ID.String(),
		"chunks":      len(chunks),
	})
	return nil
}

func (p *WorkerPool) failTerminal(job *models.ProcessingJob, terminal *terminalError) {
	ctx, cancel := bookkeepingContext()
	defer cancel()
	if err := p.jobs.FailTerminal(ctx, job.ID, p.workerID, terminal.Error()); err != nil {
		p.logger.Error("Failed to record terminal job failure", map[string]interface{}{
			"job_id": job.ID.String(),
			"error":  err.Error(),
		})
	}
	if err := p.documents.MarkFailed(ctx, job.DocumentID, terminal.Error()); err != nil {
		p.logger.Error("Failed to mark document failed", map[string]interface{}{
			"document_id": job.DocumentID.String(),
			"error":       err.Error(),
		})
	}
	p.logger.Warn("Job failed terminally", map[string]interface{}{
		"job_id":      job.ID.String(),
		"document_id": job.DocumentID.String(),
		"kind":        terminal.kind,
		"error":       terminal.Error(),
	})
}

func (p *WorkerPool) failTransient(job *models.ProcessingJob, jobErr error) {
	ctx, cancel := bookkeepingContext()
	defer cancel()
	status, err := p.jobs.Fail(ctx, job.ID, p.workerID, jobErr.Error())
	if err != nil {
		p.logger.Error("Failed to record job failure", map[string]interface{}{
			"job_id": job.ID.String(),
			"error":  err.Error(),
		})
		return
	}

	if status == models.JobFailed {
		// Attempts exhausted; the document will not recover on its own
		if err := p.documents.MarkFailed(ctx, job.DocumentID, jobErr.Error()); err != nil {
			p.logger.Error("Failed to mark document failed", map[string]interface{}{
				"document_id": job.DocumentID.String(),
				"error":       err.Error(),
			})
		}
	}
	p.logger.Warn("Job failed", map[string]interface{}{
		"job_id":      job.ID.String(),
		"document_id": job.DocumentID.String(),
		"requeued":    status == models.JobQueued,
		"error":       jobErr.Error(),
	})
}

// bookkeepingContext gives completion and failure records their own scope,
// independent of the pipeline's possibly cancelled context
func bookkeepingContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
