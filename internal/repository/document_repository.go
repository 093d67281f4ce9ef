// Package repository implements data access for documents, chunks, jobs,
// query history and the query cache.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
)

// DocumentRepository handles document data access
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, user_id, chat_id, file_name, size_bytes, file_type,
	       processing_tier, total_chunks, chunks_embedded, error_message,
	       created_at, processing_completed_at`

// CreateDocument creates a new document record in PENDING tier
func (r *DocumentRepository) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.ProcessingTier == "" {
		doc.ProcessingTier = models.TierPending
	}

	query := `
		INSERT INTO documents (
			id, user_id, chat_id, file_name, size_bytes, file_type,
			processing_tier, total_chunks, chunks_embedded, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`

	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.UserID, doc.ChatID, doc.FileName, doc.SizeBytes,
		doc.FileType, doc.ProcessingTier, doc.TotalChunks,
		doc.ChunksEmbedded, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by ID
func (r *DocumentRepository) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE id = $1`

	err := r.db.GetContext(ctx, &doc, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("document not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// ListByChat retrieves all documents in a chat, oldest first
func (r *DocumentRepository) ListByChat(ctx context.Context, chatID uuid.UUID) ([]*models.Document, error) {
	var docs []*models.Document
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE chat_id = $1
		ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &docs, query, chatID); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// SetTier advances a document's processing tier. FAILED documents are
// never advanced.
func (r *DocumentRepository) SetTier(ctx context.Context, id uuid.UUID, tier models.ProcessingTier) error {
	query := `
		UPDATE documents
		SET processing_tier = $1
		WHERE id = $2 AND processing_tier != $3`

	result, err := r.db.ExecContext(ctx, query, tier, id, models.TierFailed)
	if err != nil {
		return fmt.Errorf("failed to set document tier: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("document not found or failed: %s", id))
}

// MarkChunked records the chunk count and advances to CHUNKED
func (r *DocumentRepository) MarkChunked(ctx context.Context, id uuid.UUID, totalChunks int) error {
	query := `
		UPDATE documents
		SET processing_tier = $1, total_chunks = $2, chunks_embedded = 0
		WHERE id = $3 AND processing_tier != $4`

	result, err := r.db.ExecContext(ctx, query, models.TierChunked, totalChunks, id, models.TierFailed)
	if err != nil {
		return fmt.Errorf("failed to mark document chunked: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("document not found or failed: %s", id))
}

// MarkCompleted sets the terminal COMPLETED tier and the completion time
func (r *DocumentRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE documents
		SET processing_tier = $1, processing_completed_at = $2
		WHERE id = $3 AND processing_tier != $4`

	result, err := r.db.ExecContext(ctx, query, models.TierCompleted, time.Now().UTC(), id, models.TierFailed)
	if err != nil {
		return fmt.Errorf("failed to mark document completed: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("document not found or failed: %s", id))
}

// MarkFailed sets the terminal FAILED tier with a user-facing message
func (r *DocumentRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE documents
		SET processing_tier = $1, error_message = $2
		WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, models.TierFailed, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("document not found: %s", id))
}

// UpdateEmbeddingProgress recomputes chunks_embedded from the chunk table.
// The count never decreases, so concurrent sweeps and overwrites cannot
// move progress backwards.
func (r *DocumentRepository) UpdateEmbeddingProgress(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE documents
		SET chunks_embedded = GREATEST(chunks_embedded, (
			SELECT COUNT(*) FROM chunks
			WHERE document_id = $1 AND embedding IS NOT NULL
		)),
		    processing_tier = CASE
			WHEN processing_tier = $2 THEN $3
			ELSE processing_tier
		    END
		WHERE id = $1 AND processing_tier NOT IN ($4, $5)`

	_, err := r.db.ExecContext(ctx, query, id,
		models.TierChunked, models.TierEmbedding,
		models.TierCompleted, models.TierFailed)
	if err != nil {
		return fmt.Errorf("failed to update embedding progress: %w", err)
	}
	return nil
}

// CompleteIfFullyEmbedded transitions EMBEDDING documents whose every
// chunk has an embedding to COMPLETED. Returns true when the transition
// happened.
func (r *DocumentRepository) CompleteIfFullyEmbedded(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE documents
		SET processing_tier = $1, processing_completed_at = $2
		WHERE id = $3
		  AND processing_tier = $4
		  AND chunks_embedded >= total_chunks`

	result, err := r.db.ExecContext(ctx, query,
		models.TierCompleted, time.Now().UTC(), id, models.TierEmbedding)
	if err != nil {
		return false, fmt.Errorf("failed to complete document: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// AnyProcessing reports whether any document in the chat has not yet
// reached the embedding backfill stage. Queries against such a chat get a
// "still processing" response instead of partial answers.
func (r *DocumentRepository) AnyProcessing(ctx context.Context, chatID uuid.UUID) (bool, error) {
	var processing bool
	query := `
		SELECT EXISTS(
			SELECT 1 FROM documents
			WHERE chat_id = $1 AND processing_tier IN ($2, $3, $4)
		)`

	err := r.db.GetContext(ctx, &processing, query, chatID,
		models.TierPending, models.TierExtracting, models.TierChunked)
	if err != nil {
		return false, fmt.Errorf("failed to check processing documents: %w", err)
	}
	return processing, nil
}

// DeleteDocument removes a document; chunks and its job cascade in the
// database.
func (r *DocumentRepository) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("document not found: %s", id))
}

// DeleteByChat removes every document in a chat
func (r *DocumentRepository) DeleteByChat(ctx context.Context, chatID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("failed to delete chat documents: %w", err)
	}
	return nil
}

func requireRowsAffected(result sql.Result, notFound string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s", notFound)
	}
	return nil
}
