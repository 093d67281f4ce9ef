package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
)

// ChunkRepository handles chunk storage, vector search and keyword search
type ChunkRepository struct {
	db *sqlx.DB
}

// NewChunkRepository creates a new chunk repository
func NewChunkRepository(db *sqlx.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// InsertChunksBatch inserts all chunks of a document in one transaction.
// The content_tsv column is populated by trigger; embeddings stay NULL.
func (r *ChunkRepository) InsertChunksBatch(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("chunks",
		"id", "document_id", "user_id", "chat_id", "chunk_index",
		"content", "content_hash", "page_number", "slide_number",
		"section_title", "token_count", "created_at"))
	if err != nil {
		return fmt.Errorf("failed to prepare chunk copy: %w", err)
	}

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.DocumentID, c.UserID, c.ChatID, c.ChunkIndex,
			c.Content, c.ContentHash, c.PageNumber, c.SlideNumber,
			c.SectionTitle, c.TokenCount, c.CreatedAt,
		); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to buffer chunk: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to flush chunk copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close chunk copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// UpdateEmbedding sets a chunk's embedding, overwriting any existing one
func (r *ChunkRepository) UpdateEmbedding(ctx context.Context, chunkID uuid.UUID, vec []float32) error {
	query := `
		UPDATE chunks
		SET embedding = $1
		WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, pgvector.NewVector(vec), chunkID)
	if err != nil {
		return fmt.Errorf("failed to update chunk embedding: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("chunk not found: %s", chunkID))
}

// FindPendingEmbeddings returns up to limit chunks without embeddings,
// oldest first
func (r *ChunkRepository) FindPendingEmbeddings(ctx context.Context, limit int) ([]*models.Chunk, error) {
	var chunks []*models.Chunk
	query := `
		SELECT id, document_id, user_id, chat_id, chunk_index, content,
		       content_hash, page_number, slide_number, section_title,
		       token_count, created_at
		FROM chunks
		WHERE embedding IS NULL
		ORDER BY created_at, chunk_index
		LIMIT $1`

	if err := r.db.SelectContext(ctx, &chunks, query, limit); err != nil {
		return nil, fmt.Errorf("failed to find pending embeddings: %w", err)
	}
	return chunks, nil
}

// CountPendingEmbeddings counts a document's chunks without embeddings
func (r *ChunkRepository) CountPendingEmbeddings(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM chunks WHERE document_id = $1 AND embedding IS NULL`

	if err := r.db.GetContext(ctx, &count, query, documentID); err != nil {
		return 0, fmt.Errorf("failed to count pending embeddings: %w", err)
	}
	return count, nil
}

// KeywordSearch ranks chunks by full-text relevance within a chat.
// Only chunks of COMPLETED documents are visible to avoid partial results.
func (r *ChunkRepository) KeywordSearch(ctx context.Context, chatID uuid.UUID, documentIDs []uuid.UUID, query string, limit int) ([]*models.ScoredChunk, error) {
	sqlQuery := `
		SELECT c.id, c.document_id, c.user_id, c.chat_id, c.chunk_index,
		       c.content, c.content_hash, c.page_number, c.slide_number,
		       c.section_title, c.token_count, c.created_at,
		       d.file_name,
		       ts_rank(c.content_tsv, plainto_tsquery('english', $2)) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.chat_id = $1
		  AND d.processing_tier = $3
		  AND c.content_tsv @@ plainto_tsquery('english', $2)`

	args := []interface{}{chatID, query, models.TierCompleted}
	if len(documentIDs) > 0 {
		sqlQuery += ` AND c.document_id = ANY($4)`
		args = append(args, pq.Array(documentIDs))
	}
	sqlQuery += fmt.Sprintf(` ORDER BY score DESC LIMIT %d`, limit)

	var chunks []*models.ScoredChunk
	if err := r.db.SelectContext(ctx, &chunks, sqlQuery, args...); err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	return chunks, nil
}

// VectorSearch ranks chunks by ascending cosine distance to the query
// vector, reported as similarity score 1-distance. Same visibility rules
// as KeywordSearch.
func (r *ChunkRepository) VectorSearch(ctx context.Context, chatID uuid.UUID, documentIDs []uuid.UUID, queryVec []float32, limit int) ([]*models.ScoredChunk, error) {
	sqlQuery := `
		SELECT c.id, c.document_id, c.user_id, c.chat_id, c.chunk_index,
		       c.content, c.content_hash, c.page_number, c.slide_number,
		       c.section_title, c.token_count, c.created_at,
		       d.file_name,
		       1 - (c.embedding <=> $2) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.chat_id = $1
		  AND d.processing_tier = $3
		  AND c.embedding IS NOT NULL`

	args := []interface{}{chatID, pgvector.NewVector(queryVec), models.TierCompleted}
	if len(documentIDs) > 0 {
		sqlQuery += ` AND c.document_id = ANY($4)`
		args = append(args, pq.Array(documentIDs))
	}
	sqlQuery += fmt.Sprintf(` ORDER BY c.embedding <=> $2 LIMIT %d`, limit)

	var chunks []*models.ScoredChunk
	if err := r.db.SelectContext(ctx, &chunks, sqlQuery, args...); err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return chunks, nil
}

// KeywordSearchByUser ranks chunks by full-text relevance across every
// chat of a user, for cross-chat queries. Same visibility rules as
// KeywordSearch.
func (r *ChunkRepository) KeywordSearchByUser(ctx context.Context, userID uuid.UUID, documentIDs []uuid.UUID, query string, limit int) ([]*models.ScoredChunk, error) {
	sqlQuery := `
		SELECT c.id, c.document_id, c.user_id, c.chat_id, c.chunk_index,
		       c.content, c.content_hash, c.page_number, c.slide_number,
		       c.section_title, c.token_count, c.created_at,
		       d.file_name,
		       ts_rank(c.content_tsv, plainto_tsquery('english', $2)) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.user_id = $1
		  AND d.processing_tier = $3
		  AND c.content_tsv @@ plainto_tsquery('english', $2)`

	args := []interface{}{userID, query, models.TierCompleted}
	if len(documentIDs) > 0 {
		sqlQuery += ` AND c.document_id = ANY($4)`
		args = append(args, pq.Array(documentIDs))
	}
	sqlQuery += fmt.Sprintf(` ORDER BY score DESC LIMIT %d`, limit)

	var chunks []*models.ScoredChunk
	if err := r.db.SelectContext(ctx, &chunks, sqlQuery, args...); err != nil {
		return nil, fmt.Errorf("keyword search by user failed: %w", err)
	}
	return chunks, nil
}

// VectorSearchByUser ranks chunks by cosine similarity across every chat
// of a user, for cross-chat queries.
func (r *ChunkRepository) VectorSearchByUser(ctx context.Context, userID uuid.UUID, documentIDs []uuid.UUID, queryVec []float32, limit int) ([]*models.ScoredChunk, error) {
	sqlQuery := `
		SELECT c.id, c.document_id, c.user_id, c.chat_id, c.chunk_index,
		       c.content, c.content_hash, c.page_number, c.slide_number,
		       c.section_title, c.token_count, c.created_at,
		       d.file_name,
		       1 - (c.embedding <=> $2) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.user_id = $1
		  AND d.processing_tier = $3
		  AND c.embedding IS NOT NULL`

	args := []interface{}{userID, pgvector.NewVector(queryVec), models.TierCompleted}
	if len(documentIDs) > 0 {
		sqlQuery += ` AND c.document_id = ANY($4)`
		args = append(args, pq.Array(documentIDs))
	}
	sqlQuery += fmt.Sprintf(` ORDER BY c.embedding <=> $2 LIMIT %d`, limit)

	var chunks []*models.ScoredChunk
	if err := r.db.SelectContext(ctx, &chunks, sqlQuery, args...); err != nil {
		return nil, fmt.Errorf("vector search by user failed: %w", err)
	}
	return chunks, nil
}

// DeleteByDocument removes all chunks of a document
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return nil
}

// DeleteByChat removes all chunks in a chat
func (r *ChunkRepository) DeleteByChat(ctx context.Context, chatID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("failed to delete chat chunks: %w", err)
	}
	return nil
}
