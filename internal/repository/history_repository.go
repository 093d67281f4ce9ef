package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
)

// HistoryRepository persists answered queries, append-only
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Insert appends one answered query
func (r *HistoryRepository) Insert(ctx context.Context, entry *models.QueryHistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO query_history (
			id, user_id, chat_id, question, question_embedding, marks,
			answer, sources, retrieval_ms, generation_ms, total_ms,
			chunks_retrieved, llm_calls, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.ChatID, entry.Question,
		entry.QuestionEmbedding, entry.Marks, entry.Answer, entry.Sources,
		entry.RetrievalMs, entry.GenerationMs, entry.TotalMs,
		entry.ChunksRetrieved, entry.LLMCalls, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// RecentByChat returns the chat's most recent entries, newest first
func (r *HistoryRepository) RecentByChat(ctx context.Context, chatID uuid.UUID, limit int) ([]*models.QueryHistoryEntry, error) {
	var entries []*models.QueryHistoryEntry
	query := `
		SELECT id, user_id, chat_id, question, question_embedding, marks,
		       answer, sources, retrieval_ms, generation_ms, total_ms,
		       chunks_retrieved, llm_calls, created_at
		FROM query_history
		WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &entries, query, chatID, limit); err != nil {
		return nil, fmt.Errorf("failed to load recent history: %w", err)
	}
	return entries, nil
}

// DeleteByChat removes the chat's history
func (r *HistoryRepository) DeleteByChat(ctx context.Context, chatID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM query_history WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("failed to delete chat history: %w", err)
	}
	return nil
}
