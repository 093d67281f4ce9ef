package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
)

// CacheRepository is the durable tier of the query cache. Exact lookups
// match on the normalized query hash; semantic lookups use the query
// embedding's cosine similarity.
type CacheRepository struct {
	db *sqlx.DB
}

// NewCacheRepository creates a new cache repository
func NewCacheRepository(db *sqlx.DB) *CacheRepository {
	return &CacheRepository{db: db}
}

const cacheColumns = `id, user_id, chat_id, query_text, query_hash, query_embedding,
	       response, sources, hit_count, created_at, expires_at`

// Upsert stores a cache entry, replacing any entry for the same chat and
// query hash
func (r *CacheRepository) Upsert(ctx context.Context, entry *models.CacheEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO query_cache (
			id, user_id, chat_id, query_text, query_hash, query_embedding,
			response, sources, hit_count, created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (chat_id, query_hash) DO UPDATE SET
			query_embedding = EXCLUDED.query_embedding,
			response = EXCLUDED.response,
			sources = EXCLUDED.sources,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.ChatID, entry.QueryText,
		entry.QueryHash, entry.QueryEmbedding, entry.Response,
		entry.Sources, entry.HitCount, entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

// FindExact returns the unexpired entry with the given query hash, if any
func (r *CacheRepository) FindExact(ctx context.Context, chatID uuid.UUID, queryHash string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	query := `
		SELECT ` + cacheColumns + `
		FROM query_cache
		WHERE chat_id = $1 AND query_hash = $2 AND expires_at > $3`

	err := r.db.GetContext(ctx, &entry, query, chatID, queryHash, time.Now().UTC())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find cache entry: %w", err)
	}
	return &entry, nil
}

// FindSemantic returns the unexpired entry whose query embedding is most
// similar to vec, provided similarity meets the threshold
func (r *CacheRepository) FindSemantic(ctx context.Context, chatID uuid.UUID, vec []float32, threshold float64) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	query := `
		SELECT ` + cacheColumns + `
		FROM query_cache
		WHERE chat_id = $1
		  AND expires_at > $2
		  AND query_embedding IS NOT NULL
		  AND 1 - (query_embedding <=> $3) >= $4
		ORDER BY query_embedding <=> $3
		LIMIT 1`

	err := r.db.GetContext(ctx, &entry, query,
		chatID, time.Now().UTC(), pgvector.NewVector(vec), threshold)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find semantic cache entry: %w", err)
	}
	return &entry, nil
}

// IncrementHit bumps the entry's hit counter
func (r *CacheRepository) IncrementHit(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE query_cache SET hit_count = hit_count + 1 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to increment hit count: %w", err)
	}
	return nil
}

// EvictExpired deletes expired entries, returning the count removed
func (r *CacheRepository) EvictExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM query_cache WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to evict expired cache entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteByChat removes the chat's cache entries
func (r *CacheRepository) DeleteByChat(ctx context.Context, chatID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM query_cache WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("failed to delete chat cache entries: %w", err)
	}
	return nil
}
