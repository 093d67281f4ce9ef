// Package models defines the persistent row types and enums shared by the
// ingestion, retrieval and query components.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// ProcessingTier is the document's stage in the ingestion state machine
type ProcessingTier string

// Processing tiers. Tiers advance monotonically; FAILED is terminal.
const (
	TierPending    ProcessingTier = "PENDING"
	TierExtracting ProcessingTier = "EXTRACTING"
	TierChunked    ProcessingTier = "CHUNKED"
	TierEmbedding  ProcessingTier = "EMBEDDING"
	TierCompleted  ProcessingTier = "COMPLETED"
	TierFailed     ProcessingTier = "FAILED"
)

// StatusLabel returns the user-facing status string for a tier
func (t ProcessingTier) StatusLabel() string {
	switch t {
	case TierPending:
		return "Queued for processing"
	case TierExtracting:
		return "Extracting text"
	case TierChunked, TierEmbedding:
		return "Indexing"
	case TierCompleted:
		return "Ready"
	case TierFailed:
		return "Failed"
	default:
		return string(t)
	}
}

// Terminal reports whether no further tier transitions are allowed
func (t ProcessingTier) Terminal() bool {
	return t == TierCompleted || t == TierFailed
}

// Document is a logical upload owned by a chat
type Document struct {
	ID                    uuid.UUID      `db:"id"`
	UserID                uuid.UUID      `db:"user_id"`
	ChatID                uuid.UUID      `db:"chat_id"`
	FileName              string         `db:"file_name"`
	SizeBytes             int64          `db:"size_bytes"`
	FileType              string         `db:"file_type"`
	ProcessingTier        ProcessingTier `db:"processing_tier"`
	TotalChunks           int            `db:"total_chunks"`
	ChunksEmbedded        int            `db:"chunks_embedded"`
	ErrorMessage          *string        `db:"error_message"`
	CreatedAt             time.Time      `db:"created_at"`
	ProcessingCompletedAt *time.Time     `db:"processing_completed_at"`
}

// Chunk is one unit of retrievable text. UserID and ChatID are denormalized
// copies of the parent document's owners, kept for filter pushdown only.
type Chunk struct {
	ID           uuid.UUID        `db:"id"`
	DocumentID   uuid.UUID        `db:"document_id"`
	UserID       uuid.UUID        `db:"user_id"`
	ChatID       uuid.UUID        `db:"chat_id"`
	ChunkIndex   int              `db:"chunk_index"`
	Content      string           `db:"content"`
	ContentHash  string           `db:"content_hash"`
	PageNumber   *int             `db:"page_number"`
	SlideNumber  *int             `db:"slide_number"`
	SectionTitle *string          `db:"section_title"`
	TokenCount   int              `db:"token_count"`
	Embedding    *pgvector.Vector `db:"embedding"`
	CreatedAt    time.Time        `db:"created_at"`
}

// JobStatus is the processing job state
type JobStatus string

// Job statuses. COMPLETED and FAILED are terminal.
const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// ProcessingJob is a durable task record for one document
type ProcessingJob struct {
	ID          uuid.UUID  `db:"id"`
	DocumentID  uuid.UUID  `db:"document_id"`
	Status      JobStatus  `db:"status"`
	Priority    int        `db:"priority"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	LastError   *string    `db:"last_error"`
	LockedBy    *string    `db:"locked_by"`
	LockedUntil *time.Time `db:"locked_until"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// ScoredChunk is a chunk with a retrieval score and its document's file name
type ScoredChunk struct {
	Chunk
	FileName string  `db:"file_name"`
	Score    float64 `db:"score"`
}

// Tokens returns the chunk's stored token count, for context packing
func (s *ScoredChunk) Tokens() int {
	return s.TokenCount
}

// SourceRef identifies where an answer's supporting text came from
type SourceRef struct {
	DocumentID  uuid.UUID `json:"document_id"`
	FileName    string    `json:"file_name"`
	PageNumber  *int      `json:"page_number,omitempty"`
	SlideNumber *int      `json:"slide_number,omitempty"`
}

// QueryHistoryEntry is one answered query, append-only
type QueryHistoryEntry struct {
	ID                uuid.UUID        `db:"id"`
	UserID            uuid.UUID        `db:"user_id"`
	ChatID            uuid.UUID        `db:"chat_id"`
	Question          string           `db:"question"`
	QuestionEmbedding *pgvector.Vector `db:"question_embedding"`
	Marks             *int             `db:"marks"`
	Answer            string           `db:"answer"`
	Sources           []byte           `db:"sources"`
	RetrievalMs       int64            `db:"retrieval_ms"`
	GenerationMs      int64            `db:"generation_ms"`
	TotalMs           int64            `db:"total_ms"`
	ChunksRetrieved   int              `db:"chunks_retrieved"`
	LLMCalls          int              `db:"llm_calls"`
	CreatedAt         time.Time        `db:"created_at"`
}

// CacheEntry is a cached answer for a (chat, normalized query) pair
type CacheEntry struct {
	ID             uuid.UUID        `db:"id"`
	UserID         uuid.UUID        `db:"user_id"`
	ChatID         uuid.UUID        `db:"chat_id"`
	QueryText      string           `db:"query_text"`
	QueryHash      string           `db:"query_hash"`
	QueryEmbedding *pgvector.Vector `db:"query_embedding"`
	Response       string           `db:"response"`
	Sources        []byte           `db:"sources"`
	HitCount       int              `db:"hit_count"`
	CreatedAt      time.Time        `db:"created_at"`
	ExpiresAt      time.Time        `db:"expires_at"`
}

// KeyUsageSnapshot is a per-key observability row; in-memory pool state is
// authoritative, this is persisted best-effort for dashboards.
type KeyUsageSnapshot struct {
	KeyID               string     `db:"key_id"`
	MinuteBucket        time.Time  `db:"minute_bucket"`
	RequestCount        int64      `db:"request_count"`
	TokenCount          int64      `db:"token_count"`
	DayCount            int64      `db:"day_count"`
	LastSuccessAt       *time.Time `db:"last_success_at"`
	LastFailureAt       *time.Time `db:"last_failure_at"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
}
