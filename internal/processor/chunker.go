// Package processor turns extracted pages into persistable chunks
package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/extractor"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/tokenizer"
)

// PageChunker produces one chunk per extracted page or slide, preserving
// the source locator on each chunk.
type PageChunker struct{}

// NewPageChunker creates a page chunker
func NewPageChunker() *PageChunker {
	return &PageChunker{}
}

// Chunk converts the extraction into chunks for the given document.
// Content is sanitized, hashed and token-counted; embeddings stay nil for
// the sweeper to backfill. Pages that sanitize to empty are dropped.
func (c *PageChunker) Chunk(doc *models.Document, extraction *extractor.Extraction) []*models.Chunk {
	chunks := make([]*models.Chunk, 0, len(extraction.Pages))

	for _, page := range extraction.Pages {
		content := SanitizeContent(page.Text)
		if content == "" {
			continue
		}

		hash := sha256.Sum256([]byte(content))
		chunk := &models.Chunk{
			ID:           uuid.New(),
			DocumentID:   doc.ID,
			UserID:       doc.UserID,
			ChatID:       doc.ChatID,
			ChunkIndex:   len(chunks),
			Content:      content,
			ContentHash:  hex.EncodeToString(hash[:]),
			SectionTitle: page.SectionTitle,
			TokenCount:   tokenizer.EstimateTokens(content),
			CreatedAt:    time.Now().UTC(),
		}

		number := page.Number
		if page.Slide {
			chunk.SlideNumber = &number
		} else {
			chunk.PageNumber = &number
		}

		chunks = append(chunks, chunk)
	}
	return chunks
}

// SanitizeContent strips control characters, repairs invalid UTF-8 and
// trims surrounding whitespace
func SanitizeContent(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}

	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.TrimSpace(sb.String())
}
