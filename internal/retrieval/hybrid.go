package retrieval

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

// ErrRetrievalUnavailable indicates both sub-searches failed and no
// results could be produced at all.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// Searcher runs the two sub-searches against the chunk store. The ByUser
// variants search across every chat of a user for cross-chat queries.
type Searcher interface {
	KeywordSearch(ctx context.Context, chatID uuid.UUID, documentIDs []uuid.UUID, query string, limit int) ([]*models.ScoredChunk, error)
	VectorSearch(ctx context.Context, chatID uuid.UUID, documentIDs []uuid.UUID, queryVec []float32, limit int) ([]*models.ScoredChunk, error)
	KeywordSearchByUser(ctx context.Context, userID uuid.UUID, documentIDs []uuid.UUID, query string, limit int) ([]*models.ScoredChunk, error)
	VectorSearchByUser(ctx context.Context, userID uuid.UUID, documentIDs []uuid.UUID, queryVec []float32, limit int) ([]*models.ScoredChunk, error)
}

// Request carries one retrieval call. QueryVector may be nil, in which
// case the search degrades to keyword-only. DocumentIDs, when non-empty,
// restricts the search to those documents. CrossChat widens the scope
// from the chat to every chat of the user.
type Request struct {
	UserID      uuid.UUID
	ChatID      uuid.UUID
	Query       string
	QueryVector []float32
	DocumentIDs []uuid.UUID
	CrossChat   bool
}

// HybridRetriever combines full-text and vector search with reciprocal
// rank fusion, then applies diversity caps so one document or section
// cannot dominate the result set.
type HybridRetriever struct {
	searcher Searcher
	cfg      config.RetrievalConfig
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewHybridRetriever creates a new hybrid retriever
func NewHybridRetriever(searcher Searcher, cfg config.RetrievalConfig, logger observability.Logger, metrics observability.MetricsClient) *HybridRetriever {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &HybridRetriever{
		searcher: searcher,
		cfg:      cfg,
		logger:   logger.WithPrefix("retrieval"),
		metrics:  metrics,
	}
}

// Retrieve runs both sub-searches in parallel, fuses their rankings and
// filters for diversity. An empty result is normal (the corpus may simply
// not mention the topic); ErrRetrievalUnavailable is returned only when
// every sub-search failed.
func (h *HybridRetriever) Retrieve(ctx context.Context, req Request) ([]*models.ScoredChunk, error) {
	start := time.Now()
	subLimit := 2 * h.cfg.MaxChunks

	var keywordResults, vectorResults []*models.ScoredChunk
	var keywordErr, vectorErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		keywordResults, keywordErr = h.keywordSearch(gctx, req, subLimit)
		return nil
	})

	vectorSkipped := len(req.QueryVector) == 0
	if vectorSkipped {
		h.logger.Warn("No query embedding available, degrading to keyword-only search", map[string]interface{}{
			"chat_id": req.ChatID.String(),
		})
		h.metrics.RecordCounter("retrieval_keyword_only", 1, nil)
	} else {
		g.Go(func() error {
			vectorResults, vectorErr = h.vectorSearch(gctx, req, subLimit)
			return nil
		})
	}
	_ = g.Wait()

	if keywordErr != nil {
		h.logger.Error("Keyword search failed", map[string]interface{}{
			"chat_id": req.ChatID.String(),
			"error":   keywordErr.Error(),
		})
	}
	if vectorErr != nil {
		h.logger.Error("Vector search failed", map[string]interface{}{
			"chat_id": req.ChatID.String(),
			"error":   vectorErr.Error(),
		})
	}

	// Unavailable only when nothing could run at all. A single failed
	// sub-search still yields the other's results.
	if keywordErr != nil && (vectorSkipped || vectorErr != nil) {
		return nil, ErrRetrievalUnavailable
	}

	fused := h.fuse(keywordResults, vectorResults)
	selected := h.diversityFilter(fused)

	h.metrics.RecordDuration("retrieval_duration", time.Since(start), nil)
	h.metrics.RecordHistogram("retrieval_chunks_selected", float64(len(selected)), nil)
	h.logger.Debug("Retrieval complete", map[string]interface{}{
		"chat_id":  req.ChatID.String(),
		"keyword":  len(keywordResults),
		"vector":   len(vectorResults),
		"fused":    len(fused),
		"selected": len(selected),
	})
	return selected, nil
}

func (h *HybridRetriever) keywordSearch(ctx context.Context, req Request, limit int) ([]*models.ScoredChunk, error) {
	if req.CrossChat {
		return h.searcher.KeywordSearchByUser(ctx, req.UserID, req.DocumentIDs, req.Query, limit)
	}
	return h.searcher.KeywordSearch(ctx, req.ChatID, req.DocumentIDs, req.Query, limit)
}

func (h *HybridRetriever) vectorSearch(ctx context.Context, req Request, limit int) ([]*models.ScoredChunk, error) {
	if req.CrossChat {
		return h.searcher.VectorSearchByUser(ctx, req.UserID, req.DocumentIDs, req.QueryVector, limit)
	}
	return h.searcher.VectorSearch(ctx, req.ChatID, req.DocumentIDs, req.QueryVector, limit)
}

// fusedChunk pairs a chunk's fused rank score with the best raw relevance
// score any sub-search gave it. Fused RRF scores rank; raw scores gate.
type fusedChunk struct {
	chunk *models.ScoredChunk
	raw   float64
}

// fuse merges ranked lists with reciprocal rank fusion: each list
// contributes 1/(K+rank) for every chunk it contains, and contributions
// for the same chunk are summed. The fused order is by total score, with
// chunk ID as a deterministic tiebreak.
func (h *HybridRetriever) fuse(lists ...[]*models.ScoredChunk) []fusedChunk {
	k := float64(h.cfg.RRFK)
	scores := make(map[uuid.UUID]float64)
	raw := make(map[uuid.UUID]float64)
	chunks := make(map[uuid.UUID]*models.ScoredChunk)

	for _, list := range lists {
		for rank, chunk := range list {
			scores[chunk.ID] += 1.0 / (k + float64(rank+1))
			if chunk.Score > raw[chunk.ID] || chunks[chunk.ID] == nil {
				raw[chunk.ID] = chunk.Score
			}
			if _, seen := chunks[chunk.ID]; !seen {
				chunks[chunk.ID] = chunk
			}
		}
	}

	fused := make([]fusedChunk, 0, len(chunks))
	for id, chunk := range chunks {
		merged := *chunk
		merged.Score = scores[id]
		fused = append(fused, fusedChunk{chunk: &merged, raw: raw[id]})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].chunk.Score != fused[j].chunk.Score {
			return fused[i].chunk.Score > fused[j].chunk.Score
		}
		return fused[i].chunk.ID.String() < fused[j].chunk.ID.String()
	})
	return fused
}

// diversityFilter walks the fused ranking and keeps chunks subject to
// per-document and per-section caps, duplicate-content suppression and a
// minimum raw relevance score, stopping once MaxChunks are selected.
// Context assembly applies the tighter target count downstream.
func (h *HybridRetriever) diversityFilter(fused []fusedChunk) []*models.ScoredChunk {
	maxPerDoc := h.cfg.MaxChunksPerDocument()
	perDoc := make(map[uuid.UUID]int)
	perSection := make(map[string]int)
	seenContent := make(map[string]bool)

	selected := make([]*models.ScoredChunk, 0, h.cfg.MaxChunks)
	for _, fc := range fused {
		chunk := fc.chunk
		if len(selected) >= h.cfg.MaxChunks {
			break
		}
		if fc.raw < h.cfg.MinScore {
			continue
		}
		if seenContent[chunk.ContentHash] {
			continue
		}
		if perDoc[chunk.DocumentID] >= maxPerDoc {
			continue
		}
		sectionKey := h.sectionKey(chunk)
		if perSection[sectionKey] >= h.cfg.MaxChunksPerSection {
			continue
		}

		selected = append(selected, chunk)
		perDoc[chunk.DocumentID]++
		perSection[sectionKey]++
		seenContent[chunk.ContentHash] = true
	}
	return selected
}

func (h *HybridRetriever) sectionKey(chunk *models.ScoredChunk) string {
	section := ""
	if chunk.SectionTitle != nil {
		section = *chunk.SectionTitle
	}
	return chunk.DocumentID.String() + "/" + section
}
