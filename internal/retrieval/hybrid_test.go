package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

type fakeSearcher struct {
	keyword    []*models.ScoredChunk
	vector     []*models.ScoredChunk
	keywordErr error
	vectorErr  error

	keywordLimit  int
	vectorCalled  bool
	userScoped    bool
	userScopedFor uuid.UUID
}

func (f *fakeSearcher) KeywordSearch(_ context.Context, _ uuid.UUID, _ []uuid.UUID, _ string, limit int) ([]*models.ScoredChunk, error) {
	f.keywordLimit = limit
	return f.keyword, f.keywordErr
}

func (f *fakeSearcher) VectorSearch(_ context.Context, _ uuid.UUID, _ []uuid.UUID, _ []float32, _ int) ([]*models.ScoredChunk, error) {
	f.vectorCalled = true
	return f.vector, f.vectorErr
}

func (f *fakeSearcher) KeywordSearchByUser(_ context.Context, userID uuid.UUID, _ []uuid.UUID, _ string, limit int) ([]*models.ScoredChunk, error) {
	f.keywordLimit = limit
	f.userScoped = true
	f.userScopedFor = userID
	return f.keyword, f.keywordErr
}

func (f *fakeSearcher) VectorSearchByUser(_ context.Context, userID uuid.UUID, _ []uuid.UUID, _ []float32, _ int) ([]*models.ScoredChunk, error) {
	f.vectorCalled = true
	f.userScoped = true
	f.userScopedFor = userID
	return f.vector, f.vectorErr
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		MaxChunks:           100,
		TargetChunks:        30,
		RRFK:                60,
		MaxChunksPerSection: 3,
		MinScore:            0.1,
	}
}

func newChunk(docID uuid.UUID, index int, content string, score float64) *models.ScoredChunk {
	return &models.ScoredChunk{
		Chunk: models.Chunk{
			ID:          uuid.New(),
			DocumentID:  docID,
			ChunkIndex:  index,
			Content:     content,
			ContentHash: fmt.Sprintf("hash-%s-%d", content, index),
		},
		FileName: "doc.txt",
		Score:    score,
	}
}

func newRetriever(s Searcher, cfg config.RetrievalConfig) *HybridRetriever {
	return NewHybridRetriever(s, cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestRetrieveFusesBothLists(t *testing.T) {
	docID := uuid.New()
	shared := newChunk(docID, 0, "shared", 0.9)
	keywordOnly := newChunk(docID, 1, "keyword", 0.8)
	vectorOnly := newChunk(docID, 2, "vector", 0.7)

	searcher := &fakeSearcher{
		keyword: []*models.ScoredChunk{shared, keywordOnly},
		vector:  []*models.ScoredChunk{vectorOnly, shared},
	}
	r := newRetriever(searcher, testRetrievalConfig())

	results, err := r.Retrieve(context.Background(), Request{
		ChatID:      uuid.New(),
		Query:       "shared",
		QueryVector: []float32{0.1},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Appearing in both lists outranks appearing in one.
	assert.Equal(t, shared.ID, results[0].ID)
	assert.True(t, searcher.vectorCalled)
	assert.Equal(t, 200, searcher.keywordLimit)
}

func TestRetrieveDegradesToKeywordOnlyWithoutVector(t *testing.T) {
	docID := uuid.New()
	searcher := &fakeSearcher{
		keyword: []*models.ScoredChunk{newChunk(docID, 0, "only", 0.8)},
	}
	r := newRetriever(searcher, testRetrievalConfig())

	results, err := r.Retrieve(context.Background(), Request{
		ChatID: uuid.New(),
		Query:  "only",
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.False(t, searcher.vectorCalled)
}

func TestRetrieveSurvivesOneFailedSubSearch(t *testing.T) {
	docID := uuid.New()
	searcher := &fakeSearcher{
		keyword:   []*models.ScoredChunk{newChunk(docID, 0, "kept", 0.8)},
		vectorErr: errors.New("index offline"),
	}
	r := newRetriever(searcher, testRetrievalConfig())

	results, err := r.Retrieve(context.Background(), Request{
		ChatID:      uuid.New(),
		Query:       "kept",
		QueryVector: []float32{0.1},
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRetrieveUnavailableWhenAllSubSearchesFail(t *testing.T) {
	searcher := &fakeSearcher{
		keywordErr: errors.New("db down"),
		vectorErr:  errors.New("db down"),
	}
	r := newRetriever(searcher, testRetrievalConfig())

	_, err := r.Retrieve(context.Background(), Request{
		ChatID:      uuid.New(),
		Query:       "anything",
		QueryVector: []float32{0.1},
	})
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
}

func TestRetrieveKeywordOnlyFailureIsUnavailable(t *testing.T) {
	searcher := &fakeSearcher{keywordErr: errors.New("db down")}
	r := newRetriever(searcher, testRetrievalConfig())

	_, err := r.Retrieve(context.Background(), Request{
		ChatID: uuid.New(),
		Query:  "anything",
	})
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
}

func TestRetrieveEmptyResultIsNotAnError(t *testing.T) {
	r := newRetriever(&fakeSearcher{}, testRetrievalConfig())

	results, err := r.Retrieve(context.Background(), Request{
		ChatID:      uuid.New(),
		Query:       "nothing matches",
		QueryVector: []float32{0.1},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDiversityFilterCapsPerDocument(t *testing.T) {
	cfg := testRetrievalConfig()
	cfg.MaxChunks = 20 // per-document cap stays at the floor of 5
	docID := uuid.New()
	otherDoc := uuid.New()

	var keyword []*models.ScoredChunk
	for i := 0; i < 10; i++ {
		c := newChunk(docID, i, fmt.Sprintf("chunk %d", i), 0.9)
		section := fmt.Sprintf("section %d", i) // avoid the per-section cap
		c.SectionTitle = &section
		keyword = append(keyword, c)
	}
	other := newChunk(otherDoc, 0, "other doc", 0.5)
	keyword = append(keyword, other)

	r := newRetriever(&fakeSearcher{keyword: keyword}, cfg)
	results, err := r.Retrieve(context.Background(), Request{ChatID: uuid.New(), Query: "chunk"})
	require.NoError(t, err)

	perDoc := map[uuid.UUID]int{}
	for _, c := range results {
		perDoc[c.DocumentID]++
	}
	assert.Equal(t, 5, perDoc[docID])
	assert.Equal(t, 1, perDoc[otherDoc])
}

func TestDiversityFilterCapsPerSection(t *testing.T) {
	docID := uuid.New()
	section := "intro"

	var keyword []*models.ScoredChunk
	for i := 0; i < 6; i++ {
		c := newChunk(docID, i, fmt.Sprintf("s %d", i), 0.9)
		c.SectionTitle = &section
		keyword = append(keyword, c)
	}

	r := newRetriever(&fakeSearcher{keyword: keyword}, testRetrievalConfig())
	results, err := r.Retrieve(context.Background(), Request{ChatID: uuid.New(), Query: "s"})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestDiversityFilterDropsDuplicateContent(t *testing.T) {
	docID := uuid.New()
	a := newChunk(docID, 0, "same", 0.9)
	b := newChunk(uuid.New(), 0, "same", 0.8)
	b.ContentHash = a.ContentHash

	r := newRetriever(&fakeSearcher{keyword: []*models.ScoredChunk{a, b}}, testRetrievalConfig())
	results, err := r.Retrieve(context.Background(), Request{ChatID: uuid.New(), Query: "same"})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestDiversityFilterDropsLowRawScores(t *testing.T) {
	docID := uuid.New()
	strong := newChunk(docID, 0, "strong", 0.8)
	weak := newChunk(docID, 1, "weak", 0.01)

	r := newRetriever(&fakeSearcher{keyword: []*models.ScoredChunk{strong, weak}}, testRetrievalConfig())
	results, err := r.Retrieve(context.Background(), Request{ChatID: uuid.New(), Query: "strong"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, strong.ID, results[0].ID)
}

func TestDiversityFilterStopsAtMaxChunks(t *testing.T) {
	cfg := testRetrievalConfig()
	cfg.MaxChunks = 2

	var keyword []*models.ScoredChunk
	for i := 0; i < 5; i++ {
		keyword = append(keyword, newChunk(uuid.New(), i, fmt.Sprintf("c %d", i), 0.9))
	}

	r := newRetriever(&fakeSearcher{keyword: keyword}, cfg)
	results, err := r.Retrieve(context.Background(), Request{ChatID: uuid.New(), Query: "c"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestDiversityFilterFillsToMaxChunksNotTarget(t *testing.T) {
	// 25 documents with 4 above-floor chunks each, one section per chunk,
	// sits exactly within every diversity cap. All 100 must come back; the
	// target count only applies later, at context assembly.
	var keyword []*models.ScoredChunk
	for d := 0; d < 25; d++ {
		docID := uuid.New()
		for i := 0; i < 4; i++ {
			c := newChunk(docID, i, fmt.Sprintf("doc %d chunk %d", d, i), 0.9)
			section := fmt.Sprintf("section %d", i)
			c.SectionTitle = &section
			keyword = append(keyword, c)
		}
	}

	r := newRetriever(&fakeSearcher{keyword: keyword}, testRetrievalConfig())
	results, err := r.Retrieve(context.Background(), Request{ChatID: uuid.New(), Query: "doc"})
	require.NoError(t, err)
	assert.Len(t, results, 100)
}

func TestRetrieveCrossChatUsesUserScope(t *testing.T) {
	userID := uuid.New()
	searcher := &fakeSearcher{
		keyword: []*models.ScoredChunk{newChunk(uuid.New(), 0, "anywhere", 0.8)},
	}
	r := newRetriever(searcher, testRetrievalConfig())

	results, err := r.Retrieve(context.Background(), Request{
		UserID:      userID,
		ChatID:      uuid.New(),
		Query:       "anywhere",
		QueryVector: []float32{0.1},
		CrossChat:   true,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.True(t, searcher.userScoped)
	assert.Equal(t, userID, searcher.userScopedFor)
}
