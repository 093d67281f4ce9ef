package query

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/cache"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/llm"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/retrieval"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

type fakeAnswerCache struct {
	exact    *cache.CachedAnswer
	semantic *cache.CachedAnswer
	stored   int
}

func (f *fakeAnswerCache) LookupExact(_ context.Context, _ uuid.UUID, _ string) (*cache.CachedAnswer, error) {
	return f.exact, nil
}

func (f *fakeAnswerCache) LookupSemantic(_ context.Context, _ uuid.UUID, _ []float32) (*cache.CachedAnswer, error) {
	return f.semantic, nil
}

func (f *fakeAnswerCache) Store(_ context.Context, _, _ uuid.UUID, _, _ string, _ []byte, _ []float32) error {
	f.stored++
	return nil
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedOne(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	return f.vec, f.err
}

type fakeQueryRetriever struct {
	chunks  []*models.ScoredChunk
	err     error
	lastReq retrieval.Request
}

func (f *fakeQueryRetriever) Retrieve(_ context.Context, req retrieval.Request) ([]*models.ScoredChunk, error) {
	f.lastReq = req
	return f.chunks, f.err
}

type fakeGenerator struct {
	mu       sync.Mutex
	response string
	err      error
	requests []llm.GenerateRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.GenerateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type fakeGate struct {
	processing bool
}

func (f *fakeGate) AnyProcessing(_ context.Context, _ uuid.UUID) (bool, error) {
	return f.processing, nil
}

type fakeHistory struct {
	recent   []*models.QueryHistoryEntry
	inserted []*models.QueryHistoryEntry
}

func (f *fakeHistory) Insert(_ context.Context, entry *models.QueryHistoryEntry) error {
	f.inserted = append(f.inserted, entry)
	return nil
}

func (f *fakeHistory) RecentByChat(_ context.Context, _ uuid.UUID, _ int) ([]*models.QueryHistoryEntry, error) {
	return f.recent, nil
}

type orchestratorDeps struct {
	cache     *fakeAnswerCache
	embedder  *fakeEmbedder
	retriever *fakeQueryRetriever
	generator *fakeGenerator
	gate      *fakeGate
	history   *fakeHistory
}

func newTestOrchestrator(deps orchestratorDeps) *Orchestrator {
	if deps.cache == nil {
		deps.cache = &fakeAnswerCache{}
	}
	if deps.embedder == nil {
		deps.embedder = &fakeEmbedder{vec: []float32{0.1, 0.2}}
	}
	if deps.retriever == nil {
		deps.retriever = &fakeQueryRetriever{}
	}
	if deps.generator == nil {
		deps.generator = &fakeGenerator{response: "generated answer"}
	}
	if deps.gate == nil {
		deps.gate = &fakeGate{}
	}
	if deps.history == nil {
		deps.history = &fakeHistory{}
	}

	retrievalCfg := config.RetrievalConfig{
		MaxChunks:           100,
		TargetChunks:        30,
		RRFK:                60,
		MaxChunksPerSection: 3,
		MinScore:            0.1,
	}
	llmCfg := config.LLMConfig{
		SingleCallTokenLimit: 100000,
		MapBatchTokenLimit:   25000,
		MaxParallelMap:       5,
		MaxReduceIterations:  3,
		MaxOutputTokens:      8192,
	}
	return NewOrchestrator(deps.cache, deps.embedder, deps.retriever, deps.generator,
		deps.gate, deps.history, retrievalCfg, llmCfg,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func answeredChunk(fileName string, tokens int) *models.ScoredChunk {
	c := scoredChunk(fileName, "some content", tokens)
	c.Score = 0.5
	return c
}

func TestAnswerExactCacheHitSkipsPipeline(t *testing.T) {
	answerCache := &fakeAnswerCache{exact: &cache.CachedAnswer{Response: "cached", Exact: true}}
	embedder := &fakeEmbedder{vec: []float32{0.1}}
	retriever := &fakeQueryRetriever{}
	o := newTestOrchestrator(orchestratorDeps{cache: answerCache, embedder: embedder, retriever: retriever})

	resp, err := o.Answer(context.Background(), Request{ChatID: uuid.New(), Question: "q"})
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, ModeCached, resp.Mode)
	assert.Equal(t, "cached", resp.Answer)
	assert.Zero(t, embedder.calls)
	assert.Empty(t, retriever.lastReq.Query)
}

func TestAnswerSemanticCacheHit(t *testing.T) {
	answerCache := &fakeAnswerCache{semantic: &cache.CachedAnswer{Response: "close match"}}
	o := newTestOrchestrator(orchestratorDeps{cache: answerCache})

	resp, err := o.Answer(context.Background(), Request{ChatID: uuid.New(), Question: "q"})
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, "close match", resp.Answer)
}

func TestAnswerProcessingGate(t *testing.T) {
	generator := &fakeGenerator{response: "should not run"}
	o := newTestOrchestrator(orchestratorDeps{gate: &fakeGate{processing: true}, generator: generator})

	resp, err := o.Answer(context.Background(), Request{ChatID: uuid.New(), Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, ModeProcessing, resp.Mode)
	assert.Empty(t, generator.requests)
}

func TestAnswerSingleCallFlow(t *testing.T) {
	retriever := &fakeQueryRetriever{chunks: []*models.ScoredChunk{answeredChunk("notes.txt", 50)}}
	generator := &fakeGenerator{response: "the answer"}
	answerCache := &fakeAnswerCache{}
	history := &fakeHistory{}
	o := newTestOrchestrator(orchestratorDeps{
		retriever: retriever, generator: generator, cache: answerCache, history: history,
	})

	resp, err := o.Answer(context.Background(), Request{
		UserID: uuid.New(), ChatID: uuid.New(), Question: "What is in the notes?",
	})
	require.NoError(t, err)

	assert.Equal(t, ModeSingleCall, resp.Mode)
	assert.Equal(t, "the answer", resp.Answer)
	assert.Equal(t, 1, resp.LLMCalls)
	assert.Equal(t, 1, resp.ChunksUsed)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "notes.txt", resp.Sources[0].FileName)

	assert.Equal(t, 1, answerCache.stored)
	require.Len(t, history.inserted, 1)
	assert.Equal(t, 1, history.inserted[0].LLMCalls)

	require.Len(t, generator.requests, 1)
	assert.False(t, generator.requests[0].ExternalSearch)
	assert.Contains(t, generator.requests[0].Prompt, "notes.txt")
}

func TestAnswerSearchStringIncludesKeywords(t *testing.T) {
	retriever := &fakeQueryRetriever{}
	o := newTestOrchestrator(orchestratorDeps{retriever: retriever})

	_, err := o.Answer(context.Background(), Request{
		ChatID: uuid.New(), Question: "What is the embedding dimension?",
	})
	require.NoError(t, err)
	assert.Contains(t, retriever.lastReq.Query, "embedding")
	assert.Contains(t, retriever.lastReq.Query, "dimension")
}

func TestAnswerRetrievalFailure(t *testing.T) {
	retriever := &fakeQueryRetriever{err: retrieval.ErrRetrievalUnavailable}
	o := newTestOrchestrator(orchestratorDeps{retriever: retriever})

	_, err := o.Answer(context.Background(), Request{ChatID: uuid.New(), Question: "q"})
	var failure *QueryFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, PhaseRetrieval, failure.Phase)
}

func TestAnswerGenerationFailure(t *testing.T) {
	retriever := &fakeQueryRetriever{chunks: []*models.ScoredChunk{answeredChunk("a.txt", 10)}}
	generator := &fakeGenerator{err: errors.New("provider down")}
	o := newTestOrchestrator(orchestratorDeps{retriever: retriever, generator: generator})

	_, err := o.Answer(context.Background(), Request{ChatID: uuid.New(), Question: "q"})
	var failure *QueryFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, PhaseGeneration, failure.Phase)
}

func TestAnswerExternalSearchOnlyWithoutContextAndHistory(t *testing.T) {
	generator := &fakeGenerator{response: "from the web"}
	o := newTestOrchestrator(orchestratorDeps{generator: generator})

	_, err := o.Answer(context.Background(), Request{ChatID: uuid.New(), Question: "q"})
	require.NoError(t, err)
	require.Len(t, generator.requests, 1)
	assert.True(t, generator.requests[0].ExternalSearch)
}

func TestAnswerExternalSearchDisabledWithHistory(t *testing.T) {
	generator := &fakeGenerator{response: "grounded"}
	history := &fakeHistory{recent: []*models.QueryHistoryEntry{
		{Question: "earlier", Answer: "earlier answer"},
	}}
	o := newTestOrchestrator(orchestratorDeps{generator: generator, history: history})

	_, err := o.Answer(context.Background(), Request{ChatID: uuid.New(), Question: "q"})
	require.NoError(t, err)
	require.Len(t, generator.requests, 1)
	assert.False(t, generator.requests[0].ExternalSearch)
}

func TestAnswerMapReduceWhenContextOverflows(t *testing.T) {
	// 6 chunks of 30k tokens each: 180k total exceeds the 100k single-call
	// limit, and each map batch holds one chunk (30k > 25k budget).
	var chunks []*models.ScoredChunk
	for i := 0; i < 6; i++ {
		chunks = append(chunks, answeredChunk("big.pdf", 30000))
	}
	retriever := &fakeQueryRetriever{chunks: chunks}
	generator := &fakeGenerator{response: "condensed"}
	o := newTestOrchestrator(orchestratorDeps{retriever: retriever, generator: generator})

	resp, err := o.Answer(context.Background(), Request{ChatID: uuid.New(), Question: "q"})
	require.NoError(t, err)

	assert.Equal(t, ModeMapReduce, resp.Mode)
	// 6 map calls plus the final answer call; outputs are small so no
	// reduce rounds run.
	assert.Equal(t, 7, resp.LLMCalls)
	assert.Equal(t, 6, resp.ChunksUsed)
}

func TestAnswerMapReduceFailsWhenKnowledgeNeverFits(t *testing.T) {
	var chunks []*models.ScoredChunk
	for i := 0; i < 6; i++ {
		chunks = append(chunks, answeredChunk("big.pdf", 30000))
	}
	retriever := &fakeQueryRetriever{chunks: chunks}
	// Every map and condense output alone exceeds the 100k single-call
	// limit, so no number of reduce rounds can make the knowledge fit.
	generator := &fakeGenerator{response: strings.Repeat("lorem ipsum ", 40000)}
	o := newTestOrchestrator(orchestratorDeps{retriever: retriever, generator: generator})

	_, err := o.Answer(context.Background(), Request{ChatID: uuid.New(), Question: "q"})
	var failure *QueryFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, PhaseGeneration, failure.Phase)
	assert.Contains(t, failure.Err.Error(), "reduce rounds")
}

func TestAnswerCrossChatSkipsCacheAndScopesByUser(t *testing.T) {
	answerCache := &fakeAnswerCache{exact: &cache.CachedAnswer{Response: "cached", Exact: true}}
	retriever := &fakeQueryRetriever{chunks: []*models.ScoredChunk{answeredChunk("a.txt", 10)}}
	generator := &fakeGenerator{response: "fresh answer"}
	o := newTestOrchestrator(orchestratorDeps{cache: answerCache, retriever: retriever, generator: generator})

	userID := uuid.New()
	resp, err := o.Answer(context.Background(), Request{
		UserID: userID, ChatID: uuid.New(), Question: "q", CrossChat: true,
	})
	require.NoError(t, err)

	// The chat-scoped cached answer is ignored and nothing new is cached.
	assert.Equal(t, "fresh answer", resp.Answer)
	assert.False(t, resp.CacheHit)
	assert.Zero(t, answerCache.stored)
	assert.True(t, retriever.lastReq.CrossChat)
	assert.Equal(t, userID, retriever.lastReq.UserID)
}

func TestFollowUpRestrictsToDiscussedDocuments(t *testing.T) {
	discussed := answeredChunk("physics-notes.txt", 10)
	unrelated := answeredChunk("cooking.txt", 10)
	retriever := &fakeQueryRetriever{chunks: []*models.ScoredChunk{unrelated, discussed}}
	generator := &fakeGenerator{response: "follow-up answer"}
	history := &fakeHistory{recent: []*models.QueryHistoryEntry{
		{Question: "what is in the notes", Answer: "According to physics-notes.txt, force equals mass times acceleration."},
	}}
	o := newTestOrchestrator(orchestratorDeps{retriever: retriever, generator: generator, history: history})

	resp, err := o.Answer(context.Background(), Request{
		ChatID:   uuid.New(),
		Question: "Tell me more about the author of that",
	})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "physics-notes.txt", resp.Sources[0].FileName)
}

func TestRestrictToDiscussedDocumentsKeepsAllWhenNoneMatch(t *testing.T) {
	chunks := []*models.ScoredChunk{answeredChunk("a.txt", 10), answeredChunk("b.txt", 10)}
	history := []Exchange{{Question: "q", Answer: "an answer naming no files"}}

	kept := restrictToDiscussedDocuments(chunks, history)
	assert.Len(t, kept, 2)
}

func TestNormalizeForMatch(t *testing.T) {
	assert.Equal(t, "physics notes txt", normalizeForMatch("Physics-Notes.TXT"))
	assert.Equal(t, "", normalizeForMatch("!!!"))
}
