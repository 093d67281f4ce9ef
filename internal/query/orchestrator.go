package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/cache"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/llm"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/retrieval"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/tokenizer"
)

// FailurePhase names the pipeline stage that failed
type FailurePhase string

// Failure phases
const (
	PhaseRetrieval  FailurePhase = "RETRIEVAL"
	PhaseGeneration FailurePhase = "GENERATION"
)

// QueryFailure wraps a pipeline failure with its phase and the timing
// breakdown accumulated before the failure.
type QueryFailure struct {
	Phase   FailurePhase
	Err     error
	Timings Timings
}

func (e *QueryFailure) Error() string {
	return fmt.Sprintf("query failed in %s: %v", e.Phase, e.Err)
}

func (e *QueryFailure) Unwrap() error { return e.Err }

// Answer modes
const (
	ModeCached     = "cached"
	ModeProcessing = "processing"
	ModeSingleCall = "single_call"
	ModeMapReduce  = "map_reduce"
)

const (
	processingMessage = "Your documents are still being processed. Please try again in a moment."
	formattingReserve = 1000
	historyWindow     = 5
	embedMemoCapacity = 1024
)

// Embedder computes a query embedding
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Generator runs one LLM call
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
}

// Retriever runs hybrid retrieval
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) ([]*models.ScoredChunk, error)
}

// DocumentGate reports whether the chat still has unembedded documents
type DocumentGate interface {
	AnyProcessing(ctx context.Context, chatID uuid.UUID) (bool, error)
}

// HistoryStore persists and recalls answered queries
type HistoryStore interface {
	Insert(ctx context.Context, entry *models.QueryHistoryEntry) error
	RecentByChat(ctx context.Context, chatID uuid.UUID, limit int) ([]*models.QueryHistoryEntry, error)
}

// AnswerCache is the two-tier query cache
type AnswerCache interface {
	LookupExact(ctx context.Context, chatID uuid.UUID, query string) (*cache.CachedAnswer, error)
	LookupSemantic(ctx context.Context, chatID uuid.UUID, vec []float32) (*cache.CachedAnswer, error)
	Store(ctx context.Context, userID, chatID uuid.UUID, query, response string, sources []byte, vec []float32) error
}

// Request is one question to answer. CrossChat widens retrieval from the
// chat to every chat of the user.
type Request struct {
	UserID      uuid.UUID
	ChatID      uuid.UUID
	Question    string
	Marks       *int
	DocumentIDs []uuid.UUID
	History     []Exchange
	CrossChat   bool
}

// Timings is the per-phase latency breakdown in milliseconds
type Timings struct {
	RetrievalMs  int64
	GenerationMs int64
	TotalMs      int64
}

// Response is the answer plus its provenance and cost accounting
type Response struct {
	Answer     string
	Sources    []models.SourceRef
	ChunksUsed int
	LLMCalls   int
	Mode       string
	CacheHit   bool
	Timings    Timings
}

// Orchestrator runs the full query pipeline: cache, readiness gate,
// analysis, retrieval, context assembly, generation and persistence.
type Orchestrator struct {
	answerCache AnswerCache
	embedder    Embedder
	retriever   Retriever
	generator   Generator
	documents   DocumentGate
	history     HistoryStore

	analyzer  *Analyzer
	assembler *Assembler
	packer    *tokenizer.ContextPacker
	embedMemo *lru.Cache[string, []float32]

	retrievalCfg config.RetrievalConfig
	llmCfg       config.LLMConfig
	logger       observability.Logger
	metrics      observability.MetricsClient
}

// NewOrchestrator creates a query orchestrator
func NewOrchestrator(
	answerCache AnswerCache,
	embedder Embedder,
	retriever Retriever,
	generator Generator,
	documents DocumentGate,
	history HistoryStore,
	retrievalCfg config.RetrievalConfig,
	llmCfg config.LLMConfig,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Orchestrator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	memo, _ := lru.New[string, []float32](embedMemoCapacity)

	return &Orchestrator{
		answerCache:  answerCache,
		embedder:     embedder,
		retriever:    retriever,
		generator:    generator,
		documents:    documents,
		history:      history,
		analyzer:     NewAnalyzer(),
		assembler:    NewAssembler(nil),
		packer:       tokenizer.NewContextPacker(nil),
		embedMemo:    memo,
		retrievalCfg: retrievalCfg,
		llmCfg:       llmCfg,
		logger:       logger.WithPrefix("query"),
		metrics:      metrics,
	}
}

// Answer runs the pipeline end to end
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "query.answer",
		attribute.String("chat_id", req.ChatID.String()),
		attribute.Bool("cross_chat", req.CrossChat))
	defer span.End()

	// Exact cache hit needs no embedding at all. Cached answers are
	// chat-scoped, so a cross-chat query never reads or writes them: the
	// same question can have a different answer in each scope.
	if !req.CrossChat {
		if hit := o.lookupExact(ctx, req); hit != nil {
			return o.cachedResponse(hit, start), nil
		}
	}

	queryVec := o.queryEmbedding(ctx, req.Question)
	if !req.CrossChat {
		if hit := o.lookupSemantic(ctx, req.ChatID, queryVec); hit != nil {
			return o.cachedResponse(hit, start), nil
		}
	}

	if o.stillProcessing(ctx, req.ChatID) {
		return &Response{
			Answer:  processingMessage,
			Mode:    ModeProcessing,
			Timings: Timings{TotalMs: time.Since(start).Milliseconds()},
		}, nil
	}

	analysis := o.analyzer.Analyze(req.Question)
	history := o.loadHistory(ctx, req)

	retrievalStart := time.Now()
	chunks, err := o.retriever.Retrieve(ctx, retrieval.Request{
		UserID:      req.UserID,
		ChatID:      req.ChatID,
		Query:       searchString(req.Question, analysis.Keywords),
		QueryVector: queryVec,
		DocumentIDs: req.DocumentIDs,
		CrossChat:   req.CrossChat,
	})
	timings := Timings{RetrievalMs: time.Since(retrievalStart).Milliseconds()}
	if err != nil {
		span.RecordError(err)
		timings.TotalMs = time.Since(start).Milliseconds()
		return nil, &QueryFailure{Phase: PhaseRetrieval, Err: err, Timings: timings}
	}

	if analysis.Type == TypeFollowUp && len(history) > 0 {
		chunks = restrictToDiscussedDocuments(chunks, history)
	}

	generationStart := time.Now()
	answer, used, llmCalls, mode, genErr := o.generate(ctx, req, history, chunks)
	timings.GenerationMs = time.Since(generationStart).Milliseconds()
	timings.TotalMs = time.Since(start).Milliseconds()
	if genErr != nil {
		span.RecordError(genErr)
		return nil, &QueryFailure{Phase: PhaseGeneration, Err: genErr, Timings: timings}
	}
	span.SetAttributes(attribute.String("mode", mode), attribute.Int("llm_calls", llmCalls))

	sources := SourceRefs(used)
	sourcesJSON, _ := json.Marshal(sources)

	if !req.CrossChat {
		o.storeCache(ctx, req, answer, sourcesJSON, queryVec)
	}
	o.persistHistory(ctx, req, answer, sourcesJSON, queryVec, len(used), llmCalls, timings)

	o.metrics.RecordDuration("query_total_duration", time.Since(start), map[string]string{"mode": mode})
	o.metrics.RecordHistogram("query_llm_calls", float64(llmCalls), nil)

	return &Response{
		Answer:     answer,
		Sources:    sources,
		ChunksUsed: len(used),
		LLMCalls:   llmCalls,
		Mode:       mode,
		Timings:    timings,
	}, nil
}

// generate picks single-call or map-reduce based on the total token load
// of the retrieved chunks
func (o *Orchestrator) generate(ctx context.Context, req Request, history []Exchange, chunks []*models.ScoredChunk) (answer string, used []*models.ScoredChunk, llmCalls int, mode string, err error) {
	totalTokens := 0
	for _, c := range chunks {
		totalTokens += c.Tokens()
	}

	if totalTokens > o.llmCfg.SingleCallTokenLimit {
		answer, llmCalls, err = o.mapReduce(ctx, req, history, chunks)
		return answer, chunks, llmCalls, ModeMapReduce, err
	}

	contextBlock, packed, _ := o.assembler.Assemble(chunks,
		o.llmCfg.SingleCallTokenLimit-formattingReserve, o.retrievalCfg.TargetChunks)

	// Fall back to the open web only when there is nothing local to go
	// on: no matching chunks and no conversation to continue.
	externalSearch := len(packed) == 0 && len(history) == 0
	if externalSearch {
		o.logger.Info("No local context, enabling external search grounding", map[string]interface{}{
			"chat_id": req.ChatID.String(),
		})
	}

	text, genErr := o.generator.Generate(ctx, llm.GenerateRequest{
		Prompt:            singleCallPrompt(history, contextBlock, req.Question, req.Marks),
		SystemInstruction: answerSystemInstruction,
		ExternalSearch:    externalSearch,
	})
	if genErr != nil {
		return "", packed, 1, ModeSingleCall, genErr
	}
	return text, packed, 1, ModeSingleCall, nil
}

// mapReduce extracts per-batch facts in parallel, condenses them until
// they fit the single-call limit, then writes the final answer
func (o *Orchestrator) mapReduce(ctx context.Context, req Request, history []Exchange, chunks []*models.ScoredChunk) (string, int, error) {
	var calls atomic.Int64

	batches := o.splitBatches(chunks)
	outputs := make([]string, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.llmCfg.MaxParallelMap)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			batchCtx, cancel := context.WithTimeout(gctx, o.llmCfg.MapBatchTimeout)
			defer cancel()

			calls.Add(1)
			text, err := o.generator.Generate(batchCtx, llm.GenerateRequest{
				Prompt:            mapPrompt(o.assembler.RenderBatch(batch), req.Question),
				SystemInstruction: extractSystemInstruction,
			})
			if err != nil {
				return fmt.Errorf("map batch %d: %w", i, err)
			}
			outputs[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", int(calls.Load()), err
	}

	knowledge := strings.Join(outputs, "\n\n")
	for round := 0; round < o.llmCfg.MaxReduceIterations; round++ {
		if tokenizer.EstimateTokens(knowledge) <= o.llmCfg.SingleCallTokenLimit {
			break
		}
		condensed, err := o.condense(ctx, knowledge, &calls)
		if err != nil {
			return "", int(calls.Load()), err
		}
		knowledge = condensed
	}
	if remaining := tokenizer.EstimateTokens(knowledge); remaining > o.llmCfg.SingleCallTokenLimit {
		return "", int(calls.Load()), fmt.Errorf(
			"knowledge still exceeds the single-call limit after %d reduce rounds: %d tokens",
			o.llmCfg.MaxReduceIterations, remaining)
	}

	calls.Add(1)
	answer, err := o.generator.Generate(ctx, llm.GenerateRequest{
		Prompt:            finalPrompt(knowledge, history, req.Question, req.Marks),
		SystemInstruction: answerSystemInstruction,
	})
	if err != nil {
		return "", int(calls.Load()), err
	}
	return answer, int(calls.Load()), nil
}

// condense splits the knowledge on paragraph boundaries into token-bounded
// parts and rewrites each in parallel
func (o *Orchestrator) condense(ctx context.Context, knowledge string, calls *atomic.Int64) (string, error) {
	parts := splitByParagraph(knowledge, o.llmCfg.MapBatchTokenLimit)
	condensed := make([]string, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.llmCfg.MaxParallelMap)
	for i, part := range parts {
		i, part := i, part
		g.Go(func() error {
			calls.Add(1)
			text, err := o.generator.Generate(gctx, llm.GenerateRequest{
				Prompt:            reducePrompt(part),
				SystemInstruction: condenseSystemInstruction,
			})
			if err != nil {
				return fmt.Errorf("reduce part %d: %w", i, err)
			}
			condensed[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.Join(condensed, "\n\n"), nil
}

// splitBatches orders chunks by document and cuts them into map batches
func (o *Orchestrator) splitBatches(chunks []*models.ScoredChunk) [][]*models.ScoredChunk {
	byDoc := make(map[uuid.UUID][]*models.ScoredChunk)
	var docOrder []uuid.UUID
	for _, c := range chunks {
		if _, seen := byDoc[c.DocumentID]; !seen {
			docOrder = append(docOrder, c.DocumentID)
		}
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c)
	}

	var ordered []tokenizer.Packable
	for _, docID := range docOrder {
		for _, c := range byDoc[docID] {
			ordered = append(ordered, c)
		}
	}

	groups := o.packer.SplitByBudget(ordered, o.llmCfg.MapBatchTokenLimit)
	batches := make([][]*models.ScoredChunk, len(groups))
	for i, group := range groups {
		batch := make([]*models.ScoredChunk, len(group))
		for j, item := range group {
			batch[j] = item.(*models.ScoredChunk)
		}
		batches[i] = batch
	}
	return batches
}

func (o *Orchestrator) lookupExact(ctx context.Context, req Request) *cache.CachedAnswer {
	hit, err := o.answerCache.LookupExact(ctx, req.ChatID, req.Question)
	if err != nil {
		o.logger.Warn("Cache lookup failed", map[string]interface{}{
			"chat_id": req.ChatID.String(),
			"error":   err.Error(),
		})
		return nil
	}
	return hit
}

func (o *Orchestrator) lookupSemantic(ctx context.Context, chatID uuid.UUID, vec []float32) *cache.CachedAnswer {
	if len(vec) == 0 {
		return nil
	}
	hit, err := o.answerCache.LookupSemantic(ctx, chatID, vec)
	if err != nil {
		o.logger.Warn("Semantic cache lookup failed", map[string]interface{}{
			"chat_id": chatID.String(),
			"error":   err.Error(),
		})
		return nil
	}
	return hit
}

func (o *Orchestrator) cachedResponse(hit *cache.CachedAnswer, start time.Time) *Response {
	var sources []models.SourceRef
	if len(hit.Sources) > 0 {
		_ = json.Unmarshal(hit.Sources, &sources)
	}
	return &Response{
		Answer:   hit.Response,
		Sources:  sources,
		Mode:     ModeCached,
		CacheHit: true,
		Timings:  Timings{TotalMs: time.Since(start).Milliseconds()},
	}
}

// queryEmbedding computes the question embedding, memoized on the
// normalized query hash. Failure degrades to keyword-only retrieval.
func (o *Orchestrator) queryEmbedding(ctx context.Context, question string) []float32 {
	key := cache.HashQuery(question)
	if vec, ok := o.embedMemo.Get(key); ok {
		return vec
	}

	vec, err := o.embedder.EmbedOne(ctx, question)
	if err != nil {
		o.logger.Warn("Query embedding failed, retrieval degrades to keyword-only", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	o.embedMemo.Add(key, vec)
	return vec
}

func (o *Orchestrator) stillProcessing(ctx context.Context, chatID uuid.UUID) bool {
	processing, err := o.documents.AnyProcessing(ctx, chatID)
	if err != nil {
		o.logger.Warn("Readiness check failed, continuing", map[string]interface{}{
			"chat_id": chatID.String(),
			"error":   err.Error(),
		})
		return false
	}
	return processing
}

// loadHistory uses caller-provided history when present, otherwise the
// chat's recent persisted entries in chronological order
func (o *Orchestrator) loadHistory(ctx context.Context, req Request) []Exchange {
	if len(req.History) > 0 {
		return req.History
	}
	entries, err := o.history.RecentByChat(ctx, req.ChatID, historyWindow)
	if err != nil {
		o.logger.Warn("Failed to load chat history", map[string]interface{}{
			"chat_id": req.ChatID.String(),
			"error":   err.Error(),
		})
		return nil
	}
	history := make([]Exchange, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		history = append(history, Exchange{Question: entries[i].Question, Answer: entries[i].Answer})
	}
	return history
}

func (o *Orchestrator) storeCache(ctx context.Context, req Request, answer string, sourcesJSON []byte, vec []float32) {
	if err := o.answerCache.Store(ctx, req.UserID, req.ChatID, req.Question, answer, sourcesJSON, vec); err != nil {
		o.logger.Warn("Failed to cache answer", map[string]interface{}{
			"chat_id": req.ChatID.String(),
			"error":   err.Error(),
		})
	}
}

func (o *Orchestrator) persistHistory(ctx context.Context, req Request, answer string, sourcesJSON []byte, vec []float32, chunksUsed, llmCalls int, timings Timings) {
	entry := &models.QueryHistoryEntry{
		UserID:          req.UserID,
		ChatID:          req.ChatID,
		Question:        req.Question,
		Marks:           req.Marks,
		Answer:          answer,
		Sources:         sourcesJSON,
		RetrievalMs:     timings.RetrievalMs,
		GenerationMs:    timings.GenerationMs,
		TotalMs:         timings.TotalMs,
		ChunksRetrieved: chunksUsed,
		LLMCalls:        llmCalls,
	}
	if len(vec) > 0 {
		v := pgvector.NewVector(vec)
		entry.QuestionEmbedding = &v
	}
	if err := o.history.Insert(ctx, entry); err != nil {
		o.logger.Warn("Failed to persist query history", map[string]interface{}{
			"chat_id": req.ChatID.String(),
			"error":   err.Error(),
		})
	}
}

func searchString(question string, keywords []string) string {
	if len(keywords) == 0 {
		return question
	}
	return question + " " + strings.Join(keywords, " ")
}

// restrictToDiscussedDocuments keeps chunks whose file name appears in a
// recent answer, preventing follow-ups from drifting to unrelated but
// semantically similar documents. If nothing matches, the unrestricted
// set is kept.
func restrictToDiscussedDocuments(chunks []*models.ScoredChunk, history []Exchange) []*models.ScoredChunk {
	recent := make([]string, 0, len(history))
	for _, ex := range history {
		recent = append(recent, normalizeForMatch(ex.Answer))
	}

	var kept []*models.ScoredChunk
	for _, chunk := range chunks {
		name := normalizeForMatch(chunk.FileName)
		if name == "" {
			continue
		}
		for _, answer := range recent {
			if strings.Contains(answer, name) || strings.Contains(name, answer) {
				kept = append(kept, chunk)
				break
			}
		}
	}
	if len(kept) == 0 {
		return chunks
	}
	return kept
}

// normalizeForMatch lowercases and replaces punctuation with spaces so
// "Notes.txt" matches "notes txt" inside an answer
func normalizeForMatch(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func splitByParagraph(text string, budget int) []string {
	paragraphs := strings.Split(text, "\n\n")
	var parts []string
	var current []string
	currentTokens := 0

	for _, p := range paragraphs {
		tokens := tokenizer.EstimateTokens(p)
		if len(current) > 0 && currentTokens+tokens > budget {
			parts = append(parts, strings.Join(current, "\n\n"))
			current = nil
			currentTokens = 0
		}
		current = append(current, p)
		currentTokens += tokens
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, "\n\n"))
	}
	return parts
}
