package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

// EntryStore is the durable cache tier backed by Postgres.
type EntryStore interface {
	Upsert(ctx context.Context, entry *models.CacheEntry) error
	FindExact(ctx context.Context, chatID uuid.UUID, queryHash string) (*models.CacheEntry, error)
	FindSemantic(ctx context.Context, chatID uuid.UUID, vec []float32, threshold float64) (*models.CacheEntry, error)
	IncrementHit(ctx context.Context, id uuid.UUID) error
	EvictExpired(ctx context.Context) (int64, error)
}

// CachedAnswer is a previously generated answer returned on a cache hit.
type CachedAnswer struct {
	Response string
	Sources  []byte
	Exact    bool
}

// redisPayload is the JSON shape stored in the exact-match Redis tier.
type redisPayload struct {
	EntryID  uuid.UUID       `json:"entry_id"`
	Response string          `json:"response"`
	Sources  json.RawMessage `json:"sources"`
}

// QueryCache answers repeated questions without re-running retrieval or
// generation. Exact hits match the normalized query hash, first in Redis
// and then in Postgres; semantic hits match a cached query embedding with
// cosine similarity at or above the configured threshold. All tiers are
// scoped to a single chat.
type QueryCache struct {
	redis     *RedisCache
	store     EntryStore
	ttl       time.Duration
	threshold float64
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewQueryCache creates a new query cache. The Redis tier is optional; pass
// nil to run on the durable tier alone.
func NewQueryCache(redisCache *RedisCache, store EntryStore, cfg config.CacheConfig, logger observability.Logger, metrics observability.MetricsClient) *QueryCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &QueryCache{
		redis:     redisCache,
		store:     store,
		ttl:       cfg.TTL,
		threshold: cfg.SemanticThreshold,
		logger:    logger.WithPrefix("cache.query"),
		metrics:   metrics,
	}
}

// NormalizeQuery lowercases the query and collapses runs of whitespace so
// trivially different phrasings hash to the same key
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// HashQuery returns the hex SHA-256 of the normalized query
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(query)))
	return hex.EncodeToString(sum[:])
}

func (c *QueryCache) redisKey(chatID uuid.UUID, queryHash string) string {
	return chatID.String() + ":" + queryHash
}

// LookupExact checks the Redis and Postgres tiers for an answer to this
// exact query. Returns nil on a miss. Redis failures are logged and treated
// as misses; only durable-tier failures surface.
func (c *QueryCache) LookupExact(ctx context.Context, chatID uuid.UUID, query string) (*CachedAnswer, error) {
	queryHash := HashQuery(query)

	if c.redis != nil {
		var payload redisPayload
		err := c.redis.GetJSON(ctx, c.redisKey(chatID, queryHash), &payload)
		if err == nil {
			c.recordHit("redis")
			c.bumpHitCount(ctx, payload.EntryID)
			return &CachedAnswer{Response: payload.Response, Sources: payload.Sources, Exact: true}, nil
		}
		if err != ErrCacheMiss && err != ErrCacheInvalid {
			c.logger.Warn("Redis cache lookup failed", map[string]interface{}{
				"chat_id": chatID.String(),
				"error":   err.Error(),
			})
		}
	}

	entry, err := c.store.FindExact(ctx, chatID, queryHash)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		c.recordMiss("exact")
		return nil, nil
	}

	c.recordHit("exact")
	c.bumpHitCount(ctx, entry.ID)
	c.backfillRedis(ctx, chatID, queryHash, entry)
	return &CachedAnswer{Response: entry.Response, Sources: entry.Sources, Exact: true}, nil
}

// LookupSemantic checks the durable tier for a cached answer whose query
// embedding is close enough to vec. Returns nil on a miss.
func (c *QueryCache) LookupSemantic(ctx context.Context, chatID uuid.UUID, vec []float32) (*CachedAnswer, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	entry, err := c.store.FindSemantic(ctx, chatID, vec, c.threshold)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		c.recordMiss("semantic")
		return nil, nil
	}

	c.recordHit("semantic")
	c.bumpHitCount(ctx, entry.ID)
	return &CachedAnswer{Response: entry.Response, Sources: entry.Sources}, nil
}

// Store caches a freshly generated answer in both tiers. New entries start
// with a zero hit count; repeats of the same question replace the old entry.
func (c *QueryCache) Store(ctx context.Context, userID, chatID uuid.UUID, query, response string, sources []byte, vec []float32) error {
	queryHash := HashQuery(query)
	entry := &models.CacheEntry{
		UserID:    userID,
		ChatID:    chatID,
		QueryText: query,
		QueryHash: queryHash,
		Response:  response,
		Sources:   sources,
		ExpiresAt: time.Now().UTC().Add(c.ttl),
	}
	if len(vec) > 0 {
		v := pgvector.NewVector(vec)
		entry.QueryEmbedding = &v
	}

	if err := c.store.Upsert(ctx, entry); err != nil {
		return err
	}
	c.backfillRedis(ctx, chatID, queryHash, entry)
	return nil
}

// EvictExpired removes expired durable entries. Redis entries expire on
// their own TTL.
func (c *QueryCache) EvictExpired(ctx context.Context) (int64, error) {
	n, err := c.store.EvictExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("Evicted expired cache entries", map[string]interface{}{
			"count": n,
		})
	}
	return n, nil
}

func (c *QueryCache) backfillRedis(ctx context.Context, chatID uuid.UUID, queryHash string, entry *models.CacheEntry) {
	if c.redis == nil {
		return
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	payload := redisPayload{EntryID: entry.ID, Response: entry.Response, Sources: entry.Sources}
	if err := c.redis.SetJSON(ctx, c.redisKey(chatID, queryHash), payload, ttl); err != nil {
		c.logger.Warn("Redis cache write failed", map[string]interface{}{
			"chat_id": chatID.String(),
			"error":   err.Error(),
		})
	}
}

func (c *QueryCache) bumpHitCount(ctx context.Context, id uuid.UUID) {
	if id == uuid.Nil {
		return
	}
	if err := c.store.IncrementHit(ctx, id); err != nil {
		c.logger.Warn("Failed to increment cache hit count", map[string]interface{}{
			"entry_id": id.String(),
			"error":    err.Error(),
		})
	}
}

func (c *QueryCache) recordHit(tier string) {
	c.metrics.RecordCounter("query_cache_hits", 1, map[string]string{"tier": tier})
}

func (c *QueryCache) recordMiss(tier string) {
	c.metrics.RecordCounter("query_cache_misses", 1, map[string]string{"tier": tier})
}
