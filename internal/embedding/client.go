package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/keypool"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/resilience"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

var (
	// ErrEmbeddingUnavailable is returned when every retry and key rotation failed
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrBatchTooLarge is returned when a batch exceeds the provider limit
	ErrBatchTooLarge = errors.New("embedding batch too large")
)

// Client generates embeddings through the key pool. It is safe for
// concurrent use; all rate limiting is delegated to the pool.
type Client struct {
	provider       Provider
	pool           *keypool.Pool
	batchSize      int
	acquireTimeout time.Duration
	retryConfig    resilience.RetryConfig
	logger         observability.Logger
	metrics        observability.MetricsClient
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithRetryConfig overrides the transient-failure retry schedule
func WithRetryConfig(cfg resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retryConfig = cfg }
}

// WithAcquireTimeout overrides the key pool acquire timeout
func WithAcquireTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.acquireTimeout = d }
}

// NewClient creates an embedding client
func NewClient(provider Provider, pool *keypool.Pool, batchSize int, logger observability.Logger, metrics observability.MetricsClient, opts ...ClientOption) *Client {
	if batchSize <= 0 {
		batchSize = 100
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	c := &Client{
		provider:       provider,
		pool:           pool,
		batchSize:      batchSize,
		acquireTimeout: 5 * time.Minute,
		retryConfig: resilience.RetryConfig{
			MaxRetries:   3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     4 * time.Second,
			Multiplier:   2.0,
		},
		logger:  logger.WithPrefix("embedding"),
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retryConfig.Retryable = retryableWithSameKey
	return c
}

// Dimension returns the provider's vector dimension
func (c *Client) Dimension() int {
	return c.provider.Dimension()
}

// BatchSize returns the maximum texts per EmbedBatch call
func (c *Client) BatchSize() int {
	return c.batchSize
}

// EmbedOne embeds a single text
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds up to BatchSize texts, preserving order. Transient
// provider failures are retried on the same key with exponential backoff;
// a rejected credential rotates to the next key, at most once around the
// pool.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > c.batchSize {
		return nil, fmt.Errorf("%w: %d texts, limit %d", ErrBatchTooLarge, len(texts), c.batchSize)
	}

	var lastErr error
	for rotation := 0; rotation < c.pool.Size(); rotation++ {
		vectors, err := c.embedWithLease(ctx, texts)
		if err == nil {
			c.metrics.RecordCounter("embedding_texts", float64(len(texts)), map[string]string{"provider": c.provider.Name()})
			return vectors, nil
		}

		lastErr = err

		var perr *ProviderError
		if errors.As(err, &perr) && perr.KeyLeaked() {
			c.logger.Warn("Credential rejected, rotating key", map[string]interface{}{
				"rotation": rotation + 1,
				"error":    perr.Message,
			})
			continue
		}
		break
	}

	c.metrics.IncrementCounter("embedding_failures", 1)
	return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, lastErr)
}

// embedWithLease runs one acquire/call/report cycle against a single key
func (c *Client) embedWithLease(ctx context.Context, texts []string) ([][]float32, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, c.acquireTimeout)
	defer cancel()

	lease, err := c.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("acquire credential: %w", err)
	}

	var vectors [][]float32
	err = resilience.RetryWithBackoff(ctx, c.retryConfig, c.logger, func() error {
		var callErr error
		vectors, callErr = c.provider.Embed(ctx, lease.Credential(), texts)
		return callErr
	})
	if err != nil {
		lease.Failure(classifyFailure(err))
		return nil, err
	}

	if len(vectors) != len(texts) {
		lease.Failure(keypool.FailureTransient)
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(texts))
	}

	lease.Success()
	return vectors, nil
}

func retryableWithSameKey(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable() && !perr.KeyLeaked()
	}
	return true
}

func classifyFailure(err error) keypool.FailureKind {
	var perr *ProviderError
	if !errors.As(err, &perr) {
		return keypool.FailureTransient
	}
	switch {
	case perr.KeyLeaked():
		return keypool.FailureKeyLeaked
	case perr.RateLimited():
		return keypool.FailureRateLimited
	default:
		return keypool.FailureTransient
	}
}
