package llm

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
	// ErrGenerationUnavailable is returned when every retry and key rotation failed
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrContentPolicy is returned when the provider blocked the content
	ErrContentPolicy = errors.New("generation blocked by content policy")
)

// Client generates text through the key pool with retry, key failover and
// a circuit breaker in front of the provider. Safe for concurrent use.
type Client struct {
	provider        Provider
	pool            *keypool.Pool
	breaker         *resilience.CircuitBreaker
	maxOutputTokens int
	acquireTimeout  time.Duration
	retryConfig     resilience.RetryConfig
	logger          observability.Logger
	metrics         observability.MetricsClient
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

// NewClient creates an LLM client
func NewClient(provider Provider, pool *keypool.Pool, maxOutputTokens int, logger observability.Logger, metrics observability.MetricsClient, opts ...ClientOption) *Client {
	if maxOutputTokens <= 0 {
		maxOutputTokens = 8192
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	c := &Client{
		provider:        provider,
		pool:            pool,
		maxOutputTokens: maxOutputTokens,
		acquireTimeout:  30 * time.Second,
		retryConfig: resilience.RetryConfig{
			MaxRetries:   3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     4 * time.Second,
			Multiplier:   2.0,
		},
		breaker: resilience.NewCircuitBreaker("llm", resilience.DefaultCircuitBreakerConfig(), logger),
		logger:  logger.WithPrefix("llm"),
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retryConfig.Retryable = retryableWithSameKey
	return c
}

// Generate runs one generation call. MaxOutputTokens defaults from the
// client when the request leaves it zero.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if req.MaxOutputTokens <= 0 {
		req.MaxOutputTokens = c.maxOutputTokens
	}

	var lastErr error
	for rotation := 0; rotation < c.pool.Size(); rotation++ {
		text, err := c.generateWithLease(ctx, req)
		if err == nil {
			c.metrics.RecordCounter("llm_calls", 1, map[string]string{
				"provider": c.provider.Name(),
				"outcome":  "success",
			})
			return text, nil
		}

		lastErr = err

		var perr *ProviderError
		if errors.As(err, &perr) {
			if perr.ContentPolicy() {
				c.metrics.RecordCounter("llm_calls", 1, map[string]string{
					"provider": c.provider.Name(),
					"outcome":  "blocked",
				})
				return "", fmt.Errorf("%w: %s", ErrContentPolicy, perr.Message)
			}
			if perr.KeyLeaked() {
				c.logger.Warn("Credential rejected, rotating key", map[string]interface{}{
					"rotation": rotation + 1,
					"error":    perr.Message,
				})
				continue
			}
		}
		break
	}

	c.metrics.RecordCounter("llm_calls", 1, map[string]string{
		"provider": c.provider.Name(),
		"outcome":  "failure",
	})
	return "", fmt.Errorf("%w: %v", ErrGenerationUnavailable, lastErr)
}

func (c *Client) generateWithLease(ctx context.Context, req GenerateRequest) (string, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, c.acquireTimeout)
	defer cancel()

	lease, err := c.pool.Acquire(acquireCtx)
	if err != nil {
		return "", fmt.Errorf("acquire credential: %w", err)
	}

	var text string
	err = resilience.RetryWithBackoff(ctx, c.retryConfig, c.logger, func() error {
		return c.breaker.Execute(ctx, func() error {
			var callErr error
			text, callErr = c.provider.Generate(ctx, lease.Credential(), req)
			return callErr
		})
	})
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && perr.ContentPolicy() {
			// The credential worked; the content was blocked
			lease.Success()
		} else {
			lease.Failure(classifyFailure(err))
		}
		return "", err
	}

	lease.Success()
	return text, nil
}

func retryableWithSameKey(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
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
