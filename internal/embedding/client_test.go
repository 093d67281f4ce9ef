package embedding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/keypool"
	"github.com/shubamchaudhary/ChunkAI-sub000/internal/resilience"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

// fakeProvider scripts per-credential outcomes
type fakeProvider struct {
	dimension int
	responses map[string]error // credential -> error (nil = success)
	calls     []string

	mu sync.Mutex
}

func (f *fakeProvider) Name() string   { return "fake" }
func (f *fakeProvider) Dimension() int { return f.dimension }

func (f *fakeProvider) Embed(ctx context.Context, credential string, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, credential)
	err := f.responses[credential]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = make([]float32, f.dimension)
		vectors[i][0] = float32(i + 1)
	}
	return vectors, nil
}

func newClientForTest(t *testing.T, provider Provider, keys ...config.KeyConfig) *Client {
	t.Helper()
	pool, err := keypool.New(config.KeyPoolConfig{
		Keys:     keys,
		Cooldown: time.Minute,
	}, observability.NewNoopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewClient(provider, pool, 100, observability.NewNoopLogger(), nil,
		WithAcquireTimeout(time.Second),
		WithRetryConfig(resilience.RetryConfig{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		}))
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	provider := &fakeProvider{dimension: 4, responses: map[string]error{"sa": nil}}
	client := newClientForTest(t, provider, config.KeyConfig{ID: "a", Secret: "sa", RPM: 600})

	vectors, err := client.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(3), vectors[2][0])
}

func TestEmbedOneReturnsSingleVector(t *testing.T) {
	provider := &fakeProvider{dimension: 4, responses: map[string]error{"sa": nil}}
	client := newClientForTest(t, provider, config.KeyConfig{ID: "a", Secret: "sa", RPM: 600})

	vec, err := client.EmbedOne(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestEmbedBatchRejectsOversizedBatch(t *testing.T) {
	provider := &fakeProvider{dimension: 4}
	client := newClientForTest(t, provider, config.KeyConfig{ID: "a", Secret: "sa", RPM: 600})

	texts := make([]string, 101)
	for i := range texts {
		texts[i] = "x"
	}
	_, err := client.EmbedBatch(context.Background(), texts)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestEmbedBatchRotatesOnLeakedKey(t *testing.T) {
	leaked := &ProviderError{Provider: "fake", Code: "PERMISSION_DENIED", Message: "key leaked", StatusCode: 403}
	provider := &fakeProvider{
		dimension: 4,
		responses: map[string]error{"sa": leaked, "sb": nil},
	}
	client := newClientForTest(t, provider,
		config.KeyConfig{ID: "a", Secret: "sa", RPM: 600},
		config.KeyConfig{ID: "b", Secret: "sb", RPM: 600},
	)

	vectors, err := client.EmbedBatch(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)

	// One failed call on the leaked key, then the rotation target
	require.GreaterOrEqual(t, len(provider.calls), 2)
	assert.Equal(t, "sb", provider.calls[len(provider.calls)-1])
}

func TestEmbedBatchUnavailableWhenAllKeysLeaked(t *testing.T) {
	leaked := &ProviderError{Provider: "fake", Code: "PERMISSION_DENIED", Message: "key leaked", StatusCode: 403}
	provider := &fakeProvider{
		dimension: 4,
		responses: map[string]error{"sa": leaked, "sb": leaked},
	}
	client := newClientForTest(t, provider,
		config.KeyConfig{ID: "a", Secret: "sa", RPM: 600},
		config.KeyConfig{ID: "b", Secret: "sb", RPM: 600},
	)

	_, err := client.EmbedBatch(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestEmbedBatchRetriesTransientOnSameKey(t *testing.T) {
	transient := &ProviderError{Provider: "fake", Code: "UNAVAILABLE", Message: "overloaded", StatusCode: 503}

	attempts := 0
	provider := &scriptedProvider{dimension: 4, fn: func(credential string) error {
		attempts++
		if attempts < 3 {
			return transient
		}
		return nil
	}}
	client := newClientForTest(t, provider, config.KeyConfig{ID: "a", Secret: "sa", RPM: 600})

	_, err := client.EmbedBatch(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestEmbedBatchDoesNotRetryClientErrors(t *testing.T) {
	bad := &ProviderError{Provider: "fake", Code: "INVALID_ARGUMENT", Message: "bad input", StatusCode: 400}

	attempts := 0
	provider := &scriptedProvider{dimension: 4, fn: func(credential string) error {
		attempts++
		return bad
	}}
	client := newClientForTest(t, provider, config.KeyConfig{ID: "a", Secret: "sa", RPM: 600})

	_, err := client.EmbedBatch(context.Background(), []string{"hello"})
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Equal(t, 1, attempts)
}

// scriptedProvider delegates outcome selection to a closure
type scriptedProvider struct {
	dimension int
	fn        func(credential string) error
}

func (s *scriptedProvider) Name() string   { return "fake" }
func (s *scriptedProvider) Dimension() int { return s.dimension }

func (s *scriptedProvider) Embed(ctx context.Context, credential string, texts []string) ([][]float32, error) {
	if err := s.fn(credential); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = make([]float32, s.dimension)
	}
	return vectors, nil
}
