// Package embedding turns text into fixed-dimension vectors using a pool of
// provider credentials, with retry and key failover.
package embedding

import (
	"context"
	"fmt"
	"time"
)

// Provider is the raw transport to an embedding backend. Credentials are
// supplied per call because they rotate across the key pool.
type Provider interface {
	// Name returns the provider name
	Name() string

	// Embed returns one vector per input text, in input order
	Embed(ctx context.Context, credential string, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension this provider produces
	Dimension() int
}

// ProviderError represents an error from a provider
type ProviderError struct {
	Provider   string         `json:"provider"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code,omitempty"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error [%s]: %s", e.Provider, e.Code, e.Message)
}

// Retryable reports whether the call may succeed on retry with the same
// credential: connection errors, 429 and 5xx.
func (e *ProviderError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	switch e.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// KeyLeaked reports whether the provider rejected the credential itself.
// These calls must move to a different key, not retry the same one.
func (e *ProviderError) KeyLeaked() bool {
	return e.StatusCode == 403
}

// RateLimited reports whether the provider throttled the credential
func (e *ProviderError) RateLimited() bool {
	return e.StatusCode == 429
}
