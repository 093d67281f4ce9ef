// Package llm is the generation-side provider client. It shares the key
// pool with the embedding client but speaks the text generation API and
// supports external search grounding.
package llm

import (
	"context"
	"fmt"
	"time"
)

// GenerateRequest is one generation call
type GenerateRequest struct {
	Prompt            string
	SystemInstruction string

	// ExternalSearch asks the provider to ground the answer with web
	// search results. Only set when no document context exists.
	ExternalSearch bool

	MaxOutputTokens int
}

// Provider is the raw transport to a generation backend
type Provider interface {
	// Name returns the provider name
	Name() string

	// Generate produces the model's text for the request
	Generate(ctx context.Context, credential string, req GenerateRequest) (string, error)
}

// ProviderError represents an error from the generation provider
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
// credential: connection errors, 429 and 5xx. Content policy blocks are
// never retryable.
func (e *ProviderError) Retryable() bool {
	if e.ContentPolicy() {
		return false
	}
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

// KeyLeaked reports whether the provider rejected the credential itself
func (e *ProviderError) KeyLeaked() bool {
	return e.StatusCode == 403
}

// RateLimited reports whether the provider throttled the credential
func (e *ProviderError) RateLimited() bool {
	return e.StatusCode == 429
}

// ContentPolicy reports whether generation was blocked by safety filters
func (e *ProviderError) ContentPolicy() bool {
	return e.Code == "SAFETY" || e.Code == "PROHIBITED_CONTENT"
}
