package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
)

// HTTPProvider implements Provider against a Gemini-style REST embedding API
type HTTPProvider struct {
	endpoint   string
	model      string
	dimension  int
	httpClient *http.Client
}

type embedContentRequest struct {
	Model   string       `json:"model"`
	Content embedContent `json:"content"`
}

type embedContent struct {
	Parts []embedPart `json:"parts"`
}

type embedPart struct {
	Text string `json:"text"`
}

type batchEmbedRequest struct {
	Requests []embedContentRequest `json:"requests"`
}

type batchEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

// NewHTTPProvider creates a provider from the embedding configuration
func NewHTTPProvider(cfg config.EmbeddingConfig) *HTTPProvider {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name
func (p *HTTPProvider) Name() string {
	return "gemini"
}

// Dimension returns the configured vector dimension
func (p *HTTPProvider) Dimension() int {
	return p.dimension
}

// Embed generates embeddings for the given texts in one batch call
func (p *HTTPProvider) Embed(ctx context.Context, credential string, texts []string) ([][]float32, error) {
	reqBody := batchEmbedRequest{
		Requests: make([]embedContentRequest, len(texts)),
	}
	for i, text := range texts {
		reqBody.Requests[i] = embedContentRequest{
			Model:   "models/" + p.model,
			Content: embedContent{Parts: []embedPart{{Text: text}}},
		}
	}

	resp, err := p.doRequest(ctx, credential, reqBody)
	if err != nil {
		return nil, err
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, &ProviderError{
			Provider: p.Name(),
			Code:     "BAD_RESPONSE",
			Message:  fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings)),
			// Treat as a server fault so the caller retries
			StatusCode: 502,
		}
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if len(e.Values) == 0 {
			return nil, &ProviderError{
				Provider:   p.Name(),
				Code:       "BAD_RESPONSE",
				Message:    fmt.Sprintf("empty embedding at index %d", i),
				StatusCode: 502,
			}
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

func (p *HTTPProvider) doRequest(ctx context.Context, credential string, reqBody batchEmbedRequest) (*batchEmbedResponse, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents", p.endpoint, p.model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", credential)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{
			Provider: p.Name(),
			Code:     "REQUEST_FAILED",
			Message:  err.Error(),
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
				Status  string `json:"status"`
			} `json:"error"`
		}

		perr := &ProviderError{
			Provider:   p.Name(),
			Code:       "UNKNOWN_ERROR",
			Message:    string(body),
			StatusCode: resp.StatusCode,
		}
		if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Status != "" {
			perr.Code = errorResp.Error.Status
			perr.Message = errorResp.Error.Message
		}
		return nil, perr
	}

	var batchResp batchEmbedResponse
	if err := json.Unmarshal(body, &batchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &batchResp, nil
}
