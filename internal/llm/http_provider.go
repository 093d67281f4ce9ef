package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
)

// HTTPProvider implements Provider against a Gemini-style REST generation API
type HTTPProvider struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

type generateContentRequest struct {
	SystemInstruction *contentBlock    `json:"system_instruction,omitempty"`
	Contents          []contentBlock   `json:"contents"`
	Tools             []toolBlock      `json:"tools,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type contentBlock struct {
	Role  string     `json:"role,omitempty"`
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type toolBlock struct {
	GoogleSearch struct{} `json:"google_search"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []textPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// NewHTTPProvider creates a provider from the LLM configuration
func NewHTTPProvider(cfg config.LLMConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &HTTPProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name
func (p *HTTPProvider) Name() string {
	return "gemini"
}

// Generate produces the model's text for the request
func (p *HTTPProvider) Generate(ctx context.Context, credential string, req GenerateRequest) (string, error) {
	body := generateContentRequest{
		Contents: []contentBlock{
			{Role: "user", Parts: []textPart{{Text: req.Prompt}}},
		},
		GenerationConfig: generationConfig{MaxOutputTokens: req.MaxOutputTokens},
	}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &contentBlock{Parts: []textPart{{Text: req.SystemInstruction}}}
	}
	if req.ExternalSearch {
		body.Tools = []toolBlock{{}}
	}

	resp, err := p.doRequest(ctx, credential, body)
	if err != nil {
		return "", err
	}

	if resp.PromptFeedback.BlockReason != "" {
		return "", &ProviderError{
			Provider: p.Name(),
			Code:     "PROHIBITED_CONTENT",
			Message:  fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason),
		}
	}
	if len(resp.Candidates) == 0 {
		return "", &ProviderError{
			Provider:   p.Name(),
			Code:       "BAD_RESPONSE",
			Message:    "no candidates in response",
			StatusCode: 502,
		}
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		return "", &ProviderError{
			Provider: p.Name(),
			Code:     "SAFETY",
			Message:  "generation blocked by safety filters",
		}
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", &ProviderError{
			Provider:   p.Name(),
			Code:       "BAD_RESPONSE",
			Message:    "empty candidate text",
			StatusCode: 502,
		}
	}
	return sb.String(), nil
}

func (p *HTTPProvider) doRequest(ctx context.Context, credential string, reqBody generateContentRequest) (*generateContentResponse, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.endpoint, p.model)

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

	var genResp generateContentResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &genResp, nil
}
