// perplexity.go - Perplexity chat adapter (text only, used for verification)

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const perplexityBaseURL = "https://api.perplexity.ai"

// PerplexityProvider implements Provider over the Perplexity chat completions API.
// It has no vision path; tier policy must redirect OCR work elsewhere.
type PerplexityProvider struct {
	apiKey  string
	model   string
	baseURL string
	pricing Pricing
	http    *http.Client
}

// NewPerplexityProvider creates a Perplexity provider. baseURL may be empty for the public API.
func NewPerplexityProvider(apiKey, model, baseURL string, pricing Pricing) *PerplexityProvider {
	return &PerplexityProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(firstNonEmpty(baseURL, perplexityBaseURL), "/"),
		pricing: pricing,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Name returns "perplexity"
func (p *PerplexityProvider) Name() string {
	return "perplexity"
}

// Capabilities reports text support only
func (p *PerplexityProvider) Capabilities() Capabilities {
	return Capabilities{Text: true}
}

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityRequest struct {
	Model       string              `json:"model"`
	Messages    []perplexityMessage `json:"messages"`
	Temperature *float32            `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type perplexityResponse struct {
	Choices []struct {
		Message perplexityMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ProcessVision always fails; see Capabilities
func (p *PerplexityProvider) ProcessVision(ctx context.Context, req VisionRequest) (*Response, error) {
	return nil, ErrVisionUnsupported
}

// ProcessText posts a single user message
func (p *PerplexityProvider) ProcessText(ctx context.Context, req TextRequest) (*Response, error) {
	model := firstNonEmpty(req.Credential.Model, p.model)

	body, err := json.Marshal(perplexityRequest{
		Model:       model,
		Messages:    []perplexityMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+firstNonEmpty(req.Credential.APIKey, p.apiKey))

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, categorizeError(p.Name(), eris.Wrap(err, "perplexity: send request"))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, categorizeError(p.Name(), eris.Wrap(err, "perplexity: read response"))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPError(p.Name(), resp.StatusCode, string(respBody))
	}

	var result perplexityResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, categorizeError(p.Name(), eris.Wrap(err, "perplexity: unmarshal response"))
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return nil, categorizeError(p.Name(), ErrEmptyResponse)
	}
	content := result.Choices[0].Message.Content

	return &Response{
		Content: content,
		Fields:  ParseFields(content),
		Usage:   p.pricing.Cost(result.Usage.PromptTokens, result.Usage.CompletionTokens),
		Model:   model,
	}, nil
}
