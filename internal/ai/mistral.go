// mistral.go - Mistral AI adapter: OCR endpoint for vision, chat completions for text

package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

const mistralBaseURL = "https://api.mistral.ai"

// MistralProvider implements Provider for Mistral AI
type MistralProvider struct {
	apiKey       string
	ocrModel     string
	textModel    string
	baseURL      string
	pricePerPage float64
	textPricing  Pricing
	client       *http.Client
}

// MistralOption configures a MistralProvider
type MistralOption func(*MistralProvider)

// WithMistralBaseURL overrides the API base URL
func WithMistralBaseURL(url string) MistralOption {
	return func(m *MistralProvider) {
		m.baseURL = strings.TrimRight(url, "/")
	}
}

// WithMistralHTTPClient overrides the default http.Client
func WithMistralHTTPClient(hc *http.Client) MistralOption {
	return func(m *MistralProvider) {
		m.client = hc
	}
}

// NewMistralProvider creates a new Mistral AI provider
func NewMistralProvider(apiKey, ocrModel, textModel string, pricePerPage float64, textPricing Pricing, opts ...MistralOption) *MistralProvider {
	m := &MistralProvider{
		apiKey:       apiKey,
		ocrModel:     ocrModel,
		textModel:    textModel,
		baseURL:      mistralBaseURL,
		pricePerPage: pricePerPage,
		textPricing:  textPricing,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Name returns "mistral"
func (m *MistralProvider) Name() string {
	return "mistral"
}

// Capabilities reports text and vision support
func (m *MistralProvider) Capabilities() Capabilities {
	return Capabilities{Text: true, Vision: true}
}

// Mistral OCR API request/response structures
type mistralOCRDocument struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url,omitempty"`
}

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type mistralOCRResponse struct {
	Model     string           `json:"model"`
	Pages     []mistralOCRPage `json:"pages"`
	UsageInfo struct {
		PagesProcessed int `json:"pages_processed"`
	} `json:"usage_info"`
}

type mistralChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mistralChatRequest struct {
	Model          string               `json:"model"`
	Messages       []mistralChatMessage `json:"messages"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	Temperature    *float32             `json:"temperature,omitempty"`
	ResponseFormat map[string]string    `json:"response_format,omitempty"`
}

type mistralChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message mistralChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type mistralErrorResponse struct {
	Message string `json:"message"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ProcessVision runs every image through the OCR endpoint and parses the combined markdown
func (m *MistralProvider) ProcessVision(ctx context.Context, req VisionRequest) (*Response, error) {
	if len(req.Images) == 0 {
		return nil, &ProviderError{Provider: m.Name(), Category: "bad_request", Message: "vision request without images"}
	}

	model := firstNonEmpty(req.Credential.Model, m.ocrModel)
	var text strings.Builder
	pages := 0

	for _, img := range req.Images {
		mimeType := mimeOrJPEG(img.MIMEType)
		if mimeType == "application/pdf" {
			return nil, &ProviderError{Provider: m.Name(), Category: "bad_request", Message: "PDF is not accepted as base64 image"}
		}

		var resp mistralOCRResponse
		err := m.post(ctx, req.Credential.APIKey, "/v1/ocr", mistralOCRRequest{
			Model: model,
			Document: mistralOCRDocument{
				Type:     "image_url",
				ImageURL: fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(img.Data)),
			},
		}, &resp)
		if err != nil {
			return nil, err
		}

		for _, page := range resp.Pages {
			if text.Len() > 0 {
				text.WriteString("\n\n")
			}
			text.WriteString(page.Markdown)
		}
		pages += resp.UsageInfo.PagesProcessed
	}

	content := text.String()
	if strings.TrimSpace(content) == "" {
		return nil, categorizeError(m.Name(), ErrEmptyResponse)
	}

	return &Response{
		Content: content,
		Fields:  ParseFields(content),
		Usage:   common.CalculatePageCost(pages, m.pricePerPage),
		Model:   model,
	}, nil
}

// ProcessText uses chat completions in JSON mode
func (m *MistralProvider) ProcessText(ctx context.Context, req TextRequest) (*Response, error) {
	model := m.textModel
	if req.Credential.Model != "" && !strings.Contains(req.Credential.Model, "ocr") {
		model = req.Credential.Model
	}

	var resp mistralChatResponse
	err := m.post(ctx, req.Credential.APIKey, "/v1/chat/completions", mistralChatRequest{
		Model:          model,
		Messages:       []mistralChatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	}, &resp)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, categorizeError(m.Name(), ErrEmptyResponse)
	}
	content := resp.Choices[0].Message.Content

	return &Response{
		Content: content,
		Fields:  ParseFields(content),
		Usage:   m.textPricing.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		Model:   model,
	}, nil
}

func (m *MistralProvider) post(ctx context.Context, apiKey, path string, body, out interface{}) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "mistral: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return eris.Wrap(err, "mistral: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+firstNonEmpty(apiKey, m.apiKey))

	resp, err := m.client.Do(req)
	if err != nil {
		return categorizeError(m.Name(), eris.Wrap(err, "mistral: send request"))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return categorizeError(m.Name(), eris.Wrap(err, "mistral: read response"))
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp mistralErrorResponse
		msg := string(respBody)
		if err := json.Unmarshal(respBody, &errorResp); err == nil {
			if errorResp.Error.Message != "" {
				msg = errorResp.Error.Message
			} else if errorResp.Message != "" {
				msg = errorResp.Message
			}
		}
		return newHTTPError(m.Name(), resp.StatusCode, msg)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return categorizeError(m.Name(), eris.Wrap(err, "mistral: unmarshal response"))
	}
	return nil
}
