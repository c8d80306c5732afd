// interface.go - Provider adapter interface shared by every inference vendor

package ai

import (
	"context"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

// Provider is one vendor integration. Adapters normalize their output into Response and
// return *ProviderError (or a wrapped error) on failure.
type Provider interface {
	// Name returns the provider id used in assignments (e.g. "gemini", "tesseract")
	Name() string

	// Capabilities reports which paths the adapter implements
	Capabilities() Capabilities

	// ProcessText runs a prompt-only request
	ProcessText(ctx context.Context, req TextRequest) (*Response, error)

	// ProcessVision runs a prompt plus one or more images
	ProcessVision(ctx context.Context, req VisionRequest) (*Response, error)
}

// Capabilities describes what an adapter can do
type Capabilities struct {
	Text   bool
	Vision bool
	// Local adapters run in-process and need no credential
	Local bool
}

// Credential is injected per call by the assignment resolver
type Credential struct {
	APIKey string
	Model  string
}

// TextRequest is the adapter-facing text request
type TextRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature *float32
	Credential  Credential
}

// VisionRequest adds images to a TextRequest
type VisionRequest struct {
	TextRequest
	Images []common.Blob
}

// Response is the normalized adapter output
type Response struct {
	Content string
	Fields  *common.ExtractedFields
	Usage   common.TokenUsage
	Model   string
}

// Pricing is per-million-token USD pricing
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Cost converts token counts into a TokenUsage with USD cost
func (p Pricing) Cost(inputTokens, outputTokens int) common.TokenUsage {
	return common.CalculateTokenCost(inputTokens, outputTokens, p.InputPerMillion, p.OutputPerMillion)
}

func maxTokensOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

func firstNonEmpty(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
