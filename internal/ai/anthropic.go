// anthropic.go - Anthropic Claude adapter (text + vision)

package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

const anthropicMaxTokens = 2048

// AnthropicProvider implements Provider using the official anthropic-sdk-go
type AnthropicProvider struct {
	defaultAPIKey string
	defaultModel  string
	pricing       Pricing
	opts          []option.RequestOption
}

// NewAnthropicProvider creates a new Anthropic provider. Extra request options (base URL,
// http client) are passed through to the SDK.
func NewAnthropicProvider(apiKey, modelName string, pricing Pricing, opts ...option.RequestOption) *AnthropicProvider {
	return &AnthropicProvider{
		defaultAPIKey: apiKey,
		defaultModel:  modelName,
		pricing:       pricing,
		opts:          opts,
	}
}

// Name returns "anthropic"
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// Capabilities reports text and vision support
func (a *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{Text: true, Vision: true}
}

// ProcessText sends a single user text block
func (a *AnthropicProvider) ProcessText(ctx context.Context, req TextRequest) (*Response, error) {
	return a.create(ctx, req, sdk.NewTextBlock(req.Prompt))
}

// ProcessVision sends every image as a base64 block followed by the prompt
func (a *AnthropicProvider) ProcessVision(ctx context.Context, req VisionRequest) (*Response, error) {
	if len(req.Images) == 0 {
		return nil, &ProviderError{Provider: a.Name(), Category: "bad_request", Message: "vision request without images"}
	}

	blocks := make([]sdk.ContentBlockParamUnion, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, sdk.NewImageBlockBase64(mimeOrJPEG(img.MIMEType), base64.StdEncoding.EncodeToString(img.Data)))
	}
	blocks = append(blocks, sdk.NewTextBlock(req.Prompt))
	return a.create(ctx, req.TextRequest, blocks...)
}

func (a *AnthropicProvider) create(ctx context.Context, req TextRequest, blocks ...sdk.ContentBlockParamUnion) (*Response, error) {
	modelName := firstNonEmpty(req.Credential.Model, a.defaultModel)

	opts := append([]option.RequestOption{option.WithAPIKey(firstNonEmpty(req.Credential.APIKey, a.defaultAPIKey))}, a.opts...)
	client := sdk.NewClient(opts...)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelName),
		MaxTokens: int64(maxTokensOr(req.MaxTokens, anthropicMaxTokens)),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(float64(*req.Temperature))
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, newHTTPError(a.Name(), apiErr.StatusCode, apiErr.Error())
		}
		return nil, categorizeError(a.Name(), eris.Wrap(err, "anthropic: create message"))
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	content := sb.String()
	if strings.TrimSpace(content) == "" {
		return nil, categorizeError(a.Name(), ErrEmptyResponse)
	}

	return &Response{
		Content: content,
		Fields:  ParseFields(content),
		Usage:   a.pricing.Cost(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
		Model:   string(msg.Model),
	}, nil
}
