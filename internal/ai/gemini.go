// gemini.go - Google Gemini adapter (text + vision)

package ai

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	"google.golang.org/api/option"
)

const geminiMaxOutputTokens = 8192

// GeminiProvider implements Provider using the generative-ai-go SDK
type GeminiProvider struct {
	defaultAPIKey string
	defaultModel  string
	pricing       Pricing
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey, modelName string, pricing Pricing) *GeminiProvider {
	return &GeminiProvider{
		defaultAPIKey: apiKey,
		defaultModel:  modelName,
		pricing:       pricing,
	}
}

// Name returns "gemini"
func (g *GeminiProvider) Name() string {
	return "gemini"
}

// Capabilities reports text and vision support
func (g *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{Text: true, Vision: true}
}

// ProcessText sends a prompt-only request
func (g *GeminiProvider) ProcessText(ctx context.Context, req TextRequest) (*Response, error) {
	return g.generate(ctx, req, genai.Text(req.Prompt))
}

// ProcessVision sends the prompt followed by every image as an inline blob
func (g *GeminiProvider) ProcessVision(ctx context.Context, req VisionRequest) (*Response, error) {
	if len(req.Images) == 0 {
		return nil, &ProviderError{Provider: g.Name(), Category: "bad_request", Message: "vision request without images"}
	}

	parts := []genai.Part{genai.Text(req.Prompt)}
	for _, img := range req.Images {
		parts = append(parts, genai.Blob{
			MIMEType: mimeOrJPEG(img.MIMEType),
			Data:     img.Data,
		})
	}
	return g.generate(ctx, req.TextRequest, parts...)
}

func (g *GeminiProvider) generate(ctx context.Context, req TextRequest, parts ...genai.Part) (*Response, error) {
	apiKey := firstNonEmpty(req.Credential.APIKey, g.defaultAPIKey)
	modelName := firstNonEmpty(req.Credential.Model, g.defaultModel)

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, categorizeError(g.Name(), eris.Wrap(err, "gemini: create client"))
	}
	defer client.Close()

	model := client.GenerativeModel(modelName)
	// Set explicit MaxOutputTokens to prevent silent truncation
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: ptr(int32(maxTokensOr(req.MaxTokens, geminiMaxOutputTokens))),
	}
	if req.Temperature != nil {
		model.SetTemperature(*req.Temperature)
	}
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = createExtractionSchema()

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, categorizeError(g.Name(), err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, categorizeError(g.Name(), ErrEmptyResponse)
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	content := sb.String()
	if strings.TrimSpace(content) == "" {
		return nil, categorizeError(g.Name(), ErrEmptyResponse)
	}

	out := &Response{
		Content: content,
		Fields:  ParseFields(content),
		Model:   modelName,
	}
	if resp.UsageMetadata != nil {
		out.Usage = g.pricing.Cost(
			int(resp.UsageMetadata.PromptTokenCount),
			int(resp.UsageMetadata.CandidatesTokenCount),
		)
	}

	return out, nil
}

// createExtractionSchema creates the JSON schema for packaging extraction
func createExtractionSchema() *genai.Schema {
	field := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: desc, Nullable: true}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"product_name": field("Brand or generic product name including strength"),
			"batch_number": field("Batch or lot number exactly as printed"),
			"expiry_date":  field("Expiry date as printed"),
			"manufacturer": field("Manufacturer or marketing authorisation holder"),
			"raw_text":     field("All visible text, top to bottom"),
		},
	}
}

// ptr is a helper function to get a pointer to an int32 value
func ptr(i int32) *int32 {
	return &i
}

func mimeOrJPEG(mime string) string {
	if mime == "" {
		return "image/jpeg"
	}
	return mime
}
