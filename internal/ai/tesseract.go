// tesseract.go - Local Tesseract OCR engine, the always-available last resort

package ai

import (
	"context"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"github.com/rotisserie/eris"
)

// TesseractProvider runs OCR in-process. Free, offline, vision only.
type TesseractProvider struct {
	languages []string
}

// NewTesseractProvider creates a local OCR engine for the given tesseract language codes
func NewTesseractProvider(languages ...string) *TesseractProvider {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &TesseractProvider{languages: languages}
}

// Name returns "tesseract"
func (t *TesseractProvider) Name() string {
	return "tesseract"
}

// Capabilities reports a local vision-only engine
func (t *TesseractProvider) Capabilities() Capabilities {
	return Capabilities{Vision: true, Local: true}
}

// ProcessText always fails; tesseract only reads images
func (t *TesseractProvider) ProcessText(ctx context.Context, req TextRequest) (*Response, error) {
	return nil, ErrTextUnsupported
}

// ProcessVision OCRs each image and parses the combined text heuristically
func (t *TesseractProvider) ProcessVision(ctx context.Context, req VisionRequest) (*Response, error) {
	if len(req.Images) == 0 {
		return nil, &ProviderError{Provider: t.Name(), Category: "bad_request", Message: "vision request without images"}
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, categorizeError(t.Name(), eris.Wrap(err, "tesseract: set language"))
	}

	var text strings.Builder
	for _, img := range req.Images {
		if err := ctx.Err(); err != nil {
			return nil, categorizeError(t.Name(), err)
		}
		if err := client.SetImageFromBytes(img.Data); err != nil {
			return nil, categorizeError(t.Name(), eris.Wrap(err, "tesseract: set image"))
		}
		out, err := client.Text()
		if err != nil {
			return nil, categorizeError(t.Name(), eris.Wrap(err, "tesseract: extract text"))
		}
		if text.Len() > 0 {
			text.WriteString("\n")
		}
		text.WriteString(out)
	}

	content := text.String()
	if strings.TrimSpace(content) == "" {
		return nil, categorizeError(t.Name(), ErrEmptyResponse)
	}

	return &Response{
		Content: content,
		Fields:  ParseFields(content),
		Model:   "tesseract-local",
	}, nil
}
