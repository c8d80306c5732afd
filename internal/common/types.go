// types.go - Shared request / extraction types

package common

import "strings"

// TaskKind identifies what a provider is asked to do
type TaskKind string

const (
	TaskOCR     TaskKind = "ocr"
	TaskVerify  TaskKind = "verify"
	TaskExtract TaskKind = "extract"
)

// Valid reports whether k is one of the known task kinds
func (k TaskKind) Valid() bool {
	switch k {
	case TaskOCR, TaskVerify, TaskExtract:
		return true
	}
	return false
}

// Blob is an in-memory image
type Blob struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// ExtractionRequest is one unit of work routed to a provider. Treat as immutable.
type ExtractionRequest struct {
	Task        TaskKind
	Prompt      string
	Images      []Blob
	MaxTokens   int
	Temperature *float32
}

// HasImages reports whether the request carries at least one non-empty image
func (r ExtractionRequest) HasImages() bool {
	for _, img := range r.Images {
		if len(img.Data) > 0 {
			return true
		}
	}
	return false
}

// WithImages returns a copy of the request that carries imgs instead of the original images
func (r ExtractionRequest) WithImages(imgs []Blob) ExtractionRequest {
	r.Images = imgs
	return r
}

// ExtractedFields holds the fields read off a package. Nil means the provider did not produce it.
type ExtractedFields struct {
	ProductName  *string `json:"product_name,omitempty" bson:"product_name,omitempty"`
	BatchNumber  *string `json:"batch_number,omitempty" bson:"batch_number,omitempty"`
	ExpiryDate   *string `json:"expiry_date,omitempty" bson:"expiry_date,omitempty"`
	Manufacturer *string `json:"manufacturer,omitempty" bson:"manufacturer,omitempty"`
	Confidence   float64 `json:"confidence" bson:"confidence"`
}

// Empty reports whether none of the four fields is present
func (f *ExtractedFields) Empty() bool {
	return f == nil || (f.ProductName == nil && f.BatchNumber == nil && f.ExpiryDate == nil && f.Manufacturer == nil)
}

// OptionalString trims s and returns nil when nothing is left
func OptionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "n/a") {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
