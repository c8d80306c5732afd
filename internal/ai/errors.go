// errors.go - Provider error types and quota/billing classification

package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"google.golang.org/api/googleapi"
)

// ErrorKind is the recorder-facing classification of a failed attempt
type ErrorKind string

const (
	ErrorKindNone  ErrorKind = ""
	ErrorKindQuota ErrorKind = "quota"
	ErrorKindOther ErrorKind = "other"
)

var (
	ErrVisionUnsupported = eris.New("ai: provider has no vision capability")
	ErrTextUnsupported   = eris.New("ai: provider has no text capability")
	ErrEmptyResponse     = eris.New("ai: empty response from provider")
)

// quotaKeywords are matched case-insensitively as substrings of the error message
var quotaKeywords = []string{
	"429",
	"quota",
	"billing",
	"rate limit",
	"rate_limit",
	"too many requests",
	"insufficient_quota",
	"payment required",
}

// ClassifyError maps an error message to an ErrorKind. Pure; safe to call anywhere.
func ClassifyError(message string) ErrorKind {
	if message == "" {
		return ErrorKindNone
	}
	lower := strings.ToLower(message)
	for _, kw := range quotaKeywords {
		if strings.Contains(lower, kw) {
			return ErrorKindQuota
		}
	}
	return ErrorKindOther
}

// ClassifyErr classifies err, honouring typed status codes before falling back to the message
func ClassifyErr(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	var perr *ProviderError
	if errors.As(err, &perr) && isQuotaStatus(perr.StatusCode) {
		return ErrorKindQuota
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && isQuotaStatus(apiErr.Code) {
		return ErrorKindQuota
	}

	return ClassifyError(err.Error())
}

func isQuotaStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusPaymentRequired
}

// ProviderError is a categorized adapter failure
type ProviderError struct {
	Provider   string
	StatusCode int
	Category   string
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: [%s] %s (status: %d)", e.Provider, e.Category, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: [%s] %s", e.Provider, e.Category, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// newHTTPError builds a ProviderError from a non-2xx vendor response
func newHTTPError(provider string, status int, message string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Category:   categoryForStatus(status),
		Message:    message,
	}
}

func categoryForStatus(code int) string {
	switch {
	case code == 400:
		return "bad_request"
	case code == 401:
		return "unauthorized"
	case code == 402:
		return "billing"
	case code == 403:
		return "forbidden"
	case code == 404:
		return "not_found"
	case code == 413:
		return "payload_too_large"
	case code == 429:
		return "rate_limit"
	case code >= 500:
		return "server_error"
	default:
		return "unknown_api_error"
	}
}

// categorizeError wraps an arbitrary adapter error into a ProviderError
func categorizeError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}

	out := &ProviderError{
		Provider: provider,
		Category: "unknown",
		Message:  err.Error(),
		Cause:    err,
	}

	var apiErr *googleapi.Error
	switch {
	case errors.As(err, &apiErr):
		out.StatusCode = apiErr.Code
		out.Category = categoryForStatus(apiErr.Code)
		if apiErr.Message != "" {
			out.Message = apiErr.Message
		}
	case errors.Is(err, context.DeadlineExceeded):
		out.Category = "timeout"
	case errors.Is(err, context.Canceled):
		out.Category = "canceled"
	case ClassifyError(err.Error()) == ErrorKindQuota:
		out.Category = "quota_exceeded"
	case strings.Contains(strings.ToLower(err.Error()), "connection"),
		strings.Contains(strings.ToLower(err.Error()), "network"):
		out.Category = "network"
	}

	return out
}
