package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosocmputer/pharma_ocr_router/internal/ai"
	"github.com/bosocmputer/pharma_ocr_router/internal/common"
	"github.com/bosocmputer/pharma_ocr_router/internal/routing"
)

type recordingLimiter struct {
	waited []string
	err    error
}

func (l *recordingLimiter) Wait(_ context.Context, provider string) error {
	l.waited = append(l.waited, provider)
	return l.err
}

func TestInvoke_TextPath(t *testing.T) {
	mistral := newFake("mistral", textCaps, result{fields: highFields(), cost: 0.0003})
	inv := newTestInvoker(mistral)

	a := assign("mistral")[0]
	a.Model.MaxTokens = 900
	temp := float32(0.2)

	rec, err := inv.Invoke(t.Context(), a, common.ExtractionRequest{
		Task:        common.TaskVerify,
		Prompt:      "Double-check the batch against the carton",
		Temperature: &temp,
	}, StrategyPrimary)
	require.NoError(t, err)

	assert.True(t, rec.Success)
	assert.Equal(t, "mistral", rec.ProviderID)
	assert.Equal(t, StrategyPrimary, rec.Strategy)
	assert.Equal(t, "mistral-model", rec.Model)
	assert.InDelta(t, 0.955, rec.Confidence, 1e-4)
	assert.InDelta(t, 0.955, rec.Fields.Confidence, 1e-4)
	assert.InDelta(t, 0.0003, rec.CostUSD, 1e-12)
	require.NotNil(t, rec.Validation)
	assert.True(t, rec.Validation.IsValid)

	calls := mistral.callLog()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].vision)
	assert.Equal(t, ai.Credential{APIKey: "mistral-key", Model: "mistral-configured"}, calls[0].cred)
	assert.Equal(t, 900, calls[0].req.MaxTokens, "assignment max tokens apply when the request has none")
	assert.Equal(t, &temp, calls[0].req.Temperature)
	assert.Contains(t, calls[0].req.Prompt, "Double-check the batch against the carton")
}

func TestInvoke_VisionPathForOCRWithImages(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: highFields()})
	inv := newTestInvoker(gemini)

	rec, err := inv.Invoke(t.Context(), assign("gemini")[0], ocrRequest(t), StrategyPrimary)
	require.NoError(t, err)
	assert.True(t, rec.Success)

	calls := gemini.callLog()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].vision)
	assert.Len(t, calls[0].images, 1)
}

func TestInvoke_ParsesContentWhenAdapterGivesNoFields(t *testing.T) {
	p := newFake("perplexity", textCaps, result{content: `{"batch_number": "AB12345"}`})
	inv := newTestInvoker(p)

	rec, err := inv.Invoke(t.Context(), assign("perplexity")[0], common.ExtractionRequest{Task: common.TaskExtract}, StrategyPrimary)
	require.NoError(t, err)

	assert.True(t, rec.Success)
	assert.Equal(t, "AB12345", common.Deref(rec.Fields.BatchNumber))
	assert.InDelta(t, 1.0, rec.Confidence, 1e-4)
}

func TestInvoke_VisionRedirect(t *testing.T) {
	perplexity := newFake("perplexity", textCaps)
	gemini := newFake("gemini", visionCaps, result{fields: highFields()})
	limiter := &recordingLimiter{}
	inv := NewInvoker(ai.NewRegistry(perplexity, gemini), limiter, testValidator(), 0)

	a := assign("perplexity")[0]
	a.Model.VisionRedirect = "gemini"

	rec, err := inv.Invoke(t.Context(), a, ocrRequest(t), StrategyPrimary)
	require.NoError(t, err)

	assert.True(t, rec.Success)
	assert.Equal(t, "perplexity", rec.ProviderID)
	assert.Equal(t, "gemini", rec.RedirectedTo)
	assert.Empty(t, perplexity.callLog())

	calls := gemini.callLog()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].vision)
	assert.Equal(t, ai.Credential{}, calls[0].cred, "the redirect target uses its own key")
	assert.Equal(t, []string{"gemini"}, limiter.waited)
}

func TestInvoke_VisionUnsupportedWithoutRedirect(t *testing.T) {
	inv := newTestInvoker(newFake("perplexity", textCaps))

	rec, err := inv.Invoke(t.Context(), assign("perplexity")[0], ocrRequest(t), StrategyPrimary)
	require.NoError(t, err)

	assert.False(t, rec.Success)
	assert.Equal(t, ai.ErrorKindOther, rec.ErrorKind)
	assert.Contains(t, rec.Err, "vision")
}

func TestInvoke_QuotaIsReturned(t *testing.T) {
	quota := &ai.ProviderError{Provider: "gemini", StatusCode: 429, Category: "rate_limit", Message: "Resource has been exhausted"}
	inv := newTestInvoker(newFake("gemini", visionCaps, result{err: quota}))

	rec, err := inv.Invoke(t.Context(), assign("gemini")[0], ocrRequest(t), StrategyPrimary)
	require.Error(t, err)

	var qe *QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "gemini", qe.ProviderID)
	assert.False(t, rec.Success)
	assert.Equal(t, ai.ErrorKindQuota, rec.ErrorKind)
	assert.NotEmpty(t, rec.Err)
}

func TestInvoke_RedirectedQuotaNamesTheTarget(t *testing.T) {
	quota := &ai.ProviderError{Provider: "gemini", StatusCode: 429, Category: "rate_limit", Message: "Resource has been exhausted"}
	inv := newTestInvoker(newFake("perplexity", textCaps), newFake("gemini", visionCaps, result{err: quota}))

	a := assign("perplexity")[0]
	a.Model.VisionRedirect = "gemini"
	rec, err := inv.Invoke(t.Context(), a, ocrRequest(t), StrategyPrimary)
	require.Error(t, err)

	var qe *QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "gemini", qe.ProviderID)
	assert.Equal(t, "perplexity", qe.RedirectedFrom)
	assert.Equal(t, "gemini", rec.BilledProvider())
	assert.Equal(t, "perplexity", rec.ProviderID)
}

func TestInvoke_FailuresStayInTheRecord(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		limiter  Limiter
		id       string
	}{
		{"transport error", newFake("mistral", textCaps, result{err: errors.New("connection reset by peer")}), nil, "mistral"},
		{"empty response", newFake("mistral", textCaps, result{}), nil, "mistral"},
		{"unregistered provider", newFake("mistral", textCaps), nil, "cohere"},
		{"limiter cancelled", newFake("mistral", textCaps), &recordingLimiter{err: context.Canceled}, "mistral"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewInvoker(ai.NewRegistry(tt.provider), tt.limiter, testValidator(), 0)

			rec, err := inv.Invoke(t.Context(), assign(tt.id)[0], common.ExtractionRequest{Task: common.TaskVerify}, StrategyPrimary)
			require.NoError(t, err)
			assert.False(t, rec.Success)
			assert.Equal(t, ai.ErrorKindOther, rec.ErrorKind)
			assert.NotEmpty(t, rec.Err)
			assert.Nil(t, rec.Fields)
		})
	}
}

func TestInvoker_CanSeeImages(t *testing.T) {
	inv := newTestInvoker(
		newFake("gemini", visionCaps),
		newFake("perplexity", textCaps),
		newFake("tesseract", localCaps),
	)

	redirected := routing.ProviderAssignment{ProviderID: "perplexity", Model: routing.ModelConfig{VisionRedirect: "gemini"}}
	badRedirect := routing.ProviderAssignment{ProviderID: "perplexity", Model: routing.ModelConfig{VisionRedirect: "nowhere"}}

	assert.True(t, inv.CanSeeImages(routing.ProviderAssignment{ProviderID: "gemini"}))
	assert.True(t, inv.CanSeeImages(routing.ProviderAssignment{ProviderID: "tesseract"}))
	assert.True(t, inv.CanSeeImages(redirected))
	assert.False(t, inv.CanSeeImages(routing.ProviderAssignment{ProviderID: "perplexity"}))
	assert.False(t, inv.CanSeeImages(badRedirect))
	assert.False(t, inv.CanSeeImages(routing.ProviderAssignment{ProviderID: "unknown"}))
}

func TestInvoke_CrossChecksAgainstTranscription(t *testing.T) {
	content := `{"batch_number": "ZX99871", "raw_text": "PARACETAMOL 500MG EXP 12/2027"}`
	inv := newTestInvoker(newFake("anthropic", textCaps, result{content: content}))

	rec, err := inv.Invoke(t.Context(), assign("anthropic")[0], common.ExtractionRequest{Task: common.TaskExtract}, StrategyPrimary)
	require.NoError(t, err)

	require.NotNil(t, rec.Validation)
	batch := rec.Validation.PerField.BatchNumber
	assert.Contains(t, batch.Issues, "value not found in source text")
	assert.InDelta(t, 0.9, batch.Confidence, 1e-4)
}

func TestInvoke_JSONWithoutTranscriptionSkipsCrossCheck(t *testing.T) {
	inv := newTestInvoker(newFake("perplexity", textCaps, result{content: `{"batch_number": "ZX99871"}`}))

	rec, err := inv.Invoke(t.Context(), assign("perplexity")[0], common.ExtractionRequest{Task: common.TaskExtract}, StrategyPrimary)
	require.NoError(t, err)

	batch := rec.Validation.PerField.BatchNumber
	assert.Empty(t, batch.Issues)
	assert.InDelta(t, 1.0, batch.Confidence, 1e-4)
}
