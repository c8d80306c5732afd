package fallback

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosocmputer/pharma_ocr_router/internal/ai"
	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

func strategies(out *FallbackOutcome) []string {
	s := make([]string, 0, len(out.Attempts))
	for _, a := range out.Attempts {
		s = append(s, a.Strategy)
	}
	return s
}

func hasDecision(out *FallbackOutcome, substr string) bool {
	for _, d := range out.Decisions {
		if strings.Contains(d, substr) {
			return true
		}
	}
	return false
}

func TestRunFallback_FirstProviderConfident(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: highFields(), cost: 0.001})
	mistral := newFake("mistral", visionCaps)
	h := newHarness(assign("gemini", "mistral"), gemini, mistral)

	out := h.orch.RunFallback(t.Context(), ocrRequest(t), testOptions())

	assert.True(t, out.Success)
	assert.Equal(t, DegradationNone, out.DegradationLevel)
	assert.Equal(t, StagePrimary, out.FinalStage)
	assert.Equal(t, 1, out.TotalAttempts)
	assert.Equal(t, []string{StrategyPrimary}, strategies(out))
	assert.Equal(t, "AB12345", common.Deref(out.Fields.BatchNumber))
	assert.InDelta(t, 0.955, out.Confidence, 1e-4)
	assert.InDelta(t, 0.001, out.TotalCostUSD, 1e-12)
	assert.NotEmpty(t, out.RequestID)
	assert.Empty(t, out.Recommendations)
	assert.Empty(t, mistral.callLog())

	require.Len(t, h.recorder.records, 1)
	assert.Equal(t, out.RequestID, h.recorder.tiers[0].RequestID)
	assert.Equal(t, "free", h.recorder.tiers[0].TierID)
	assert.Equal(t, common.TaskOCR, h.recorder.tiers[0].Task)
}

func TestRunFallback_LowConfidenceMovesToNextProvider(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: lowFields()})
	mistral := newFake("mistral", visionCaps, result{fields: highFields()})
	h := newHarness(assign("gemini", "mistral"), gemini, mistral)

	out := h.orch.RunFallback(t.Context(), ocrRequest(t), testOptions())

	assert.True(t, out.Success)
	assert.Equal(t, 2, out.TotalAttempts)
	assert.Equal(t, "mistral", out.Attempts[1].ProviderID)
}

func TestRunFallback_PreprocessingRetry(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: lowFields()}, result{fields: highFields()})
	tesseract := newFake("tesseract", localCaps)
	h := newHarness(assign("gemini", "tesseract"), gemini, tesseract)

	out := h.orch.RunFallback(t.Context(), ocrRequest(t), testOptions())

	require.True(t, out.Success)
	assert.Equal(t, StagePreprocessing, out.FinalStage)
	assert.Equal(t, DegradationNone, out.DegradationLevel)
	require.Equal(t, 3, out.TotalAttempts)

	last := out.Attempts[2]
	assert.Equal(t, "gemini", last.ProviderID)
	assert.True(t, IsPreprocessingStrategy(last.Strategy))
	assert.Equal(t, PreprocessingStrategy(DefaultConfig().Variants[0]), last.Strategy)
	assert.InDelta(t, 0.955, out.Confidence, 1e-4)

	calls := gemini.callLog()
	require.Len(t, calls, 2)
	assert.Equal(t, "image/png", calls[0].images[0].MIMEType)
	assert.Equal(t, "image/jpeg", calls[1].images[0].MIMEType, "the retry sends the transformed image")
}

func TestRunFallback_MediumConfidenceBelowMinimum(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: mediumFields()})
	h := newHarness(assign("gemini"), gemini)

	opts := testOptions()
	opts.EnablePreprocessingRetry = Bool(false)
	out := h.orch.RunFallback(t.Context(), ocrRequest(t), opts)

	// 0.6 clears the primary floor but not the minimum confidence
	assert.False(t, out.Success)
	assert.Equal(t, 1, out.TotalAttempts)
	assert.Equal(t, DegradationManualInput, out.DegradationLevel)
	assert.InDelta(t, 0.6, out.Confidence, 1e-4)
	assert.True(t, hasDecision(out, "skipped, disabled"))
}

func TestRunFallback_ZeroOptionsTakeDefaults(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: lowFields()}, result{fields: highFields()})
	h := newHarness(assign("gemini"), gemini)

	out := h.orch.RunFallback(t.Context(), ocrRequest(t), Options{TierID: "free"})

	require.True(t, out.Success, out.Decisions)
	assert.Equal(t, StagePreprocessing, out.FinalStage)
	assert.False(t, hasDecision(out, "skipped, disabled"))
}

func TestRunFallback_ZeroOptionsDegradeToManualInput(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: lowFields()})
	h := newHarness(assign("gemini"), gemini)

	out := h.orch.RunFallback(t.Context(), ocrRequest(t), Options{})

	assert.False(t, out.Success)
	assert.Equal(t, DegradationManualInput, out.DegradationLevel)
	assert.Greater(t, out.TotalAttempts, 1, "preprocessing ran")
}

func TestRunFallback_ZeroMinConfidenceAcceptsBestPrimary(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: lowFields()})
	h := newHarness(assign("gemini"), gemini)

	opts := testOptions()
	opts.MinConfidence = Float64(0)
	out := h.orch.RunFallback(t.Context(), ocrRequest(t), opts)

	assert.True(t, out.Success)
	assert.Equal(t, StagePrimary, out.FinalStage)
	assert.Equal(t, 1, out.TotalAttempts)
	assert.InDelta(t, 0.1, out.Confidence, 1e-4)
}

func TestRunFallback_AllFailWithoutManualFallback(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{err: &ai.ProviderError{Provider: "gemini", StatusCode: 503, Message: "overloaded"}})
	tesseract := newFake("tesseract", localCaps, result{err: ai.ErrEmptyResponse})
	h := newHarness(assign("gemini", "tesseract"), gemini, tesseract)

	opts := testOptions()
	opts.EnableManualFallback = Bool(false)
	out := h.orch.RunFallback(t.Context(), common.ExtractionRequest{Task: common.TaskOCR, Prompt: "typed label text"}, opts)

	assert.False(t, out.Success)
	assert.Equal(t, DegradationTextOnly, out.DegradationLevel)
	assert.Equal(t, StageTextOnly, out.FinalStage)
	assert.Equal(t, TextOnlyRecommendations, out.Recommendations)
	assert.Equal(t, 2, out.TotalAttempts)
	assert.Nil(t, out.Fields)
	assert.Zero(t, out.Confidence)
	assert.True(t, hasDecision(out, "skipped, no images"))
	assert.Zero(t, h.recorder.quotaCount())
}

func TestRunFallback_QuotaThenSuccess(t *testing.T) {
	quota := &ai.ProviderError{Provider: "gemini", StatusCode: 429, Category: "rate_limit", Message: "quota exceeded"}
	gemini := newFake("gemini", visionCaps, result{err: quota})
	mistral := newFake("mistral", visionCaps, result{fields: highFields()})
	h := newHarness(assign("gemini", "mistral", "tesseract"), gemini, mistral, newFake("tesseract", localCaps))

	out := h.orch.RunFallback(t.Context(), ocrRequest(t), testOptions())

	assert.True(t, out.Success)
	assert.Equal(t, 2, out.TotalAttempts)
	assert.Equal(t, ai.ErrorKindQuota, out.Attempts[0].ErrorKind)
	assert.False(t, out.Attempts[0].Success)
	assert.Equal(t, "mistral", out.Attempts[1].ProviderID)
	assert.Equal(t, 1, h.recorder.quotaCount())
	assert.Len(t, h.recorder.records, 2)
}

func TestRunFallback_BudgetExhaustedDegradesToManual(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: lowFields()})
	h := newHarness(assign("gemini", "tesseract"), gemini, newFake("tesseract", localCaps))

	opts := testOptions()
	opts.MaxAttempts = 1
	out := h.orch.RunFallback(t.Context(), ocrRequest(t), opts)

	assert.False(t, out.Success)
	assert.Equal(t, DegradationManualInput, out.DegradationLevel)
	assert.Equal(t, StageManualInput, out.FinalStage)
	assert.Equal(t, ManualInputRecommendations, out.Recommendations)
	assert.Equal(t, 1, out.TotalAttempts)
	for _, s := range strategies(out) {
		assert.False(t, IsPreprocessingStrategy(s))
	}
	assert.True(t, hasDecision(out, "skipped, budget exhausted"))

	// the best candidate prefills the manual form
	require.NotNil(t, out.Fields)
	assert.Equal(t, "A1", common.Deref(out.Fields.BatchNumber))
}

func TestRunFallback_NeverExceedsMaxAttempts(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: lowFields()})
	tesseract := newFake("tesseract", localCaps, result{fields: lowFields()})
	h := newHarness(assign("gemini", "tesseract"), gemini, tesseract)

	opts := testOptions()
	opts.MaxAttempts = 4
	out := h.orch.RunFallback(t.Context(), ocrRequest(t), opts)

	require.Equal(t, 4, out.TotalAttempts)
	preprocessed := 0
	for _, s := range strategies(out) {
		if IsPreprocessingStrategy(s) {
			preprocessed++
		}
	}
	assert.Equal(t, 2, preprocessed)
	assert.Equal(t, DegradationManualInput, out.DegradationLevel)
	assert.True(t, hasDecision(out, "budget exhausted before variant"))
}

func TestRunFallback_DeadlineStopsTheLadder(t *testing.T) {
	now := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	tick := func() { now = now.Add(20 * time.Second) }

	a := newFake("anthropic", textCaps, result{fields: lowFields()})
	b := newFake("gemini", textCaps, result{fields: lowFields()})
	c := newFake("mistral", textCaps, result{fields: lowFields()})
	a.onCall, b.onCall, c.onCall = tick, tick, tick

	rec := &spyRecorder{}
	orch := NewOrchestrator(staticResolver{list: assign("anthropic", "gemini", "mistral")},
		newTestInvoker(a, b, c), rec, DefaultConfig(),
		WithClock(func() time.Time { return now }))

	opts := testOptions()
	opts.MaxTime = 30 * time.Second
	out := orch.RunFallback(t.Context(), common.ExtractionRequest{Task: common.TaskVerify}, opts)

	assert.Equal(t, 2, out.TotalAttempts)
	assert.Empty(t, c.callLog())
	assert.Equal(t, int64(40000), out.TotalTimeMS)
	assert.True(t, hasDecision(out, "budget exhausted before mistral"))
}

func TestRunFallback_CancelledContext(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: highFields()})
	h := newHarness(assign("gemini"), gemini)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	out := h.orch.RunFallback(ctx, ocrRequest(t), testOptions())

	assert.Zero(t, out.TotalAttempts)
	assert.False(t, out.Success)
	assert.Equal(t, DegradationManualInput, out.DegradationLevel)
	assert.Empty(t, gemini.callLog())
}

func TestRunFallback_PreferredProvidersGoFirst(t *testing.T) {
	tesseract := newFake("tesseract", localCaps, result{fields: highFields()})
	gemini := newFake("gemini", visionCaps)
	h := newHarness(assign("gemini", "mistral", "tesseract"), gemini, newFake("mistral", visionCaps), tesseract)

	opts := testOptions()
	opts.PreferredProviders = []string{"tesseract"}
	out := h.orch.RunFallback(t.Context(), ocrRequest(t), opts)

	require.True(t, out.Success)
	assert.Equal(t, "tesseract", out.Attempts[0].ProviderID)
	assert.Empty(t, gemini.callLog())
}

func TestRunFallback_VisionRedirect(t *testing.T) {
	perplexity := newFake("perplexity", textCaps)
	gemini := newFake("gemini", visionCaps, result{fields: highFields()})

	list := assign("perplexity", "tesseract")
	list[0].Model.VisionRedirect = "gemini"
	h := newHarness(list, perplexity, gemini, newFake("tesseract", localCaps))

	out := h.orch.RunFallback(t.Context(), ocrRequest(t), testOptions())

	require.True(t, out.Success)
	assert.Equal(t, "perplexity", out.Attempts[0].ProviderID)
	assert.Equal(t, "gemini", out.Attempts[0].RedirectedTo)
	assert.Empty(t, perplexity.callLog())
}

func TestRunFallback_NonOCRTaskSkipsPreprocessing(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: lowFields()})
	h := newHarness(assign("gemini"), gemini)

	req := ocrRequest(t)
	req.Task = common.TaskExtract
	out := h.orch.RunFallback(t.Context(), req, testOptions())

	assert.Equal(t, 1, out.TotalAttempts)
	assert.True(t, hasDecision(out, "skipped, task is extract"))
	calls := gemini.callLog()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].vision)
}

func TestRunFallback_UndecodableImagesSkipVariants(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: lowFields()})
	h := newHarness(assign("gemini"), gemini)

	req := common.ExtractionRequest{Task: common.TaskOCR, Images: []common.Blob{{Data: []byte("not a picture"), MIMEType: "image/png"}}}
	out := h.orch.RunFallback(t.Context(), req, testOptions())

	assert.Equal(t, 1, out.TotalAttempts)
	assert.True(t, hasDecision(out, "variant standard skipped"))
	assert.Equal(t, DegradationManualInput, out.DegradationLevel)
}

func TestRunFallback_NilRecorder(t *testing.T) {
	gemini := newFake("gemini", visionCaps, result{fields: highFields()})
	orch := NewOrchestrator(staticResolver{list: assign("gemini")}, newTestInvoker(gemini), nil, DefaultConfig())

	out := orch.RunFallback(t.Context(), ocrRequest(t), Options{})

	assert.True(t, out.Success)
	assert.Equal(t, 1, out.TotalAttempts)
}

func TestPreferFirst(t *testing.T) {
	list := assign("a", "b", "c", "d")

	ordered := preferFirst(list, []string{"d", "b"})
	ids := make([]string, 0, len(ordered))
	for _, a := range ordered {
		ids = append(ids, a.ProviderID)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids)
	assert.Equal(t, "a", list[0].ProviderID, "input is not reordered")
}
