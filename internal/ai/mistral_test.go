package ai

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

func newTestMistral(t *testing.T, handler http.HandlerFunc) *MistralProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewMistralProvider("default-key", "mistral-ocr-latest", "mistral-small-latest", 0.002,
		Pricing{InputPerMillion: 0.1, OutputPerMillion: 0.3}, WithMistralBaseURL(srv.URL))
}

func TestMistralProvider_ProcessVision(t *testing.T) {
	var gotAuth string
	var gotReq mistralOCRRequest
	m := newTestMistral(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ocr", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "mistral-ocr-latest",
			"pages": []map[string]interface{}{
				{"index": 0, "markdown": "Metformin 850mg Tablets\nLot: MF2291\nEXP 03/2028"},
			},
			"usage_info": map[string]int{"pages_processed": 1},
		})
	})

	resp, err := m.ProcessVision(t.Context(), VisionRequest{
		TextRequest: TextRequest{Prompt: "read", Credential: Credential{APIKey: "tier-key"}},
		Images:      []common.Blob{{Data: []byte("fake-png"), MIMEType: "image/png"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tier-key", gotAuth)
	assert.Equal(t, "mistral-ocr-latest", gotReq.Model)
	assert.True(t, strings.HasPrefix(gotReq.Document.ImageURL, "data:image/png;base64,"))

	assert.Equal(t, "MF2291", common.Deref(resp.Fields.BatchNumber))
	assert.Equal(t, 1, resp.Usage.Pages)
	assert.InDelta(t, 0.002, resp.Usage.CostUSD, 1e-9)
}

func TestMistralProvider_ProcessText(t *testing.T) {
	m := newTestMistral(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer default-key", r.Header.Get("Authorization"))

		var req mistralChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mistral-small-latest", req.Model, "an OCR model id must not be used for chat")

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "mistral-small-latest",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": `{"batch_number": "B-100"}`}},
			},
			"usage": map[string]int{"prompt_tokens": 1000, "completion_tokens": 500},
		})
	})

	resp, err := m.ProcessText(t.Context(), TextRequest{
		Prompt:     "verify",
		Credential: Credential{Model: "mistral-ocr-latest"},
	})
	require.NoError(t, err)

	assert.Equal(t, "B-100", common.Deref(resp.Fields.BatchNumber))
	assert.Equal(t, 1500, resp.Usage.TotalTokens)
	assert.InDelta(t, 0.00025, resp.Usage.CostUSD, 1e-9)
}

func TestMistralProvider_RateLimitedIsQuota(t *testing.T) {
	m := newTestMistral(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message": "Requests rate limit exceeded"}`))
	})

	_, err := m.ProcessText(t.Context(), TextRequest{Prompt: "x"})
	require.Error(t, err)

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	assert.Equal(t, "Requests rate limit exceeded", perr.Message)
	assert.Equal(t, ErrorKindQuota, ClassifyErr(err))
}

func TestMistralProvider_EmptyPages(t *testing.T) {
	m := newTestMistral(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model": "mistral-ocr-latest", "pages": [], "usage_info": {"pages_processed": 0}}`))
	})

	_, err := m.ProcessVision(t.Context(), VisionRequest{Images: []common.Blob{{Data: []byte("x")}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, ErrorKindOther, ClassifyErr(err))
}
