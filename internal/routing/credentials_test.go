package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosocmputer/pharma_ocr_router/configs"
	"github.com/bosocmputer/pharma_ocr_router/internal/ai"
)

func TestStaticCredentials(t *testing.T) {
	src := NewStaticCredentials(map[string]ai.Credential{
		"gemini":  {APIKey: "g-key", Model: "gemini-2.5-flash"},
		"mistral": {},
	}, "tesseract")

	c, err := src.Credential("gemini")
	require.NoError(t, err)
	assert.Equal(t, "g-key", c.APIKey)

	c, err = src.Credential("tesseract")
	require.NoError(t, err)
	assert.Empty(t, c.APIKey)

	_, err = src.Credential("mistral")
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = src.Credential("anthropic")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestEnvCredentials(t *testing.T) {
	orig := configs.ANTHROPIC_API_KEY
	t.Cleanup(func() { configs.ANTHROPIC_API_KEY = orig })
	configs.ANTHROPIC_API_KEY = "a-key"

	c, err := EnvCredentials("tesseract").Credential("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "a-key", c.APIKey)
	assert.Equal(t, configs.ANTHROPIC_MODEL_NAME, c.Model)
}
