package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

func TestAssignmentDoc_Decode(t *testing.T) {
	raw, err := bson.Marshal(bson.M{
		"tier_id":     "professional",
		"task":        "ocr",
		"provider_id": "mistral",
		"priority":    2,
		"model":       "mistral-ocr-latest",
		"max_tokens":  4096,
		"temperature": 0.1,
		"is_active":   true,
	})
	require.NoError(t, err)

	var doc assignmentDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	a := doc.toAssignment()

	assert.Equal(t, "professional", a.TierID)
	assert.Equal(t, common.TaskOCR, a.Task)
	assert.Equal(t, "mistral", a.ProviderID)
	assert.Equal(t, 2, a.Priority)
	assert.True(t, a.Active)
	assert.Equal(t, "mistral-ocr-latest", a.Model.Model)
	assert.Equal(t, 4096, a.Model.MaxTokens)
	require.NotNil(t, a.Model.Temperature)
	assert.InDelta(t, 0.1, *a.Model.Temperature, 1e-6)
	assert.Empty(t, a.Model.APIKey)
}

func TestAssignmentDoc_OptionalModelFields(t *testing.T) {
	raw, err := bson.Marshal(bson.M{"tier_id": "free", "task": "verify", "provider_id": "gemini", "priority": 1, "is_active": true})
	require.NoError(t, err)

	var doc assignmentDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	a := doc.toAssignment()

	assert.Empty(t, a.Model.Model)
	assert.Zero(t, a.Model.MaxTokens)
	assert.Nil(t, a.Model.Temperature)
}

func TestAssignmentDoc_WholeNumberTemperature(t *testing.T) {
	raw, err := bson.Marshal(bson.M{"tier_id": "basic", "task": "ocr", "provider_id": "anthropic", "priority": 1, "temperature": 1, "is_active": true})
	require.NoError(t, err)

	var doc assignmentDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	a := doc.toAssignment()

	require.NotNil(t, a.Model.Temperature)
	assert.InDelta(t, 1.0, *a.Model.Temperature, 1e-6)
}
