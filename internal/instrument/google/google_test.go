package google

import (
	"context"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrecorder/core/internal/instrument"
)

func TestNewChatModel_Defaults(t *testing.T) {
	m := NewChatModel("key", "")
	assert.Equal(t, "gemini-2.5-flash", m.ModelID())
	assert.Equal(t, "google", m.Provider())
	assert.Equal(t, apiVersion, m.APIVersion())
}

func TestChat_RequiresAPIKey(t *testing.T) {
	m := NewChatModel("", "")
	_, err := m.Chat(context.Background(), []instrument.Message{{Role: instrument.RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestSafetyFilterError(t *testing.T) {
	err := &SafetyFilterError{Category: "HARASSMENT"}
	assert.Contains(t, err.Error(), "HARASSMENT")
}

func TestBlockedReason(t *testing.T) {
	assert.Equal(t, "", blockedReason(nil))
	assert.Equal(t, "", blockedReason(&genai.GenerateContentResponse{}))

	safe := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}
	assert.Equal(t, "SAFETY", blockedReason(safe))

	stop := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonStop}}}
	assert.Equal(t, "", blockedReason(stop))
}

func TestConvertType(t *testing.T) {
	assert.Equal(t, genai.TypeString, convertType("string"))
	assert.Equal(t, genai.TypeInteger, convertType("integer"))
	assert.Equal(t, genai.TypeUnspecified, convertType("unknown"))
}

func TestConvertSchema(t *testing.T) {
	assert.Nil(t, convertSchema(nil))

	schema := convertSchema(map[string]any{
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": "the name"},
		},
	})
	require.NotNil(t, schema)
	require.Contains(t, schema.Properties, "name")
	assert.Equal(t, genai.TypeString, schema.Properties["name"].Type)
	assert.Equal(t, "the name", schema.Properties["name"].Description)
}
