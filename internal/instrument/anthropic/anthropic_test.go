package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrecorder/core/internal/instrument"
)

func TestNewChatModel_Defaults(t *testing.T) {
	m := NewChatModel("key", "", 0)
	assert.Equal(t, "claude-sonnet-4-5-20250929", m.ModelID())
	assert.Equal(t, "anthropic", m.Provider())
	assert.Equal(t, apiVersion, m.APIVersion())
}

func TestNewChatModel_ExplicitValues(t *testing.T) {
	m := NewChatModel("key", "claude-opus-4", 8192)
	assert.Equal(t, "claude-opus-4", m.ModelID())
}

func TestChat_RequiresAPIKey(t *testing.T) {
	m := NewChatModel("", "", 0)
	_, err := m.Chat(context.Background(), []instrument.Message{{Role: instrument.RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestExtractSystemPrompt(t *testing.T) {
	messages := []instrument.Message{
		{Role: instrument.RoleSystem, Content: "be terse"},
		{Role: instrument.RoleUser, Content: "hello"},
		{Role: instrument.RoleSystem, Content: "never apologize"},
	}
	system, rest := extractSystemPrompt(messages)
	assert.Equal(t, "be terse\n\nnever apologize", system)
	require.Len(t, rest, 1)
	assert.Equal(t, "hello", rest[0].Content)
}

func TestConvertToolInput(t *testing.T) {
	assert.Nil(t, convertToolInput(nil))
	assert.Equal(t, map[string]any{"a": 1}, convertToolInput(map[string]any{"a": 1}))
	assert.Equal(t, map[string]any{"_raw": "not-a-map"}, convertToolInput("not-a-map"))
}
