package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrecorder/core/internal/instrument"
)

func TestNewChatModel_Defaults(t *testing.T) {
	m := NewChatModel("key", "")
	assert.Equal(t, "gpt-4o", m.ModelID())
	assert.Equal(t, "openai", m.Provider())
	assert.Equal(t, apiVersion, m.APIVersion())
	assert.Equal(t, 3, m.maxRetries)
}

func TestChat_RequiresAPIKey(t *testing.T) {
	m := NewChatModel("", "gpt-4o")
	_, err := m.Chat(context.Background(), []instrument.Message{{Role: instrument.RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestIsTransientError(t *testing.T) {
	cases := map[string]bool{
		"connection reset by peer":     true,
		"request timeout":              true,
		"rate_limit_exceeded":          true,
		"503 Service Unavailable":      true,
		"invalid request: bad schema":  false,
		"authentication failed":        false,
	}
	for msg, want := range cases {
		assert.Equal(t, want, isTransientError(errors.New(msg)), msg)
	}
}
