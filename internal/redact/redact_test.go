package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactText(t *testing.T) {
	t.Run("scrubs an email address", func(t *testing.T) {
		e := New(nil, nil)
		out, changed := e.RedactText("contact me at jane.doe@example.com please")
		assert.True(t, changed)
		assert.Contains(t, out, "[REDACTED_EMAIL]")
		assert.NotContains(t, out, "jane.doe@example.com")
	})

	t.Run("scrubs an api key pattern", func(t *testing.T) {
		e := New(nil, nil)
		out, changed := e.RedactText("api_key: sk-abcdef123456")
		assert.True(t, changed)
		assert.Contains(t, out, "[REDACTED_SECRET]")
	})

	t.Run("leaves clean text untouched", func(t *testing.T) {
		e := New(nil, nil)
		out, changed := e.RedactText("the quick brown fox")
		assert.False(t, changed)
		assert.Equal(t, "the quick brown fox", out)
	})
}

func TestApply_JSON(t *testing.T) {
	t.Run("drops a denylisted field and blocks the artifact", func(t *testing.T) {
		e := New([]string{"ssn"}, nil)
		payload := []byte(`{"ssn":"123-45-6789","name":"ok"}`)

		result := e.Apply(payload, nil, "application/json")

		require.Equal(t, StatusBlocked, result.Status)
		assert.Equal(t, "policy_blocked_field", result.BlockedReason)
		assert.NotContains(t, string(result.RedactedBytes), "123-45-6789")
	})

	t.Run("field policy raw_allowed passes content through", func(t *testing.T) {
		e := New(nil, nil)
		payload := []byte(`{"note":"fine"}`)

		result := e.Apply(payload, map[string]string{"note": PolicyRawAllowed}, "application/json")

		assert.Equal(t, StatusNotRequired, result.Status)
		assert.Contains(t, string(result.RedactedBytes), "fine")
	})

	t.Run("malformed json fails closed", func(t *testing.T) {
		e := New(nil, nil)
		result := e.Apply([]byte(`{not json`), nil, "application/json")
		assert.Equal(t, StatusFailed, result.Status)
		assert.NotEmpty(t, result.BlockedReason)
	})
}

func TestApply_PlainText(t *testing.T) {
	e := New(nil, nil)
	result := e.Apply([]byte("email me at a@b.com"), nil, "text/plain")
	assert.Equal(t, StatusRedacted, result.Status)
	assert.Contains(t, string(result.RedactedBytes), "[REDACTED_EMAIL]")
}
