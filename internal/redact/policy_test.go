package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault_DenylistsSensitiveFieldsByDefault(t *testing.T) {
	engine := NewDefault(nil, nil)

	result := engine.Apply([]byte(`{"password":"hunter2","status":"ok"}`), nil, "application/json")

	require.Equal(t, StatusBlocked, result.Status)
	assert.Equal(t, StatusBlocked, result.Decisions["password"])
	_, statusWasRedacted := result.Decisions["status"]
	assert.False(t, statusWasRedacted, "status is allowlisted and should pass through untouched")
}

func TestNewDefault_LayersExtraFieldsOnTopOfDefaults(t *testing.T) {
	engine := NewDefault([]string{"internal_notes"}, []string{"trace_id"})

	assert.True(t, engine.Denylist["password"], "built-in default must still be present")
	assert.True(t, engine.Denylist["internal_notes"], "deployment-configured extra must be layered in")
	assert.True(t, engine.Allowlist["tool_name"], "built-in default must still be present")
	assert.True(t, engine.Allowlist["trace_id"], "deployment-configured extra must be layered in")
}

func TestDefaultDenylistAndAllowlist_MatchDocumentedFields(t *testing.T) {
	assert.ElementsMatch(t, []string{"ssn", "password", "api_key", "secret", "credit_card"}, DefaultDenylist)
	assert.ElementsMatch(t, []string{"tool_name", "model_id", "provider", "status"}, DefaultAllowlist)
}
