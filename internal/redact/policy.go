package redact

// DefaultDenylist is the field denylist wired at startup: these field
// names are always dropped (PolicyDrop) regardless of per-request
// field_policies.
var DefaultDenylist = []string{"ssn", "password", "api_key", "secret", "credit_card"}

// DefaultAllowlist is the field allowlist wired at startup: these field
// names get PolicyRawAllowed unless a per-request field policy says
// otherwise. PolicyRawAllowed only exempts them from drop/hash_only; their
// string values still go through the text-pattern redaction.
var DefaultAllowlist = []string{"tool_name", "model_id", "provider", "status"}

// NewDefault builds an Engine seeded with DefaultDenylist/DefaultAllowlist,
// then layers any additional fields the deployment configures on top.
func NewDefault(extraDenylist, extraAllowlist []string) *Engine {
	return New(
		append(append([]string{}, DefaultDenylist...), extraDenylist...),
		append(append([]string{}, DefaultAllowlist...), extraAllowlist...),
	)
}
