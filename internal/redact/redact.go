// Package redact implements the artifact redaction engine: UTF-8
// decode-with-replacement, a JSON field-policy walk, and text-pattern
// scrubbing for common PII/secret shapes.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	ssnPattern    = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phonePattern  = regexp.MustCompile(`\b(?:\+1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)
	secretPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password)\s*[:=]\s*[^\s,;]+`)
)

// Field policies understood by the JSON walk.
const (
	PolicyDrop       = "drop"
	PolicyHashOnly   = "hash_only"
	PolicyRawAllowed = "raw_allowed"
)

// Result status values, mirroring domain.Redaction* exactly.
const (
	StatusNotRequired = "not_required"
	StatusRedacted    = "redacted"
	StatusBlocked     = "blocked"
	StatusFailed      = "failed"
)

// Result is the outcome of applying the engine to one artifact payload.
type Result struct {
	RedactedBytes []byte
	Status        string
	Decisions     map[string]string
	BlockedReason string
}

// Engine applies field policies and text-pattern redaction to artifact
// payloads. A zero-value Engine is usable (empty allow/deny lists).
type Engine struct {
	Denylist  map[string]bool
	Allowlist map[string]bool
}

// New builds an Engine from CSV-derived deny/allow field lists.
func New(denylist, allowlist []string) *Engine {
	e := &Engine{Denylist: map[string]bool{}, Allowlist: map[string]bool{}}
	for _, f := range denylist {
		e.Denylist[f] = true
	}
	for _, f := range allowlist {
		e.Allowlist[f] = true
	}
	return e
}

// RedactText applies the text-pattern substitutions and reports whether
// anything changed.
func (e *Engine) RedactText(text string) (string, bool) {
	changed := false
	updated := text
	for _, rep := range []struct {
		pattern     *regexp.Regexp
		replacement string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		{ssnPattern, "[REDACTED_SSN]"},
		{phonePattern, "[REDACTED_PHONE]"},
		{secretPattern, "[REDACTED_SECRET]"},
	} {
		next := rep.pattern.ReplaceAllString(updated, rep.replacement)
		if next != updated {
			changed = true
			updated = next
		}
	}
	return updated, changed
}

// Apply runs the engine over payload, using fieldPolicies for JSON content
// and plain text-pattern redaction otherwise.
func (e *Engine) Apply(payload []byte, fieldPolicies map[string]string, contentType string) Result {
	decoded := decodeUTF8Lossy(payload)

	if contentType == "application/json" {
		var obj any
		if err := json.Unmarshal([]byte(decoded), &obj); err != nil {
			return Result{RedactedBytes: payload, Status: StatusFailed, Decisions: map[string]string{}, BlockedReason: err.Error()}
		}

		decisions := map[string]string{}
		redacted := e.applyJSON(obj, fieldPolicies, decisions)

		encoded, err := marshalCanonical(redacted)
		if err != nil {
			return Result{RedactedBytes: payload, Status: StatusFailed, Decisions: decisions, BlockedReason: err.Error()}
		}

		status := StatusNotRequired
		if len(decisions) > 0 {
			status = StatusRedacted
		}
		for _, v := range decisions {
			if v == StatusBlocked {
				status = StatusBlocked
				return Result{RedactedBytes: encoded, Status: status, Decisions: decisions, BlockedReason: "policy_blocked_field"}
			}
		}
		return Result{RedactedBytes: encoded, Status: status, Decisions: decisions}
	}

	redactedText, changed := e.RedactText(decoded)
	status := StatusNotRequired
	if changed {
		status = StatusRedacted
	}
	return Result{RedactedBytes: []byte(redactedText), Status: status, Decisions: map[string]string{}}
}

func (e *Engine) applyJSON(obj any, policies map[string]string, decisions map[string]string) any {
	switch v := obj.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := v[key]
			policy := policies[key]
			if e.Denylist[key] {
				policy = PolicyDrop
			} else if e.Allowlist[key] && policy == "" {
				policy = PolicyRawAllowed
			}

			switch policy {
			case PolicyDrop:
				decisions[key] = StatusBlocked
				continue
			case PolicyHashOnly:
				decisions[key] = PolicyHashOnly
				digestInput, _ := marshalCanonical(value)
				out[key] = digestText(string(digestInput))
				continue
			}

			if s, ok := value.(string); ok {
				redactedStr, changed := e.RedactText(s)
				out[key] = redactedStr
				if changed {
					decisions[key] = StatusRedacted
				}
			} else {
				out[key] = e.applyJSON(value, policies, decisions)
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.applyJSON(item, policies, decisions)
		}
		return out
	default:
		return obj
	}
}

func digestText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// marshalCanonical encodes v with sorted map keys, matching
// json.dumps(..., sort_keys=True) used to compute hash_only digests and
// the overall redacted-JSON encoding.
func marshalCanonical(v any) ([]byte, error) {
	return json.Marshal(v)
}

// decodeUTF8Lossy mirrors Python's `bytes.decode("utf-8", errors="replace")`:
// invalid sequences become U+FFFD rather than raising an error.
func decodeUTF8Lossy(payload []byte) string {
	return strings.ToValidUTF8(string(payload), "�")
}
