// Package redact implements the Redactor: a pure text
// transform applied at every persistence and outbound boundary. It strips
// known secret-shaped substrings and replaces them with a fixed placeholder.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// secretPatterns are evaluated in order; each captures an optional prefix
// group (kept verbatim) followed by the secret value (replaced).
var secretPatterns = []*regexp.Regexp{
	// Common API-key prefixes, length-bounded so short incidental matches
	// of "sk-" inside ordinary prose are left alone.
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`xox[bp]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`),
	// Bearer <token>.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{10,})`),
	// Assignment forms: ANTHROPIC_API_KEY=..., password: ...
	regexp.MustCompile(`(?i)([A-Z_]*(?:API_KEY|ACCESS_TOKEN|SECRET)[A-Z_]*\s*[:=]\s*)(\S+)`),
	regexp.MustCompile(`(?i)(password\s*[:=]\s*)(\S+)`),
}

// highEntropyBlock matches long base64-like runs; entropy is verified
// separately so ordinary long identifiers (e.g. repeated characters) are
// not mistaken for secrets.
var highEntropyBlock = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)

// Redact replaces every secret-shaped substring of input with [REDACTED].
// It is idempotent: Redact(Redact(x)) == Redact(x) for all x, since the
// placeholder itself never matches any pattern below.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, pat := range secretPatterns {
		out = pat.ReplaceAllStringFunc(out, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 && sub[1] != "" {
				return sub[1] + placeholder
			}
			return placeholder
		})
	}
	out = highEntropyBlock.ReplaceAllStringFunc(out, func(match string) string {
		if looksHighEntropy(match) {
			return placeholder
		}
		return match
	})
	return out
}

// looksHighEntropy is a cheap substitute for a real entropy calculation:
// a secret-shaped block uses most of the base64 alphabet's case/digit mix,
// while a long run of a handful of repeated characters does not.
func looksHighEntropy(s string) bool {
	seen := make(map[rune]struct{}, len(s))
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return len(seen) >= len(s)/3
}

// RedactEnvValue redacts value if key looks like it names a secret,
// regardless of the value's own shape — used when building the child
// process's minimal environment whitelist audit trail.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return placeholder
		}
	}
	return value
}

// Tree recursively redacts every string found in v, leaving non-string
// scalars (numbers, bools, nil) unchanged. It handles the shapes produced
// by encoding/json unmarshaling into interface{}: map[string]interface{},
// []interface{}, and string — which is sufficient for redacting parsed
// stream-JSON payloads and checkpoint blobs before they are persisted.
func Tree(v any) any {
	switch val := v.(type) {
	case string:
		return Redact(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Tree(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Tree(item)
		}
		return out
	default:
		return v
	}
}
