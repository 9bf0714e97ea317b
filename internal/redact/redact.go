// Package redact removes sensitive values from arbitrary payloads before
// they are written to the audit trail.
//
// Sanitization is a pure function over a generic tagged value (map / slice /
// scalar): any map key whose name matches the policy has its value replaced
// with a fixed marker, at any nesting depth. The input is never mutated —
// a sanitized deep copy is returned.
package redact

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Marker is the replacement string stored in place of a sensitive value.
const Marker = "[REDACTED]"

// DefaultSensitiveFields is the built-in list of sensitive key substrings.
// Keys are lowercased and stripped of separators before matching, so
// "apikey" covers "apiKey", "api_key" and "API-KEY" alike.
var DefaultSensitiveFields = []string{
	"password",
	"token",
	"secret",
	"apikey",
	"creditcard",
	"cvv",
	"ssn",
}

// Policy decides which map keys are sensitive. Substrings match
// case-insensitively anywhere in the key; Patterns are glob expressions
// matched against the lowercased key (e.g. "card*number").
//
// Globs are compiled once in Compile, keeping per-key cost low on the
// logging hot path.
type Policy struct {
	Substrings []string
	Patterns   []string

	compiled []glob.Glob
}

// DefaultPolicy returns a policy with the built-in sensitive field list
// and no glob patterns.
func DefaultPolicy() *Policy {
	p := &Policy{Substrings: append([]string(nil), DefaultSensitiveFields...)}
	// No patterns to compile, but keep the invariant that a returned
	// policy is always compiled.
	_ = p.Compile()
	return p
}

// Compile pre-compiles the policy's glob patterns. Must be called before
// Sanitize whenever Patterns were set or changed. Returns an error on the
// first invalid pattern.
func (p *Policy) Compile() error {
	p.compiled = p.compiled[:0]
	for _, pat := range p.Patterns {
		g, err := glob.Compile(strings.ToLower(pat))
		if err != nil {
			return fmt.Errorf("redaction pattern %q: %w", pat, err)
		}
		p.compiled = append(p.compiled, g)
	}
	return nil
}

// matches reports whether a map key is sensitive under this policy.
// The key is lowercased and stripped of separator characters so that
// "api_key", "Api-Key" and "apiKey" all hit the "apikey" substring.
func (p *Policy) matches(key string) bool {
	lower := strings.ToLower(key)
	folded := strings.NewReplacer("_", "", "-", "", " ", "").Replace(lower)

	for _, s := range p.Substrings {
		if strings.Contains(folded, strings.ToLower(s)) {
			return true
		}
	}
	for _, g := range p.compiled {
		if g.Match(lower) {
			return true
		}
	}
	return false
}

// Sanitize returns a deep copy of payload with every sensitive value
// replaced by Marker. Non-container inputs (strings, numbers, nil) pass
// through unchanged. Sanitize never fails and never mutates its input.
func Sanitize(payload any, policy *Policy) any {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return sanitizeValue(payload, policy)
}

// sanitizeValue recursively copies a value, redacting sensitive map
// entries. Handles the shapes produced by encoding/json unmarshaling
// (map[string]any, []any, scalars) plus map[string]string for
// convenience of direct callers.
func sanitizeValue(v any, policy *Policy) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if policy.matches(k) {
				out[k] = Marker
				continue
			}
			out[k] = sanitizeValue(inner, policy)
		}
		return out

	case map[string]string:
		out := make(map[string]string, len(val))
		for k, inner := range val {
			if policy.matches(k) {
				out[k] = Marker
				continue
			}
			out[k] = inner
		}
		return out

	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner, policy)
		}
		return out

	default:
		// Scalar or unknown type — passed through as-is. Callers hand us
		// JSON-shaped data; anything else has no keys to redact.
		return v
	}
}
