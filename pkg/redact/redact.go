// Package redact strips API-key-shaped secrets out of strings and
// JSON-like values before they are hashed or persisted, per spec.md §3/§4.2.
package redact

import "regexp"

// patterns match common API-key shapes. Matching is deliberately broad —
// a false positive (over-redaction) is cheap; a missed secret is not.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{16,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`[A-Za-z0-9_-]{32,}\.[A-Za-z0-9_-]{32,}\.[A-Za-z0-9_-]{16,}`), // jwt-shaped
}

const mask = "[REDACTED]"

// String returns s with any recognized secret substring replaced by a mask.
// Redaction failures (a pattern that cannot match, never an error in Go's
// regexp) are not possible; this function always returns a usable string.
func String(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, mask)
	}
	return s
}

// Value recursively redacts strings found inside maps/slices/scalars,
// returning a structurally identical copy safe to hash or persist.
func Value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Value(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Value(val)
		}
		return out
	default:
		return v
	}
}
