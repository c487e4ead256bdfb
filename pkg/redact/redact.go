package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

type rule struct {
	re    *regexp.Regexp
	label string
}

// Order matters: narrower identifiers run before the generic digit rule.
var rules = []rule{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_SSN]"},
	{regexp.MustCompile(`(?i)\b(?:mrn|medical record(?: number)?)[:#\s]*[a-z0-9\-]{4,}\b`), "[REDACTED_MRN]"},
	{regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/(?:19|20)\d{2}\b`), "[REDACTED_DATE]"},
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
}

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, SSNs, record numbers, dates and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.label)
	}
	return out
}

// Fields returns a copy of payload with string values passed through Text.
// Nested maps are redacted as well; other values are copied as-is.
func Fields(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = Text(val)
		case map[string]any:
			out[k] = Fields(val)
		default:
			out[k] = v
		}
	}
	return out
}
