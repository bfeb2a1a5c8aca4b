// Package redact masks personal identifiers before text is persisted and
// screens tool output for prompt-injection content. Raw question/answer text
// never leaves the process; every write path goes through Redact first.
package redact

import "regexp"

var (
	emailRE = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRE = regexp.MustCompile(`(\+?\d[\d\s\-()]{7,}\d)`)
	ssnRE   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// Redact masks common PII in text. Returns the masked text and whether
// anything was masked. SSN is applied before phone so the phone pattern
// cannot capture an SSN first.
func Redact(text string) (string, bool) {
	if text == "" {
		return text, false
	}
	out := ssnRE.ReplaceAllString(text, "[REDACTED_SSN]")
	out = emailRE.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = phoneRE.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out, out != text
}
