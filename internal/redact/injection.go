package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Finding is a single prompt-injection match within tool output.
type Finding struct {
	Pattern string `json:"pattern"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Excerpt string `json:"excerpt"`
}

// InjectionError is raised when prompt-injection content is detected in a
// tool payload. Source identifies the payload origin (usually a URL).
type InjectionError struct {
	Source   string
	Findings []Finding
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("prompt injection detected in %s", e.Source)
}

// Meta returns event metadata for the primary finding.
func (e *InjectionError) Meta() map[string]any {
	meta := map[string]any{"source": e.Source}
	patterns := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		patterns = append(patterns, f.Pattern)
	}
	meta["patterns"] = patterns
	if len(e.Findings) > 0 {
		meta["excerpt"] = e.Findings[0].Excerpt
	}
	return meta
}

var keywordSnippets = []string{
	"ignore previous instruction",
	"ignore previous instructions",
	"ignore previous command",
	"ignore previous commands",
	"ignore all instruction",
	"ignore all instructions",
	"ignore all previous instruction",
	"ignore all previous instructions",
	"forget previous instruction",
	"forget previous instructions",
	"bypass safety",
	"system prompt",
	"override instruction",
	"override instructions",
	"delete all instructions",
	"run shell",
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:all|any|previous|prior|earlier)\s+instructions?`),
	regexp.MustCompile(`(?i)ignore\s+(?:all|any|previous|prior|earlier)\s+commands?`),
	regexp.MustCompile(`(?i)forget\s+(?:all|any|previous|prior|earlier)\s+instructions?`),
	regexp.MustCompile(`(?i)system\s+prompt`),
	regexp.MustCompile(`(?i)(?:override|bypass).{0,15}instruction`),
	regexp.MustCompile(`(?i)(?:begin|end)\s+prompt`),
	regexp.MustCompile(`(?i)run\s+shell`),
	regexp.MustCompile(`(?i)sudo\s`),
	regexp.MustCompile(`(?i)rm\s+-rf`),
}

var spaceRE = regexp.MustCompile(`\s+`)

func buildExcerpt(text string, start, end int) string {
	const radius = 40
	left := start - radius
	if left < 0 {
		left = 0
	}
	right := end + radius
	if right > len(text) {
		right = len(text)
	}
	return spaceRE.ReplaceAllString(strings.TrimSpace(text[left:right]), " ")
}

// DetectInjection scans text for prompt-injection instructions and returns
// all distinct findings.
func DetectInjection(text string) []Finding {
	if text == "" {
		return nil
	}
	lowered := strings.ToLower(text)
	var findings []Finding
	for _, keyword := range keywordSnippets {
		idx := strings.Index(lowered, keyword)
		if idx < 0 {
			continue
		}
		findings = append(findings, Finding{
			Pattern: keyword,
			Start:   idx,
			End:     idx + len(keyword),
			Excerpt: buildExcerpt(text, idx, idx+len(keyword)),
		})
	}
	for _, pattern := range injectionPatterns {
		loc := pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		findings = append(findings, Finding{
			Pattern: pattern.String(),
			Start:   loc[0],
			End:     loc[1],
			Excerpt: buildExcerpt(text, loc[0], loc[1]),
		})
	}
	// Deduplicate overlapping findings by span.
	seen := make(map[[2]int]bool)
	deduped := findings[:0]
	for _, f := range findings {
		span := [2]int{f.Start, f.End}
		if seen[span] {
			continue
		}
		seen[span] = true
		deduped = append(deduped, f)
	}
	return deduped
}

// EnsureSafeToolText returns an *InjectionError when tool output contains
// prompt-injection instructions.
func EnsureSafeToolText(text, source string) error {
	findings := DetectInjection(text)
	if len(findings) == 0 {
		return nil
	}
	return &InjectionError{Source: source, Findings: findings}
}

// SanitizeFragment cleans a short fragment before it is placed into a prompt.
// Fragments containing injection content are replaced wholesale.
func SanitizeFragment(text string) string {
	fragment := strings.TrimSpace(text)
	if fragment == "" {
		return fragment
	}
	if len(DetectInjection(fragment)) > 0 {
		return "[filtered]"
	}
	return spaceRE.ReplaceAllString(fragment, " ")
}
