package uq

import (
	"fmt"
	"strings"
)

var variantTemplates = []func(base, question, evidence string) string{
	func(base, _, _ string) string { return base },
	func(base, q, _ string) string { return fmt.Sprintf("%s (question: %s)", base, q) },
	func(base, _, _ string) string { return "In summary: " + base },
	func(base, _, ev string) string { return fmt.Sprintf("%s, sourced from evidence: %s", base, ev) },
	func(base, q, _ string) string { return fmt.Sprintf("Answering '%s': %s", q, base) },
	func(base, _, ev string) string { return fmt.Sprintf("%s. Key evidence: %s", base, ev) },
	func(base, _, ev string) string { return fmt.Sprintf("%s (context: %s)", base, ev) },
	func(base, _, ev string) string { return fmt.Sprintf("%s. Confidence rests on: %s", base, ev) },
}

// AnswerVariants heuristically paraphrases a base answer for SNNE sampling.
// The first variant is always the base answer verbatim; the result has at
// least two entries and no case-insensitive duplicates.
func AnswerVariants(baseAnswer, question string, evidenceSnippets []string, count int) []string {
	if count < 2 {
		count = 2
	}
	base := strings.TrimSpace(baseAnswer)
	if base == "" {
		base = "No grounded answer yet."
	}
	q := strings.TrimSpace(question)
	if q == "" {
		q = "Unknown question"
	}
	var evidence []string
	for _, e := range evidenceSnippets {
		if e = strings.TrimSpace(e); e != "" {
			evidence = append(evidence, e)
		}
	}
	if len(evidence) == 0 {
		evidence = []string{"no supporting evidence available"}
	}

	seen := make(map[string]bool)
	var out []string
	for idx := 0; len(out) < count && idx <= 20*count; idx++ {
		tmpl := variantTemplates[idx%len(variantTemplates)]
		ev := evidence[idx%len(evidence)]
		rendered := tmpl(base, q, ev)
		if idx == 0 {
			rendered = base
		}
		key := strings.ToLower(rendered)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rendered)
	}
	for len(out) < count {
		out = append(out, fmt.Sprintf("%s (variant %d)", base, len(out)+1))
	}
	return out[:count]
}
