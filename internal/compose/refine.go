package compose

import (
	"fmt"
	"strings"

	"veritor/internal/redact"
)

// RefinedParts carries the tool outcomes available when composing a
// refined answer deterministically.
type RefinedParts struct {
	PreviousAnswer  string
	IssuesRemaining []string
	ContextSnippets []string
	FetchURL        string
	MathText        string
	TableText       string
}

// BuildRefinedAnswer composes a concise refined paragraph from whatever
// signals the refinement turn produced: an evidence lead, computed
// values, table insight, source, and the issues still open. Falls back to
// the previous answer when nothing new is available.
func BuildRefinedAnswer(p RefinedParts) string {
	var parts []string
	if len(p.ContextSnippets) > 0 {
		lead := strings.TrimSpace(p.ContextSnippets[0])
		if lead != "" {
			parts = append(parts, fmt.Sprintf("Based on evidence: '%s'.", lead))
		}
	}
	if p.MathText != "" {
		parts = append(parts, fmt.Sprintf("Computed value: %s.", p.MathText))
	}
	if p.TableText != "" {
		parts = append(parts, fmt.Sprintf("Table result: %s.", p.TableText))
	}
	if p.FetchURL != "" {
		parts = append(parts, fmt.Sprintf("Source: %s.", p.FetchURL))
	}
	var remaining []string
	for _, issue := range p.IssuesRemaining {
		if issue != "" {
			remaining = append(remaining, issue)
		}
	}
	if len(remaining) > 0 {
		parts = append(parts, fmt.Sprintf("Remaining issues: %s.", strings.Join(remaining, ", ")))
	}
	if len(parts) == 0 {
		if p.PreviousAnswer != "" {
			return p.PreviousAnswer
		}
		return "Refined answer pending."
	}
	return strings.Join(parts, " ")
}

// PromptInputs carries the material for a model-facing refinement prompt.
type PromptInputs struct {
	Question        string
	PreviousAnswer  string
	Issues          []string
	ContextSnippets []string
	FetchURL        string
	FetchSnippet    string
	MathText        string
}

// BuildRefinementPrompt renders the refinement prompt: explicit issues,
// tool affordances, sanitized context, and the prior turn. Every fragment
// sourced from tool output passes through injection screening first.
func BuildRefinementPrompt(in PromptInputs) string {
	issuesText := "(none)"
	if len(in.Issues) > 0 {
		lines := make([]string, 0, len(in.Issues))
		for _, issue := range in.Issues {
			lines = append(lines, "- "+sanitizeOrFiltered(issue))
		}
		issuesText = strings.Join(lines, "\n")
	}

	var ctxLines []string
	for i, s := range in.ContextSnippets {
		if i >= 3 {
			break
		}
		ctxLines = append(ctxLines, fmt.Sprintf("%d. %s", i+1, sanitizeOrFiltered(s)))
	}
	if in.FetchSnippet != "" {
		ctxLines = append(ctxLines, "Fetch: "+sanitizeOrFiltered(in.FetchSnippet))
	}
	if in.MathText != "" {
		ctxLines = append(ctxLines, "Math: computed value = "+in.MathText)
	}
	contextText := "(none)"
	if len(ctxLines) > 0 {
		contextText = strings.Join(ctxLines, "\n")
	}

	urlHint := ""
	if in.FetchURL != "" {
		if safe := redact.SanitizeFragment(in.FetchURL); safe != "" && safe != "[filtered]" {
			urlHint = fmt.Sprintf(" (consider citing: %s)", safe)
		}
	}

	safeQuestion := redact.SanitizeFragment(in.Question)
	if safeQuestion == "" {
		safeQuestion = in.Question
	}
	safePrevious := redact.SanitizeFragment(in.PreviousAnswer)
	if safePrevious == "" {
		safePrevious = in.PreviousAnswer
	}

	var b strings.Builder
	b.WriteString("Improve your previous answer using these explicit issues:\n")
	b.WriteString(issuesText)
	b.WriteString("\n\nYou MAY use tools:\n")
	b.WriteString("- WEB_SEARCH/WEB_FETCH to find citations/source/date,\n")
	b.WriteString("- MATH_EVAL for calculations,\n")
	b.WriteString("- TABLE_QUERY for DB counts.\n\n")
	b.WriteString("Helpful context" + urlHint + ":\n")
	b.WriteString(contextText)
	b.WriteString("\n\nQuestion:\n")
	b.WriteString(safeQuestion)
	b.WriteString("\n\nPrevious answer:\n")
	b.WriteString(safePrevious)
	b.WriteString("\n\nReturn a corrected, concise answer with citations where relevant.")
	return b.String()
}

func sanitizeOrFiltered(text string) string {
	if s := redact.SanitizeFragment(text); s != "" {
		return s
	}
	return "[filtered]"
}
