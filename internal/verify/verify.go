// Package verify implements the structured answer verifier. It scores a
// draft answer in [0,1], lists concrete issues, and flags whether another
// refinement pass is needed. A rule engine always runs; a model-backed
// verifier can supplement it when a generation backend is configured.
package verify

import (
	"context"
	"regexp"
	"strings"

	"veritor/internal/retrieval"
)

// Issue kinds surfaced to the refinement loop and the audit trail.
const (
	KindMissingCitations  = "missing_citations"
	KindNumericUnverified = "numeric_unverified"
	KindGovernance        = "governance"
	KindUnsupportedClaim  = "unsupported_claim"
	KindInjection         = "injection_suspected"
	KindUnitMismatch      = "unit_mismatch"
	KindSQLViolation      = "sql_violation"
	KindDegenerate        = "verifier_degenerate"
	KindMissingCalib      = "cp_missing_calibration"
	KindPolicyViolation   = "policy_violation"
	KindApprovalDenied    = "approval_denied"
	KindApprovalExpired   = "approval_expired"
)

// Issue is one verifier finding.
type Issue struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Result is the verifier output for one step.
type Result struct {
	S2       float64 `json:"s2"`
	Issues   []Issue `json:"issues"`
	NeedsFix bool    `json:"needs_fix"`
}

// Input carries everything the rule engine inspects. Numeric and
// governance findings come from the caller because the verifier does not
// own the placeholder ledger or the verification graph.
type Input struct {
	Question string
	Answer   string
	Pack     []retrieval.Evidence

	// Placeholders minted for numeric facts that are still pending or
	// failed verification.
	UnresolvedNumerics []string

	// Failure descriptions from the verification graph.
	GovFailures []string

	// Injection findings detected in tool output that reached the draft.
	InjectionFindings []string
}

// Verifier scores answers. Model may be nil, in which case the rule engine
// decides alone.
type Verifier struct {
	Model ModelVerifier
}

// ModelVerifier is an optional model-backed second opinion.
type ModelVerifier interface {
	Evaluate(ctx context.Context, question, answer string) (*Result, error)
}

// New builds a verifier. model may be nil.
func New(model ModelVerifier) *Verifier {
	return &Verifier{Model: model}
}

// Verify runs the rule engine and, when available, the model verifier, and
// merges the two. The pessimistic merge keeps the lower score and the
// union of issues.
func (v *Verifier) Verify(ctx context.Context, in Input) Result {
	rules := RuleVerify(in)
	if v == nil || v.Model == nil {
		return rules
	}
	model, err := v.Model.Evaluate(ctx, in.Question, in.Answer)
	if err != nil || model == nil {
		return rules
	}
	return merge(rules, *model)
}

var (
	digitRe = regexp.MustCompile(`\d`)
	linkRe  = regexp.MustCompile(`https?://`)
)

// RuleVerify applies the deterministic checks: question-shape heuristics,
// citation coverage against the evidence pack, unresolved numeric
// placeholders, governance failures, and injection findings.
func RuleVerify(in Input) Result {
	var issues []Issue
	q := strings.ToLower(in.Question)
	hasDigits := digitRe.MatchString(in.Answer)
	hasLink := linkRe.MatchString(in.Answer) || strings.Contains(in.Answer, "[")

	if anyWord(q, "count", "number", "how many", "metric", "total") && !hasDigits {
		issues = append(issues, Issue{Kind: KindNumericUnverified, Detail: "missing numbers"})
	}
	if anyWord(q, "cite", "source", "reference", "citation") && !hasLink {
		issues = append(issues, Issue{Kind: KindMissingCitations, Detail: "missing citations"})
	}
	if anyWord(q, "sql", "table", "database", "cohort") && !hasDigits {
		issues = append(issues, Issue{Kind: KindNumericUnverified, Detail: "missing table data"})
	}

	faith := ComputeFaithfulness(in.Answer, in.Pack, DefaultFaithfulnessThreshold)
	if faith.Score != nil && *faith.Score < DefaultFaithfulnessFloor {
		detail := "unsupported claims"
		if len(faith.UnsupportedClaims) > 0 {
			detail = truncateDetail(faith.UnsupportedClaims[0])
		}
		issues = append(issues, Issue{Kind: KindUnsupportedClaim, Detail: detail})
	}

	for _, id := range in.UnresolvedNumerics {
		issues = append(issues, Issue{Kind: KindNumericUnverified, Detail: "unresolved placeholder " + id})
	}
	for _, f := range in.GovFailures {
		issues = append(issues, Issue{Kind: KindGovernance, Detail: truncateDetail(f)})
	}
	for _, f := range in.InjectionFindings {
		issues = append(issues, Issue{Kind: KindInjection, Detail: truncateDetail(f)})
	}

	score := 1.0
	switch {
	case len(issues) > 0:
		score = 0.2
	case hasDigits || hasLink:
		score = 0.6
	}
	return Result{S2: score, Issues: issues, NeedsFix: len(issues) > 0}
}

// merge keeps the lower score and the union of issues, deduplicated by
// kind+detail.
func merge(a, b Result) Result {
	out := Result{S2: a.S2}
	if b.S2 < out.S2 {
		out.S2 = b.S2
	}
	seen := make(map[Issue]bool)
	for _, issue := range append(append([]Issue(nil), a.Issues...), b.Issues...) {
		if seen[issue] {
			continue
		}
		seen[issue] = true
		out.Issues = append(out.Issues, issue)
	}
	out.NeedsFix = a.NeedsFix || b.NeedsFix || len(out.Issues) > 0
	return out
}

// Fixable reports whether an issue suggests a condition a tool call could
// repair, which gates the borderline iterate decision.
func Fixable(issue Issue) bool {
	switch issue.Kind {
	case KindMissingCitations, KindNumericUnverified, KindGovernance, KindUnsupportedClaim:
		return true
	}
	return false
}

// HasFixable reports whether any issue is fixable.
func HasFixable(issues []Issue) bool {
	for _, issue := range issues {
		if Fixable(issue) {
			return true
		}
	}
	return false
}

func anyWord(haystack string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(haystack, w) {
			return true
		}
	}
	return false
}

func truncateDetail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
