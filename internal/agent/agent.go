// Package agent orchestrates one answer turn: retrieve evidence, compose
// a draft, score it with the uncertainty estimator and the verifier, gate
// it through conformal calibration, and run tool-guided refinement loops
// until the decision head accepts, abstains, or the budgets run out.
package agent

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"veritor/internal/approval"
	"veritor/internal/compose"
	"veritor/internal/config"
	"veritor/internal/embedding"
	"veritor/internal/events"
	"veritor/internal/logging"
	"veritor/internal/metrics"
	"veritor/internal/pcn"
	"veritor/internal/policy"
	"veritor/internal/redact"
	"veritor/internal/retrieval"
	"veritor/internal/store"
	"veritor/internal/tools"
	"veritor/internal/uq"
	"veritor/internal/verify"
)

// PackBuilder retrieves the evidence pack for a question.
type PackBuilder interface {
	Retrieve(ctx context.Context, query string) ([]retrieval.Evidence, error)
}

// Request is one answer invocation.
type Request struct {
	Question     string
	Domain       string
	Instructions string

	// MaxRefinements overrides the configured loop bound when > 0.
	MaxRefinements int

	// TableSQL is an operator-supplied query override for TABLE_QUERY.
	TableSQL    string
	TableParams []any

	// ApprovedTools lists tools already approved for this turn, set when a
	// request resumes after an approval decision.
	ApprovedTools []string

	// DeniedTools and ExpiredTools carry resolved-negative approval
	// outcomes from a resumed request; each becomes a verifier issue.
	DeniedTools  []string
	ExpiredTools []string

	// Overlay is the workspace policy overlay, already parsed.
	Overlay *policy.Overlay
}

// Uncertainty is the score block attached to a result.
type Uncertainty struct {
	Mode        string   `json:"mode"`
	S1          float64  `json:"s1"`
	Raw         float64  `json:"raw"`
	SampleCount int      `json:"sample_count"`
	S2          float64  `json:"s2"`
	FinalScore  float64  `json:"final_score"`
	CPAccept    bool     `json:"cp_accept"`
	CPTau       *float64 `json:"cp_tau,omitempty"`
}

// StepTrace is one entry in the per-turn audit trail.
type StepTrace struct {
	StepIndex     int      `json:"step_index"`
	IsRefinement  bool     `json:"is_refinement"`
	S1            float64  `json:"s1"`
	S2            float64  `json:"s2"`
	FinalScore    float64  `json:"final_score"`
	CPAccept      bool     `json:"cp_accept"`
	Issues        []string `json:"issues"`
	ToolsUsed     []string `json:"tools_used"`
	ChangeSummary string   `json:"change_summary,omitempty"`
	Action        string   `json:"action"`
	Reason        string   `json:"reason"`
	LatencyMS     int64    `json:"latency_ms"`
}

// Result is the final outcome of one answer turn.
type Result struct {
	Final            string               `json:"final"`
	StopReason       string               `json:"stop_reason"`
	Uncertainty      Uncertainty          `json:"uncertainty"`
	Trace            []StepTrace          `json:"trace"`
	Pack             []retrieval.Evidence `json:"pack_used"`
	PendingApprovals []string             `json:"pending_approvals,omitempty"`
	Usage            map[string]any       `json:"usage,omitempty"`
}

// Deps wires the agent's collaborators. Retriever and Composer are
// required; everything else degrades gracefully when nil.
type Deps struct {
	Config     config.Config
	Retriever  PackBuilder
	Composer   compose.Composer
	Verifier   *verify.Verifier
	Embedder   embedding.Engine
	Calibrator *uq.Calibrator
	Thresholds *policy.ThresholdCache
	Guardrails *redact.Guardrails
	Searcher   *tools.Searcher
	Fetcher    *tools.Fetcher
	Querier    *tools.TableQuerier
	Approvals  *approval.Store
	Steps      *store.StepStore
	Metrics    *metrics.Registry
	Logger     *zap.Logger
}

// Agent runs answer turns.
type Agent struct {
	d      Deps
	logger *zap.Logger
}

// New builds an agent over its dependencies.
func New(d Deps) *Agent {
	logger := d.Logger
	if logger == nil {
		logger = logging.Named("agent")
	}
	return &Agent{d: d, logger: logger}
}

// stepScore is the evaluation of one candidate answer.
type stepScore struct {
	S1       float64
	Raw      float64
	Samples  int
	S2       float64
	Issues   []verify.Issue
	NeedsFix bool
	Final    float64
	CPAccept bool
	CPTau    *float64
	Action   policy.Action
}

// Answer runs the full accept/iterate/abstain pipeline for one question.
// Events stream through emit (which may be nil); the returned result is
// the authoritative outcome.
func (a *Agent) Answer(ctx context.Context, req Request, emit events.Emitter) (*Result, error) {
	start := time.Now()
	send := func(ev events.Event) {
		if emit != nil {
			emit(ev)
		}
	}

	cfg := req.Overlay.Apply(a.d.Config)
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if domain == "" {
		domain = "default"
	}
	maxRefinements := cfg.Refine.MaxRefinements
	if req.MaxRefinements > 0 {
		maxRefinements = req.MaxRefinements
	}

	if a.d.Metrics != nil {
		a.d.Metrics.IncRequests()
	}

	// Pre-guard screens the question before any generation happens.
	var policyIssues []verify.Issue
	if a.d.Guardrails != nil {
		if ok, violations := a.d.Guardrails.PreGuard(req.Question); !ok {
			send(events.Guardrails("pre", strings.Join(violations, ", ")))
			policyIssues = append(policyIssues, verify.Issue{
				Kind:   verify.KindPolicyViolation,
				Detail: strings.Join(violations, ", "),
			})
		}
	}
	for _, tool := range req.DeniedTools {
		policyIssues = append(policyIssues, verify.Issue{Kind: verify.KindApprovalDenied, Detail: tool})
	}
	for _, tool := range req.ExpiredTools {
		policyIssues = append(policyIssues, verify.Issue{Kind: verify.KindApprovalExpired, Detail: tool})
	}

	pack, err := a.d.Retriever.Retrieve(ctx, req.Question)
	if err != nil {
		a.logger.Warn("retrieval_failed", zap.Error(err))
		pack = nil
	}

	answer, meta, err := a.d.Composer.Compose(ctx, req.Question, pack, req.Instructions)
	if err != nil {
		return nil, fmt.Errorf("compose failed: %w", err)
	}

	ledger := pcn.NewVerifier()
	st := &turnState{
		pack:          pack,
		ledger:        ledger,
		turnBudget:    cfg.Refine.ToolBudgetPerTurn,
		perRefBudget:  cfg.Refine.ToolBudgetPerRefinement,
		approvedTools: toSet(req.ApprovedTools),
	}
	for _, item := range pack {
		if len(st.contextSnips) < 2 {
			st.contextSnips = append(st.contextSnips, item.Snippet)
		}
		if item.URL != "" {
			st.candidateURLs = append(st.candidateURLs, item.URL)
		}
	}

	score := a.score(ctx, cfg, domain, req.Question, answer, verify.Input{
		Question: req.Question,
		Answer:   answer,
		Pack:     pack,
	}, policyIssues)

	// Post-guard screens the draft answer.
	if a.d.Guardrails != nil {
		if ok, violations := a.d.Guardrails.PostGuard(answer); !ok {
			send(events.Guardrails("post", strings.Join(violations, ", ")))
			score = a.addIssue(cfg, domain, score, verify.Issue{
				Kind:   verify.KindPolicyViolation,
				Detail: strings.Join(violations, ", "),
			})
		}
	}

	send(events.Score(events.ScorePayload{
		S1: score.S1, S2: score.S2, FinalScore: score.Final,
		CPAccept: score.CPAccept, CPTau: score.CPTau,
	}))
	if policy.Borderline(score.Final, cfg.Decision) {
		send(events.Planning(fmt.Sprintf("borderline score %.3f, considering refinement", score.Final)))
	}

	trace := []StepTrace{a.traceEntry(0, false, score, nil, "", "initial", start)}
	send(traceEvent(trace[0]))
	a.persistStep(req, domain, answer, trace[0], store.StepStatusOK)

	final := finalState{answer: answer, score: score}
	latencyBudget := time.Duration(cfg.Refine.LatencyBudgetSeconds * float64(time.Second))

	iteration := 0
	for final.score.Action == policy.ActionIterate && final.score.NeedsFix &&
		iteration < maxRefinements && st.turnBudget > 0 {
		if latencyBudget > 0 && time.Since(start) > latencyBudget {
			final.score.Action = policy.ActionAbstain
			final.reason = "latency_budget"
			break
		}
		iteration++
		st.iteration = iteration

		outcome := a.runTools(ctx, cfg, req, st, final.score.Issues, send)

		if outcome.approvalPending {
			pendingTrace := a.traceEntry(iteration, true, final.score, outcome.toolsUsed,
				"approval pending", "approval_pending", start)
			pendingTrace.Action = string(policy.ActionIterate)
			pendingTrace.CPAccept = false
			trace = append(trace, pendingTrace)
			send(traceEvent(pendingTrace))
			a.persistStep(req, domain, final.answer, pendingTrace, store.StepStatusIncomplete)
			result := a.buildResult(final.answer+" [approval pending]", "approval_pending",
				final.score, trace, pack, meta)
			result.PendingApprovals = outcome.pendingApprovals
			a.observe(domain, "approval_pending", start)
			return result, nil
		}

		remaining := remainingIssues(final.score.Issues, outcome)
		refined := compose.BuildRefinedAnswer(compose.RefinedParts{
			PreviousAnswer:  final.answer,
			IssuesRemaining: issueStrings(remaining),
			ContextSnippets: outcome.refinementContext(st.contextSnips),
			FetchURL:        outcome.fetchURL,
			MathText:        outcome.pcnText(),
			TableText:       outcome.tableSummary,
		})
		st.rotateContext(outcome)

		govFailures := outcome.govFailures(final.score.Issues, remaining)
		if len(govFailures) > 0 {
			send(events.Gov(false, govFailures))
		}

		next := a.score(ctx, cfg, domain, req.Question, refined, verify.Input{
			Question:           req.Question,
			Answer:             refined,
			Pack:               pack,
			UnresolvedNumerics: st.ledger.Unresolved(),
			GovFailures:        govFailures,
		}, nil)

		send(events.Score(events.ScorePayload{
			S1: next.S1, S2: next.S2, FinalScore: next.Final,
			CPAccept: next.CPAccept, CPTau: next.CPTau,
		}))

		resolved := resolvedIssues(final.score.Issues, next.Issues)
		summary := changeSummary(resolved, outcome)
		entry := a.traceEntry(iteration, true, next, outcome.toolsUsed, summary, "refined iteration", start)
		trace = append(trace, entry)
		send(traceEvent(entry))
		a.persistStep(req, domain, refined, entry, store.StepStatusOK)

		final = finalState{answer: refined, score: next, refined: true}
		if len(outcome.toolsUsed) == 0 && len(resolved) == 0 {
			// No tool ran and nothing improved; another lap cannot help.
			final.score.Action = policy.ActionAbstain
			final.score.CPAccept = false
			final.reason = "no_progress"
			break
		}
	}

	text := st.ledger.ResolvePlaceholders(final.answer)
	if final.refined {
		text += " [refined]"
	}

	stopReason := string(final.score.Action)
	if final.reason != "" {
		stopReason = final.reason
		if len(trace) > 0 {
			trace[len(trace)-1].Reason = final.reason
			trace[len(trace)-1].Action = string(final.score.Action)
		}
	}
	a.observe(domain, string(final.score.Action), start)

	result := a.buildResult(text, stopReason, final.score, trace, pack, meta)
	return result, nil
}

type finalState struct {
	answer  string
	score   stepScore
	refined bool
	reason  string
}

// score evaluates one candidate answer end to end: paraphrase-ensemble
// uncertainty, verifier issues, needs-fix penalty, fused score, conformal
// gate, and the decision head.
func (a *Agent) score(ctx context.Context, cfg config.Config, domain, question, answer string, in verify.Input, extra []verify.Issue) stepScore {
	var snips []string
	for i, item := range in.Pack {
		if i >= 3 {
			break
		}
		snips = append(snips, item.Snippet)
	}
	samples := cfg.UQ.SNNESamples
	if samples < 2 {
		samples = 2
	}
	variants := uq.AnswerVariants(answer, question, snips, samples)

	s1 := 1.0
	raw := math.NaN()
	if a.d.Embedder != nil {
		r, err := uq.SNNE(ctx, variants, cfg.UQ.SNNETau, a.d.Embedder)
		if err != nil {
			a.logger.Warn("snne_failed", zap.Error(err))
		} else {
			raw = r
			if a.d.Calibrator != nil {
				s1 = a.d.Calibrator.Calibrate(domain, raw)
			} else {
				s1 = uq.Normalize(raw)
			}
		}
	}
	if a.d.Metrics != nil {
		a.d.Metrics.ObserveUQ(domain, raw, s1, len(variants))
	}

	res := a.d.Verifier.Verify(ctx, in)
	for _, issue := range extra {
		res.Issues = appendIssue(res.Issues, issue)
	}
	res.NeedsFix = res.NeedsFix || len(res.Issues) > 0

	if res.NeedsFix {
		s1 = math.Max(0, s1-0.1*float64(len(res.Issues)))
	}

	final := policy.FinalScore(s1, res.S2, cfg.Decision)
	gate := a.gateFor(domain, cfg)
	gr := gate.Evaluate(final)
	if !gr.Accept && gr.Reason == policy.GateReasonMissingTau {
		res.Issues = appendIssue(res.Issues, verify.Issue{Kind: verify.KindMissingCalib})
		res.NeedsFix = true
	}

	return stepScore{
		S1:       s1,
		Raw:      raw,
		Samples:  len(variants),
		S2:       res.S2,
		Issues:   res.Issues,
		NeedsFix: res.NeedsFix,
		Final:    final,
		CPAccept: gr.Accept,
		CPTau:    gr.Tau,
		Action:   policy.Decide(final, gr.Accept, cfg.Decision),
	}
}

// addIssue folds a late issue into an already computed score, reapplying
// the penalty, fusion, gate, and decision.
func (a *Agent) addIssue(cfg config.Config, domain string, score stepScore, issue verify.Issue) stepScore {
	score.Issues = appendIssue(score.Issues, issue)
	score.NeedsFix = true
	score.S1 = math.Max(0, score.S1-0.1)
	score.Final = policy.FinalScore(score.S1, score.S2, cfg.Decision)
	gr := a.gateFor(domain, cfg).Evaluate(score.Final)
	score.CPAccept = gr.Accept
	score.CPTau = gr.Tau
	score.Action = policy.Decide(score.Final, gr.Accept, cfg.Decision)
	return score
}

func (a *Agent) gateFor(domain string, cfg config.Config) *policy.ConformalGate {
	if a.d.Thresholds != nil {
		return a.d.Thresholds.GateFor(domain, cfg.Decision.CPEnabled, cfg.Decision.CPAutoEnable)
	}
	return policy.NewConformalGate(cfg.Decision.CPEnabled, nil)
}

func (a *Agent) traceEntry(step int, refinement bool, score stepScore, toolsUsed []string, summary, reason string, start time.Time) StepTrace {
	return StepTrace{
		StepIndex:     step,
		IsRefinement:  refinement,
		S1:            score.S1,
		S2:            score.S2,
		FinalScore:    score.Final,
		CPAccept:      score.CPAccept,
		Issues:        issueStrings(score.Issues),
		ToolsUsed:     toolsUsed,
		ChangeSummary: summary,
		Action:        string(score.Action),
		Reason:        reason,
		LatencyMS:     time.Since(start).Milliseconds(),
	}
}

// persistStep writes the audit record for one step. Question and answer
// text is redacted before it reaches storage.
func (a *Agent) persistStep(req Request, domain, answer string, entry StepTrace, status string) {
	if a.d.Steps == nil {
		return
	}
	redactedQ, _ := redact.Redact(req.Question)
	redactedA, _ := redact.Redact(answer)
	rec := &store.StepRecord{
		Step:         entry.StepIndex,
		Question:     redactedQ,
		Answer:       redactedA,
		Domain:       domain,
		S1:           entry.S1,
		S2:           entry.S2,
		FinalScore:   entry.FinalScore,
		CPAccept:     entry.CPAccept,
		Action:       entry.Action,
		Reason:       entry.Reason,
		IsRefinement: entry.IsRefinement,
		Status:       status,
		LatencyMS:    entry.LatencyMS,
		Issues:       entry.Issues,
		ToolsUsed:    entry.ToolsUsed,
	}
	if _, err := a.d.Steps.Insert(rec); err != nil {
		a.logger.Warn("step_persist_failed", zap.Error(err))
	}
}

func (a *Agent) buildResult(text, stopReason string, score stepScore, trace []StepTrace, pack []retrieval.Evidence, meta compose.Meta) *Result {
	usage := map[string]any{
		"llm_mode":  meta.Mode,
		"llm_model": meta.Model,
	}
	if len(meta.Tokens) > 0 {
		usage["llm_tokens_estimate"] = len(meta.Tokens)
	}
	return &Result{
		Final:      text,
		StopReason: stopReason,
		Uncertainty: Uncertainty{
			Mode:        "snne",
			S1:          score.S1,
			Raw:         score.Raw,
			SampleCount: score.Samples,
			S2:          score.S2,
			FinalScore:  score.Final,
			CPAccept:    score.CPAccept,
			CPTau:       score.CPTau,
		},
		Trace: trace,
		Pack:  pack,
		Usage: usage,
	}
}

func (a *Agent) observe(domain, action string, start time.Time) {
	if a.d.Metrics != nil {
		a.d.Metrics.ObserveAnswer(domain, action, time.Since(start), 0)
	}
}

func traceEvent(entry StepTrace) events.Event {
	return events.Trace(events.TracePayload{
		Step:         entry.StepIndex,
		IsRefinement: entry.IsRefinement,
		Action:       entry.Action,
		Reason:       entry.Reason,
		Issues:       entry.Issues,
		ToolsUsed:    entry.ToolsUsed,
		LatencyMS:    entry.LatencyMS,
	})
}

func issueStrings(issues []verify.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		if issue.Detail != "" {
			out = append(out, issue.Kind+": "+issue.Detail)
		} else {
			out = append(out, issue.Kind)
		}
	}
	return out
}

func appendIssue(issues []verify.Issue, issue verify.Issue) []verify.Issue {
	for _, existing := range issues {
		if existing.Kind == issue.Kind && existing.Detail == issue.Detail {
			return issues
		}
	}
	return append(issues, issue)
}

func resolvedIssues(before, after []verify.Issue) []string {
	stillOpen := make(map[string]bool, len(after))
	for _, issue := range after {
		stillOpen[issue.Kind+"\x00"+issue.Detail] = true
	}
	var out []string
	for _, issue := range before {
		if !stillOpen[issue.Kind+"\x00"+issue.Detail] {
			out = append(out, issue.Kind)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}
