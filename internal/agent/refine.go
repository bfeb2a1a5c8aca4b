package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"veritor/internal/config"
	"veritor/internal/events"
	"veritor/internal/gov"
	"veritor/internal/pcn"
	"veritor/internal/redact"
	"veritor/internal/retrieval"
	"veritor/internal/tools"
	"veritor/internal/verify"
)

// turnState carries refinement-loop state across iterations.
type turnState struct {
	pack          []retrieval.Evidence
	ledger        *pcn.Verifier
	turnBudget    int
	perRefBudget  int
	approvedTools map[string]bool
	contextSnips  []string
	candidateURLs []string
	iteration     int
}

func (st *turnState) rotateContext(out *toolOutcome) {
	if out.fetchSnippet == "" && out.tableSummary == "" {
		return
	}
	ctx := out.refinementContext(st.contextSnips)
	if len(ctx) > 3 {
		ctx = ctx[:3]
	}
	st.contextSnips = ctx
}

// toolOutcome is what one refinement iteration's tool phase produced.
type toolOutcome struct {
	toolsUsed        []string
	pendingApprovals []string
	approvalPending  bool

	fetchURL     string
	fetchSnippet string

	mathExpr  string
	mathValue *float64

	tableSQL     string
	tableSummary string
	tableRows    int
	tableNumeric *float64
	tableFailing []string

	placeholders []string
}

// refinementContext orders the freshest tool evidence ahead of the
// carried snippets.
func (out *toolOutcome) refinementContext(base []string) []string {
	var ctx []string
	if out.tableSummary != "" {
		ctx = append(ctx, "TABLE_QUERY: "+out.tableSummary)
	}
	if out.fetchSnippet != "" {
		ctx = append(ctx, out.fetchSnippet)
	}
	return append(ctx, base...)
}

// pcnText joins the placeholder tokens minted this iteration so the
// refined answer carries them for later resolution.
func (out *toolOutcome) pcnText() string {
	return strings.Join(out.placeholders, ", ")
}

// govFailures names the provenance obligations this iteration failed to
// discharge.
func (out *toolOutcome) govFailures(before []verify.Issue, remaining []verify.Issue) []string {
	var failures []string
	if out.fetchURL == "" && hasDetail(before, "missing citations") && hasDetail(remaining, "missing citations") {
		failures = append(failures, "missing_citation_provenance")
	}
	if out.mathValue == nil && hasDetail(before, "missing numbers") && hasDetail(remaining, "missing numbers") {
		failures = append(failures, "missing_pcn_verification")
	}
	return append(failures, out.tableFailing...)
}

// runTools executes the issue-driven tool phase for one refinement
// iteration. WEB_SEARCH and WEB_FETCH run concurrently; MATH_EVAL and
// TABLE_QUERY follow because they consume the fetch snippet and the
// shared budget.
func (a *Agent) runTools(ctx context.Context, cfg config.Config, req Request, st *turnState, issues []verify.Issue, send events.Emitter) *toolOutcome {
	out := &toolOutcome{}
	refBudget := st.perRefBudget
	if st.turnBudget < refBudget {
		refBudget = st.turnBudget
	}

	question := req.Question
	needCitations := hasDetail(issues, "missing citations")
	needNumbers := hasDetail(issues, "missing numbers")
	needTable := hasDetail(issues, "missing table data")

	doSearch := refBudget > 0 && st.turnBudget > 0 && a.d.Searcher != nil &&
		a.toolPermitted(cfg, req, st, out, tools.NameWebSearch, map[string]any{"k": 3}, send)

	var fetchTarget string
	doFetch := false
	if needCitations && refBudget > 0 && st.turnBudget > 0 && a.d.Fetcher != nil && len(st.candidateURLs) > 0 {
		idx := st.iteration - 1
		if idx >= len(st.candidateURLs) {
			idx = len(st.candidateURLs) - 1
		}
		fetchTarget = st.candidateURLs[idx]
		doFetch = a.toolPermitted(cfg, req, st, out, tools.NameWebFetch, map[string]any{"url": fetchTarget}, send)
	}

	var searchErr error
	var fetchRes *tools.FetchResult
	var fetchErr error
	if doSearch {
		send(events.Tool(events.ToolPayload{
			Name: tools.NameWebSearch, Status: events.ToolStart,
			Meta: budgetMeta(map[string]any{"k": 3}, refBudget, st.turnBudget),
		}))
	}
	if doFetch {
		send(events.Tool(events.ToolPayload{
			Name: tools.NameWebFetch, Status: events.ToolStart,
			Meta: budgetMeta(map[string]any{"url": fetchTarget}, refBudget, st.turnBudget),
		}))
	}
	if doSearch || doFetch {
		g, gctx := errgroup.WithContext(ctx)
		if doSearch {
			g.Go(func() error {
				_, searchErr = a.d.Searcher.Search(question, 3)
				return nil
			})
		}
		if doFetch {
			g.Go(func() error {
				fetchRes, fetchErr = a.d.Fetcher.Fetch(gctx, fetchTarget)
				return nil
			})
		}
		_ = g.Wait()
	}

	if doSearch {
		if searchErr != nil {
			send(toolErrorEvent(tools.NameWebSearch, searchErr, refBudget, st.turnBudget))
		} else {
			refBudget--
			st.turnBudget--
			st.markApproved(cfg, tools.NameWebSearch)
			out.toolsUsed = append(out.toolsUsed, tools.NameWebSearch)
			send(events.Tool(events.ToolPayload{
				Name: tools.NameWebSearch, Status: events.ToolStop,
				Meta: budgetMeta(map[string]any{"k": 3}, refBudget, st.turnBudget),
			}))
		}
	}
	if doFetch {
		var injErr *redact.InjectionError
		switch {
		case errors.As(fetchErr, &injErr):
			meta := injErr.Meta()
			meta["policy_checked"] = true
			send(events.Tool(events.ToolPayload{
				Name: tools.NameWebFetch, Status: events.ToolBlocked,
				Meta: budgetMeta(meta, refBudget, st.turnBudget),
			}))
		case fetchErr != nil:
			send(toolErrorEvent(tools.NameWebFetch, fetchErr, refBudget, st.turnBudget))
		default:
			out.fetchURL = fetchRes.URL
			out.fetchSnippet = compose240(fetchRes.Text)
			refBudget--
			st.turnBudget--
			st.markApproved(cfg, tools.NameWebFetch)
			out.toolsUsed = append(out.toolsUsed, tools.NameWebFetch)

			id := uuid.NewString()
			send(events.PCN(st.ledger.Register(id, pcn.Policy{Type: "url"}, pcn.URLProvenance(out.fetchURL))))
			send(events.PCN(st.ledger.VerifyURL(id, out.fetchURL)))

			send(events.Tool(events.ToolPayload{
				Name: tools.NameWebFetch, Status: events.ToolStop,
				Meta: budgetMeta(map[string]any{
					"url":    out.fetchURL,
					"status": fetchRes.Status,
					"bytes":  fetchRes.Bytes,
				}, refBudget, st.turnBudget),
			}))
		}
	}

	if needNumbers && !needTable && refBudget > 0 && st.turnBudget > 0 {
		a.runMathEval(cfg, req, st, out, &refBudget, send)
	}

	if (needTable || (req.TableSQL != "" && needNumbers)) && refBudget > 0 && st.turnBudget > 0 && a.d.Querier != nil {
		a.runTableQuery(ctx, cfg, req, st, out, &refBudget, send)
	}

	return out
}

func (a *Agent) runMathEval(cfg config.Config, req Request, st *turnState, out *toolOutcome, refBudget *int, send events.Emitter) {
	target := out.fetchSnippet
	if target == "" && len(st.contextSnips) > 0 {
		target = st.contextSnips[0]
	}
	if target == "" {
		target = req.Question
	}
	expr := "1+1"
	if num := extractNumber(target); num != nil {
		expr = strconv.FormatFloat(*num, 'g', -1, 64)
	}
	out.mathExpr = expr

	if !a.toolPermitted(cfg, req, st, out, tools.NameMathEval, map[string]any{"expr": expr}, send) {
		return
	}
	send(events.Tool(events.ToolPayload{
		Name: tools.NameMathEval, Status: events.ToolStart,
		Meta: budgetMeta(map[string]any{"expr": expr}, *refBudget, st.turnBudget),
	}))

	id := uuid.NewString()
	send(events.PCN(st.ledger.Register(id, pcn.Policy{Type: "math", Tolerance: 0}, pcn.MathProvenance(expr))))
	result, err := tools.EvalMath(expr)
	if err != nil {
		send(toolErrorEvent(tools.NameMathEval, err, *refBudget, st.turnBudget))
		return
	}
	send(events.PCN(st.ledger.VerifyMath(id, expr, result.Value)))
	out.placeholders = append(out.placeholders, pcn.Token(id))
	out.mathValue = &result.Value

	*refBudget -= 1
	st.turnBudget--
	st.markApproved(cfg, tools.NameMathEval)
	out.toolsUsed = append(out.toolsUsed, tools.NameMathEval)
	send(events.Tool(events.ToolPayload{
		Name: tools.NameMathEval, Status: events.ToolStop,
		Meta: budgetMeta(map[string]any{"expr": expr, "value": result.Value}, *refBudget, st.turnBudget),
	}))
}

func (a *Agent) runTableQuery(ctx context.Context, cfg config.Config, req Request, st *turnState, out *toolOutcome, refBudget *int, send events.Emitter) {
	sqlText := req.TableSQL
	if sqlText == "" {
		sqlText = guessTableSQL(req.Question, st.contextSnips)
	}
	if sqlText == "" {
		return
	}
	out.tableSQL = sqlText

	if !a.toolPermitted(cfg, req, st, out, tools.NameTableQuery, map[string]any{"sql": sqlText}, send) {
		return
	}
	send(events.Tool(events.ToolPayload{
		Name: tools.NameTableQuery, Status: events.ToolStart,
		Meta: budgetMeta(map[string]any{"sql": sqlText}, *refBudget, st.turnBudget),
	}))

	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	qr, err := a.d.Querier.Query(ctx, domain, sqlText, req.TableParams, nil)
	if err != nil {
		send(toolErrorEvent(tools.NameTableQuery, err, *refBudget, st.turnBudget))
		return
	}

	out.tableRows = len(qr.Rows)
	out.tableSummary = summarizeRows(qr)
	*refBudget -= 1
	st.turnBudget--
	st.markApproved(cfg, tools.NameTableQuery)
	out.toolsUsed = append(out.toolsUsed, tools.NameTableQuery)

	var pcnToken string
	if num := firstNumeric(qr); num != nil {
		id := uuid.NewString()
		send(events.PCN(st.ledger.Register(id, pcn.Policy{Type: "sql", Tolerance: 0}, pcn.SQLProvenance(sqlText))))
		send(events.PCN(st.ledger.VerifySQL(id, pcn.FormatNumber(*num))))
		pcnToken = pcn.Token(id)
		out.placeholders = append(out.placeholders, pcnToken)
		out.tableNumeric = num
		out.tableSummary = fmt.Sprintf("%s (verified %s)", out.tableSummary, pcnToken)
	}

	dag := gov.DAG{
		Nodes: []gov.Node{
			{ID: "sql", Type: "premise", Label: "Executed " + sqlText, PCN: pcnToken},
			{ID: "result", Type: "claim", Label: fmt.Sprintf("Returned %d row(s)", out.tableRows)},
		},
		Edges: []gov.Edge{{From: "sql", To: "result"}},
	}
	ok, failing := gov.EvaluateDAG(dag, st.ledger.StatusFor, nil)
	if !ok {
		out.tableFailing = failing
	}
	send(events.Gov(ok, failing))

	send(events.Tool(events.ToolPayload{
		Name: tools.NameTableQuery, Status: events.ToolStop,
		Meta: budgetMeta(map[string]any{"sql": sqlText, "rows": out.tableRows}, *refBudget, st.turnBudget),
	}))
}

// toolPermitted applies the allowlist and approval gates. A tool needing
// an unresolved approval emits waiting_approval and suspends the turn.
func (a *Agent) toolPermitted(cfg config.Config, req Request, st *turnState, out *toolOutcome, name string, meta map[string]any, send events.Emitter) bool {
	if !req.Overlay.ToolAllowed(name) {
		send(events.Tool(events.ToolPayload{
			Name: name, Status: events.ToolBlocked,
			Meta: map[string]any{"reason": "not_allowed"},
		}))
		return false
	}
	if cfg.Approvals.RequiresApproval(name) && !st.approvedTools[name] {
		if a.d.Approvals != nil {
			strMeta := make(map[string]string, len(meta))
			for k, v := range meta {
				strMeta[k] = fmt.Sprint(v)
			}
			created := a.d.Approvals.Create(name, strMeta)
			out.pendingApprovals = append(out.pendingApprovals, created.ID)
			out.approvalPending = true
			send(events.Tool(events.ToolPayload{
				Name: name, Status: events.ToolWaitingApproval, ID: created.ID, Meta: meta,
			}))
		}
		return false
	}
	return true
}

// markApproved records a one-shot approval as consumed for the rest of
// the turn.
func (st *turnState) markApproved(cfg config.Config, name string) {
	if cfg.Approvals.RequiresApproval(name) {
		st.approvedTools[name] = true
	}
}

func remainingIssues(issues []verify.Issue, out *toolOutcome) []verify.Issue {
	var remaining []verify.Issue
	for _, issue := range issues {
		switch issue.Detail {
		case "missing citations":
			if out.fetchURL != "" {
				continue
			}
		case "missing numbers":
			if out.mathValue != nil || out.tableNumeric != nil {
				continue
			}
		case "missing table data":
			if out.tableRows > 0 {
				continue
			}
		}
		remaining = append(remaining, issue)
	}
	return remaining
}

func changeSummary(resolved []string, out *toolOutcome) string {
	var parts []string
	if len(resolved) > 0 {
		parts = append(parts, "resolved: "+strings.Join(resolved, ", "))
	}
	if len(out.toolsUsed) > 0 {
		parts = append(parts, "tools: "+strings.Join(out.toolsUsed, ", "))
	}
	if out.fetchURL != "" {
		parts = append(parts, "source: "+out.fetchURL)
	}
	if out.mathValue != nil {
		parts = append(parts, "calc: "+pcn.FormatNumber(*out.mathValue))
	}
	if out.tableRows > 0 {
		parts = append(parts, fmt.Sprintf("table_rows: %d", out.tableRows))
	}
	if out.tableNumeric != nil {
		parts = append(parts, "table_calc: "+pcn.FormatNumber(*out.tableNumeric))
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, "; ")
}

func hasDetail(issues []verify.Issue, detail string) bool {
	for _, issue := range issues {
		if issue.Detail == detail {
			return true
		}
	}
	return false
}

var numberRe = regexp.MustCompile(`[-+]?(?:\d+\.\d+|\d+)`)

func extractNumber(text string) *float64 {
	match := numberRe.FindString(text)
	if match == "" {
		return nil
	}
	val, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return nil
	}
	return &val
}

// guessTableSQL derives a safe SELECT from the question when no operator
// override is supplied.
func guessTableSQL(question string, context []string) string {
	q := strings.ToLower(question)
	ctx := strings.ToLower(strings.Join(context, " "))
	if strings.Contains(q, "demo") || strings.Contains(ctx, "demo") {
		if anyTerm(q, "count", "number", "patients", "rows") {
			return "select count(*) as count from demo"
		}
		if anyTerm(q, "list", "show", "records") {
			return "select * from demo limit 5"
		}
	}
	if strings.Contains(q, "cohort") && strings.Contains(q, "count") {
		return "select cohort, count(*) as count from demo group by cohort"
	}
	return ""
}

func anyTerm(haystack string, terms ...string) bool {
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

func summarizeRows(qr *tools.QueryResult) string {
	var rows []string
	for i, row := range qr.Rows {
		if i >= 3 {
			break
		}
		var vals []string
		for _, col := range qr.Columns {
			vals = append(vals, fmt.Sprint(row[col]))
		}
		rows = append(rows, strings.Join(vals, " | "))
	}
	if len(rows) == 0 {
		return "no rows returned"
	}
	return strings.Join(rows, "; ")
}

func firstNumeric(qr *tools.QueryResult) *float64 {
	for _, row := range qr.Rows {
		for _, col := range qr.Columns {
			switch v := row[col].(type) {
			case float64:
				return &v
			case int64:
				f := float64(v)
				return &f
			case int:
				f := float64(v)
				return &f
			}
		}
	}
	return nil
}

func budgetMeta(meta map[string]any, refRemaining, turnRemaining int) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["ref_remaining"] = refRemaining
	out["turn_remaining"] = turnRemaining
	return out
}

func toolErrorEvent(name string, err error, refRemaining, turnRemaining int) events.Event {
	return events.Tool(events.ToolPayload{
		Name: name, Status: events.ToolError,
		Meta: budgetMeta(map[string]any{"reason": err.Error()}, refRemaining, turnRemaining),
	})
}

func compose240(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 240 {
		return text[:240]
	}
	return text
}
