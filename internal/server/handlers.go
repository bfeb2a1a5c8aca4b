package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veritor/internal/agent"
	"veritor/internal/events"
	"veritor/internal/gov"
	"veritor/internal/pcn"
	"veritor/internal/store"
	"veritor/internal/uq"
)

const idempotencyHeader = "Idempotency-Key"

type answerRequest struct {
	Question       string   `json:"question"`
	Domain         string   `json:"domain,omitempty"`
	Instructions   string   `json:"instructions,omitempty"`
	MaxRefinements int      `json:"max_refinements,omitempty"`
	TableSQL       string   `json:"table_sql,omitempty"`
	TableParams    []any    `json:"table_params,omitempty"`
	ApprovedTools  []string `json:"approved_tools,omitempty"`
	DeniedTools    []string `json:"denied_tools,omitempty"`
	ExpiredTools   []string `json:"expired_tools,omitempty"`
}

type answerResponse struct {
	RequestID        string            `json:"request_id"`
	Answer           string            `json:"answer"`
	Action           string            `json:"action"`
	StopReason       string            `json:"stop_reason"`
	Uncertainty      agent.Uncertainty `json:"uncertainty"`
	Issues           []string          `json:"issues"`
	ToolsUsed        []string          `json:"tools_used"`
	PackIDs          []string          `json:"pack_ids"`
	Trace            []agent.StepTrace `json:"trace"`
	PendingApprovals []string          `json:"pending_approvals,omitempty"`
	LatencyMS        int64             `json:"latency_ms"`
	Usage            map[string]any    `json:"usage,omitempty"`
}

func buildAnswerResponse(requestID string, res *agent.Result) answerResponse {
	out := answerResponse{
		RequestID:        requestID,
		Answer:           res.Final,
		StopReason:       res.StopReason,
		Uncertainty:      res.Uncertainty,
		Trace:            res.Trace,
		PendingApprovals: res.PendingApprovals,
		Usage:            res.Usage,
	}
	if len(res.Trace) > 0 {
		last := res.Trace[len(res.Trace)-1]
		out.Action = last.Action
		out.Issues = last.Issues
		out.LatencyMS = last.LatencyMS
	}
	seen := make(map[string]bool)
	for _, entry := range res.Trace {
		for _, tool := range entry.ToolsUsed {
			if !seen[tool] {
				seen[tool] = true
				out.ToolsUsed = append(out.ToolsUsed, tool)
			}
		}
	}
	for _, item := range res.Pack {
		out.PackIDs = append(out.PackIDs, item.ID)
	}
	return out
}

func (s *Server) decodeAnswerRequest(r *http.Request) (*answerRequest, agent.Request, int, string) {
	var body answerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, agent.Request{}, http.StatusBadRequest, "invalid JSON body"
	}
	if body.Question == "" {
		return nil, agent.Request{}, http.StatusBadRequest, "question is required"
	}
	slug := workspaceFrom(r.Context())
	req := agent.Request{
		Question:       body.Question,
		Domain:         body.Domain,
		Instructions:   body.Instructions,
		MaxRefinements: body.MaxRefinements,
		TableSQL:       body.TableSQL,
		TableParams:    body.TableParams,
		ApprovedTools:  body.ApprovedTools,
		DeniedTools:    body.DeniedTools,
		ExpiredTools:   body.ExpiredTools,
		Overlay:        s.overlayFor(slug),
	}
	return &body, req, 0, ""
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	slug := workspaceFrom(r.Context())
	idemKey := scopedKey(slug, r.Header.Get(idempotencyHeader))
	if status, body, ok := s.idem.Get(idemKey); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	_, req, status, msg := s.decodeAnswerRequest(r)
	if status != 0 {
		writeError(w, status, msg)
		return
	}
	rt, err := s.runtime(slug)
	if err != nil {
		s.logger.Error("workspace_open_failed", zap.String("workspace", slug), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "workspace unavailable")
		return
	}

	res, err := rt.agent.Answer(r.Context(), req, nil)
	if err != nil {
		s.logger.Error("answer_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "answer failed")
		return
	}

	resp := buildAnswerResponse(uuid.NewString(), res)
	code := http.StatusOK
	if res.StopReason == "approval_pending" {
		code = http.StatusAccepted
	}
	body, _ := json.Marshal(resp)
	s.idem.Put(idemKey, code, body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func (s *Server) handleAnswerStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	slug := workspaceFrom(r.Context())
	idemKey := scopedKey(slug, r.Header.Get(idempotencyHeader))

	_, req, status, msg := s.decodeAnswerRequest(r)
	if status != 0 {
		writeError(w, status, msg)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	sw := events.NewSSEWriter(w, flusher)
	requestID := uuid.NewString()
	sw.Write(events.Ready(requestID))

	// A finished request replays only ready and final on reconnect.
	if _, body, ok := s.idem.Get(idemKey); ok {
		sw.Write(events.Event{Name: events.NameFinal, Data: json.RawMessage(body)})
		return
	}

	rt, err := s.runtime(slug)
	if err != nil {
		sw.Write(events.Error("workspace_unavailable", "workspace unavailable"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	buf := events.NewBuffer(s.cfg.Server.StreamBuffer)
	go func() {
		interval := s.cfg.GetHeartbeatInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				buf.Push(ctx, events.Heartbeat())
			}
		}
	}()
	go func() {
		res, err := rt.agent.Answer(ctx, req, func(ev events.Event) {
			buf.Push(ctx, ev)
		})
		if err != nil {
			buf.Push(ctx, events.Error("answer_failed", "answer failed"))
		} else {
			resp := buildAnswerResponse(requestID, res)
			if body, merr := json.Marshal(resp); merr == nil {
				s.idem.Put(idemKey, http.StatusOK, body)
			}
			buf.Push(ctx, events.Final(resp))
		}
		buf.Close()
	}()

	for {
		ev, ok := buf.Next(ctx)
		if !ok {
			return
		}
		if err := sw.Write(ev); err != nil {
			cancel()
			return
		}
	}
}

type approveRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.Required && roleFrom(r.Context()) == "reader" {
		writeError(w, http.StatusForbidden, "approval requires a writer key")
		return
	}
	var body approveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ApprovalID == "" {
		writeError(w, http.StatusBadRequest, "approval_id is required")
		return
	}
	resolved, ok := s.approvals.Decide(body.ApprovalID, body.Approved, body.Reason)
	if !ok {
		writeError(w, http.StatusNotFound, "approval not found or already resolved")
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleCPThreshold(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		domain = "default"
	}
	tau, cached := s.thresholds.Threshold(domain)
	stats, err := s.cp.DomainStats(domain)
	if err != nil {
		s.logger.Warn("cp_stats_failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain": domain,
		"tau":    tau,
		"stats":  stats[domain],
		"cached": cached,
	})
}

type cpImportRequest struct {
	RunID  string             `json:"run_id"`
	Domain string             `json:"domain"`
	Items  []store.CPArtifact `json:"items"`
}

func (s *Server) handleCPArtifacts(w http.ResponseWriter, r *http.Request) {
	var body cpImportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items are required")
		return
	}
	if body.Domain == "" {
		body.Domain = "default"
	}
	if body.RunID == "" {
		body.RunID = uuid.NewString()
	}

	inserted, err := s.cp.AddArtifacts(body.RunID, body.Domain, body.Items)
	if err != nil {
		s.logger.Error("cp_import_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "import failed")
		return
	}

	tau, err := s.cp.ComputeThreshold(body.Domain, s.cfg.Decision.CPTargetMis, s.cfg.Decision.CPMinAccepts)
	if err != nil {
		s.logger.Warn("cp_threshold_failed", zap.Error(err))
	}
	scores, _ := s.cp.RecentScores(body.Domain, 500)
	quantiles := uq.QuantilesFromScores(scores, uq.DefaultQuantileBuckets)
	stats, _ := s.cp.DomainStats(body.Domain)

	ref := store.CPReference{
		Domain:    body.Domain,
		RunID:     body.RunID,
		TargetMis: s.cfg.Decision.CPTargetMis,
		Tau:       tau,
		Stats:     stats[body.Domain],
		Quantiles: quantiles,
		Updated:   float64(time.Now().Unix()),
	}
	if err := s.cp.UpsertReference(ref); err != nil {
		s.logger.Warn("cp_reference_upsert_failed", zap.Error(err))
	}
	s.thresholds.Invalidate(body.Domain)

	writeJSON(w, http.StatusOK, map[string]any{
		"inserted":  inserted,
		"domain":    body.Domain,
		"run_id":    body.RunID,
		"tau":       tau,
		"quantiles": quantiles,
	})
}

func (s *Server) handleStepsRecent(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtime(workspaceFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "workspace unavailable")
		return
	}
	q := r.URL.Query()
	limit := 20
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	records, err := rt.steps.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	domain := q.Get("domain")
	action := q.Get("action")
	includeTrace := q.Get("include_trace") == "true"
	out := make([]store.StepRecord, 0, len(records))
	for _, rec := range records {
		if domain != "" && rec.Domain != domain {
			continue
		}
		if action != "" && rec.Action != action {
			continue
		}
		if !includeTrace {
			rec.TraceJSON = ""
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": out})
}

func (s *Server) handleStepDetail(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtime(workspaceFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "workspace unavailable")
		return
	}
	rec, err := rt.steps.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "step not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Report())
}

func (s *Server) handleMetricsProm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(s.collector.Prometheus()))
}

type govCheckRequest struct {
	DAG         gov.DAG         `json:"dag"`
	VerifiedPCN []string        `json:"verified_pcn"`
	Assertions  map[string]bool `json:"assertions"`
}

func (s *Server) handleGovCheck(w http.ResponseWriter, r *http.Request) {
	var body govCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ok, failures := gov.ValidateDAG(body.DAG); !ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "failures": failures, "assertions": body.Assertions})
		return
	}

	verified := make(map[string]bool, len(body.VerifiedPCN))
	for _, token := range body.VerifiedPCN {
		verified[token] = true
	}
	ok, failures := gov.EvaluateDAG(body.DAG,
		func(token string) string {
			if verified[token] {
				return pcn.StatusVerified
			}
			return pcn.StatusPending
		},
		func(name string) bool { return body.Assertions[name] },
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "failures": failures, "assertions": body.Assertions})
}

type memoryAddRequest struct {
	Key    string `json:"key"`
	Text   string `json:"text"`
	Domain string `json:"domain,omitempty"`
}

func (s *Server) handleMemoryAdd(w http.ResponseWriter, r *http.Request) {
	var body memoryAddRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	rt, err := s.runtime(workspaceFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "workspace unavailable")
		return
	}

	var blob []byte
	if vec, err := s.engine.Embed(r.Context(), body.Text); err == nil {
		blob = store.EncodeVector(vec)
	} else {
		s.logger.Warn("memory_embed_failed", zap.Error(err))
	}
	id, err := rt.memory.Add(body.Key, body.Text, body.Domain, blob, s.engine.Name())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

type docAddRequest struct {
	Title string            `json:"title,omitempty"`
	URL   string            `json:"url,omitempty"`
	Text  string            `json:"text"`
	Meta  map[string]string `json:"meta,omitempty"`
}

func (s *Server) handleDocAdd(w http.ResponseWriter, r *http.Request) {
	var body docAddRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	rt, err := s.runtime(workspaceFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "workspace unavailable")
		return
	}

	docID, err := rt.corpus.AddDoc(body.Title, body.URL, body.Text, body.Meta,
		s.cfg.Docs.ChunkChars, s.cfg.Docs.OverlapChars)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}

	chunks, err := rt.corpus.DocChunks(docID)
	if err != nil {
		s.logger.Warn("doc_chunks_failed", zap.Error(err))
	}
	embedded := 0
	for _, chunk := range chunks {
		vec, err := s.engine.Embed(r.Context(), chunk.Text)
		if err != nil {
			s.logger.Warn("doc_embed_failed", zap.String("chunk", chunk.ID), zap.Error(err))
			continue
		}
		if err := rt.corpus.SetEmbedding(chunk.ID, store.EncodeVector(vec), s.engine.Name()); err != nil {
			continue
		}
		if err := rt.vectors.Upsert(chunk.ID, vec, s.engine.Name()); err != nil {
			s.logger.Warn("vector_upsert_failed", zap.String("chunk", chunk.ID), zap.Error(err))
			continue
		}
		embedded++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doc_id":   docID,
		"chunks":   len(chunks),
		"embedded": embedded,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func scopedKey(workspace, key string) string {
	if key == "" {
		return ""
	}
	return workspace + "\x00" + key
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
