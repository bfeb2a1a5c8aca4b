// Package server exposes the answer engine over HTTP: JSON endpoints for
// answers, approvals, calibration, audit, and metrics, plus an SSE stream
// for live answer turns. Requests resolve to a workspace, whose stores and
// policy overlay are loaded on demand.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"veritor/internal/agent"
	"veritor/internal/approval"
	"veritor/internal/compose"
	"veritor/internal/config"
	"veritor/internal/embedding"
	"veritor/internal/logging"
	"veritor/internal/metrics"
	"veritor/internal/policy"
	"veritor/internal/redact"
	"veritor/internal/retrieval"
	"veritor/internal/store"
	"veritor/internal/tools"
	"veritor/internal/uq"
	"veritor/internal/verify"
)

const thresholdCacheTTL = 5 * time.Minute

// Server wires shared engine components and serves the HTTP surface.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	index      *store.IndexStore
	cp         *store.CPStore
	engine     embedding.Engine
	composer   compose.Composer
	verifier   *verify.Verifier
	calibrator *uq.Calibrator
	thresholds *policy.ThresholdCache
	guardrails *redact.Guardrails
	searcher   *tools.Searcher
	fetcher    *tools.Fetcher
	approvals  *approval.Store
	registry   *metrics.Registry
	collector  *metrics.Collector
	idem       *idempotencyCache

	mu       sync.Mutex
	runtimes map[string]*workspaceRuntime
	limiters map[string]*rate.Limiter
}

// workspaceRuntime holds the per-workspace stores and the agent bound to
// them.
type workspaceRuntime struct {
	slug    string
	ws      *store.WorkspaceStore
	steps   *store.StepStore
	memory  *store.MemoryStore
	corpus  *store.CorpusStore
	vectors *store.VectorStore
	querier *tools.TableQuerier
	sweeper *store.Sweeper
	agent   *agent.Agent
}

// RunRetention periodically prunes expired step and memory records in
// every open workspace.
func (s *Server) RunRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			sweepers := make([]*store.Sweeper, 0, len(s.runtimes))
			for _, rt := range s.runtimes {
				sweepers = append(sweepers, rt.sweeper)
			}
			s.mu.Unlock()
			for _, sw := range sweepers {
				sw.SweepOnce()
			}
		}
	}
}

// New builds a server from configuration, opening the index database and
// the shared engine components.
func New(cfg config.Config) (*Server, error) {
	logger := logging.Named("server")

	index, err := store.NewIndexStore(cfg.IndexDBPath())
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	cp := store.NewCPStore(index.DB())

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding engine: %w", err)
	}

	approvals := approval.NewStore(cfg.ApprovalsTTL())
	registry := metrics.NewRegistry()

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		index:      index,
		cp:         cp,
		engine:     engine,
		composer:   compose.New(cfg.Generation),
		verifier:   verify.New(modelVerifier(cfg.Generation)),
		calibrator: uq.NewCalibrator(cp, thresholdCacheTTL),
		thresholds: policy.NewThresholdCache(cp, cfg.Decision.CPTargetMis, cfg.Decision.CPMinAccepts, thresholdCacheTTL),
		guardrails: redact.NewGuardrails(cfg.GuardrailsPath, logger),
		searcher:   tools.NewSearcher(cfg.Tools.Search),
		fetcher:    tools.NewFetcher(cfg.Tools.Egress),
		approvals:  approvals,
		registry:   registry,
		collector:  metrics.NewCollector(registry, cp, approvals, cfg.Alerts, cfg.Decision.CPTargetMis),
		idem:       newIdempotencyCache(idempotencyTTL, idempotencyMax),
		runtimes:   make(map[string]*workspaceRuntime),
		limiters:   make(map[string]*rate.Limiter),
	}
	return s, nil
}

// Close releases workspace handles and the index database.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.runtimes {
		rt.ws.Close()
	}
	s.runtimes = make(map[string]*workspaceRuntime)
	if s.guardrails != nil {
		s.guardrails.Close()
	}
	return s.index.Close()
}

// Approvals exposes the approval store so the serve command can run its
// expiry sweeper.
func (s *Server) Approvals() *approval.Store { return s.approvals }

// runtime returns the workspace runtime for a slug, opening its database
// and wiring its agent on first use.
func (s *Server) runtime(slug string) (*workspaceRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[slug]; ok {
		return rt, nil
	}

	if _, err := s.index.EnsureWorkspace(slug, slug, ""); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	ws, err := store.OpenWorkspace(s.cfg.WorkspaceDBPath(slug))
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}

	memory := store.NewMemoryStore(ws)
	corpus := store.NewCorpusStore(ws)
	vectors := store.NewVectorStore(ws, corpus, s.engine.Dimensions())
	querier := tools.NewTableQuerier(ws.DB(), s.cfg.Tools.Table)
	steps := store.NewStepStore(ws)

	rt := &workspaceRuntime{
		slug:    slug,
		ws:      ws,
		steps:   steps,
		memory:  memory,
		corpus:  corpus,
		vectors: vectors,
		querier: querier,
		sweeper: store.NewSweeper(ws, s.cfg.Retention.StepsTTLDays, s.cfg.Retention.MemoryTTLDays, 0),
		agent: agent.New(agent.Deps{
			Config:     s.cfg,
			Retriever:  retrieval.New(memory, corpus, vectors, s.engine, s.cfg.Retrieval),
			Composer:   s.composer,
			Verifier:   s.verifier,
			Embedder:   s.engine,
			Calibrator: s.calibrator,
			Thresholds: s.thresholds,
			Guardrails: s.guardrails,
			Searcher:   s.searcher,
			Fetcher:    s.fetcher,
			Querier:    querier,
			Approvals:  s.approvals,
			Steps:      steps,
			Metrics:    s.registry,
			Logger:     s.logger.Named(slug),
		}),
	}
	s.runtimes[slug] = rt
	return rt, nil
}

// overlayFor loads and parses the stored policy overlay for a workspace.
// A missing or malformed overlay yields nil, which permits everything.
func (s *Server) overlayFor(slug string) *policy.Overlay {
	raw, err := s.index.PolicyOverlay(slug)
	if err != nil || raw == "" {
		return nil
	}
	overlay, err := policy.ParseOverlay([]byte(raw))
	if err != nil {
		s.logger.Warn("overlay_parse_failed", zap.String("workspace", slug), zap.Error(err))
		return nil
	}
	return overlay
}

// Handler builds the route table with auth and rate-limit middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent/answer", s.handleAnswer)
	mux.HandleFunc("POST /agent/answer/stream", s.handleAnswerStream)
	mux.HandleFunc("POST /tools/approve", s.handleApprove)
	mux.HandleFunc("GET /cp/threshold", s.handleCPThreshold)
	mux.HandleFunc("POST /cp/artifacts", s.handleCPArtifacts)
	mux.HandleFunc("GET /steps/recent", s.handleStepsRecent)
	mux.HandleFunc("GET /steps/{id}", s.handleStepDetail)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/prom", s.handleMetricsProm)
	mux.HandleFunc("POST /gov/check", s.handleGovCheck)
	mux.HandleFunc("POST /memory", s.handleMemoryAdd)
	mux.HandleFunc("POST /rag/docs", s.handleDocAdd)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.withAuth(s.withRateLimit(mux))
}

// ListenAndServe runs the HTTP server until it fails or is shut down.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  parseDurationDefault(s.cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout: parseDurationDefault(s.cfg.Server.WriteTimeout, 0),
	}
	s.logger.Info("listening", zap.String("addr", s.cfg.Server.Addr))
	return srv.ListenAndServe()
}

// modelVerifier builds the optional second-opinion verifier. Anything but
// a working genai client leaves the rule engine deciding alone.
func modelVerifier(cfg config.GenerationConfig) verify.ModelVerifier {
	if cfg.Provider != "genai" {
		return nil
	}
	mv, err := verify.NewGenAIVerifier(cfg.Model)
	if err != nil {
		logging.Named("server").Warn("model_verifier_unavailable", zap.Error(err))
		return nil
	}
	return mv
}

func parseDurationDefault(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
