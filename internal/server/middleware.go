package server

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	ctxWorkspace contextKey = "workspace"
	ctxRole      contextKey = "role"
)

// workspaceHeader selects a workspace when API-key auth is disabled.
const workspaceHeader = "X-Workspace"

func workspaceFrom(ctx context.Context) string {
	if ws, ok := ctx.Value(ctxWorkspace).(string); ok && ws != "" {
		return ws
	}
	return "default"
}

func roleFrom(ctx context.Context) string {
	if role, ok := ctx.Value(ctxRole).(string); ok {
		return role
	}
	return ""
}

// withAuth resolves the caller's workspace. With auth required, a valid
// workspace API key must be presented; without it, an optional workspace
// header is honored.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.cfg.Auth.Required {
			token := strings.TrimSpace(r.Header.Get(s.cfg.Auth.APIKeyHeader))
			if token == "" || !strings.HasPrefix(token, s.cfg.Auth.APIKeyPrefix) {
				writeError(w, http.StatusUnauthorized, "missing or malformed API key")
				return
			}
			rec, err := s.index.LookupKey(token)
			if err != nil {
				s.logger.Warn("key_lookup_failed", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			if rec == nil {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			ctx = context.WithValue(ctx, ctxWorkspace, rec.Workspace)
			ctx = context.WithValue(ctx, ctxRole, rec.Role)
		} else if ws := strings.TrimSpace(r.Header.Get(workspaceHeader)); ws != "" {
			ctx = context.WithValue(ctx, ctxWorkspace, ws)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRateLimit applies a per-workspace token bucket when enabled.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if !s.cfg.Server.RateLimitEnabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(workspaceFrom(r.Context())).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		perMin := s.cfg.Server.RateLimitPerMin
		if perMin <= 0 {
			perMin = 120
		}
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		s.limiters[key] = lim
	}
	return lim
}
