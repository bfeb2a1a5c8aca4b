// Package tools implements the built-in tool surface available to the
// refinement loop: fixture-backed web search, policy-guarded web fetch,
// safe math evaluation, and read-only table queries. Every tool runs under
// an explicit policy; a blocked call is an outcome, not a crash.
package tools

import (
	"context"
	"errors"
)

// Canonical tool names, as stored in step records and budgets.
const (
	NameWebSearch  = "WEB_SEARCH"
	NameWebFetch   = "WEB_FETCH"
	NameMathEval   = "MATH_EVAL"
	NameTableQuery = "TABLE_QUERY"
)

// Outcome statuses mirrored into tool stream events.
const (
	StatusOK      = "ok"
	StatusBlocked = "blocked"
	StatusFailed  = "failed"
)

// ExecuteFunc is the generic dispatch signature used by the registry.
type ExecuteFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Execute     ExecuteFunc
}

// Validate checks the tool definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Registry errors.
var (
	ErrToolNameEmpty         = errors.New("tool name is empty")
	ErrToolExecuteNil        = errors.New("tool execute function is nil")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
)

// Egress policy errors (WEB_FETCH).
var (
	ErrSchemeDisallowed = errors.New("disallowed scheme")
	ErrTLSRequired      = errors.New("tls_required")
	ErrMissingHost      = errors.New("missing host")
	ErrHostDenied       = errors.New("host not allowed")
	ErrPrivateIP        = errors.New("private_ip_blocked")
	ErrDNSFailed        = errors.New("dns resolution failed")
	ErrRedirectLimit    = errors.New("redirect_limit")
	ErrTooLarge         = errors.New("too_large")
	ErrContentType      = errors.New("unsupported content type")
)

// Table query errors (TABLE_QUERY).
var (
	ErrNotSelect          = errors.New("not_select")
	ErrForbiddenConstruct = errors.New("forbidden_construct")
	ErrTableNotAllowed    = errors.New("table_not_allowed")
	ErrRateLimited        = errors.New("rate_limited")
)
