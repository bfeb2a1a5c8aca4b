package tools

import (
	"context"

	"veritor/internal/config"
	"veritor/internal/mathexpr"
	"veritor/internal/pcn"
)

// MathResult is the MATH_EVAL payload.
type MathResult struct {
	Expression string  `json:"expression"`
	Value      float64 `json:"value"`
	Formatted  string  `json:"formatted"`
}

// EvalMath evaluates a safe arithmetic expression.
func EvalMath(expr string) (*MathResult, error) {
	value, err := mathexpr.Eval(expr)
	if err != nil {
		return nil, err
	}
	return &MathResult{
		Expression: expr,
		Value:      value,
		Formatted:  pcn.FormatNumber(value),
	}, nil
}

// NewBuiltinRegistry registers the four built-in tools over the given
// collaborators. querier may be nil when no workspace database is open.
func NewBuiltinRegistry(cfg config.ToolsConfig, searcher *Searcher, fetcher *Fetcher, querier *TableQuerier) *Registry {
	reg := NewRegistry()
	if searcher == nil {
		searcher = NewSearcher(cfg.Search)
	}
	if fetcher == nil {
		fetcher = NewFetcher(cfg.Egress)
	}

	reg.MustRegister(&Tool{
		Name:        NameWebSearch,
		Description: "Deterministic fixture-backed web search returning {title,url,snippet} hits.",
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			query, _ := args["q"].(string)
			k, _ := args["k"].(int)
			return searcher.Search(query, k)
		},
	})
	reg.MustRegister(&Tool{
		Name:        NameWebFetch,
		Description: "Policy-guarded HTTP fetch with HTML sanitization and injection screening.",
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			return fetcher.Fetch(ctx, url)
		},
	})
	reg.MustRegister(&Tool{
		Name:        NameMathEval,
		Description: "Safe arithmetic evaluation over a fixed operator and function set.",
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			expr, _ := args["expr"].(string)
			return EvalMath(expr)
		},
	})
	if querier != nil {
		reg.MustRegister(&Tool{
			Name:        NameTableQuery,
			Description: "Read-only SELECT against allowed tables with rate and row limits.",
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				sqlText, _ := args["sql"].(string)
				domain, _ := args["domain"].(string)
				params, _ := args["params"].([]any)
				checks, _ := args["checks"].(map[string]ColumnCheck)
				return querier.Query(ctx, domain, sqlText, params, checks)
			},
		})
	}
	return reg
}
