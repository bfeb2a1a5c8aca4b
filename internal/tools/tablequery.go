package tools

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"veritor/internal/config"
)

// QueryResult is the TABLE_QUERY payload.
type QueryResult struct {
	Columns      []string         `json:"columns"`
	Rows         []map[string]any `json:"rows"`
	Truncated    bool             `json:"truncated"`
	PolicyChecks []string         `json:"policy_checks"`
}

// ColumnCheck declares property checks for one result column.
type ColumnCheck struct {
	NonNegative bool     `json:"non_negative,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	// Monotonic is one of increasing, decreasing, nondecreasing,
	// nonincreasing.
	Monotonic string `json:"monotonic,omitempty"`
}

// TableQuerier runs guarded read-only queries with per-table rate limits.
type TableQuerier struct {
	db  *sql.DB
	cfg config.TableConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTableQuerier wraps a database handle with the table policy.
func NewTableQuerier(db *sql.DB, cfg config.TableConfig) *TableQuerier {
	return &TableQuerier{db: db, cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// AllowedTables returns the effective allowlist for a domain.
func (q *TableQuerier) AllowedTables(domain string) []string {
	if domain != "" {
		if tables, ok := q.cfg.AllowedByDomain[domain]; ok {
			return tables
		}
	}
	return q.cfg.Allowed
}

// Query validates, rate-limits, and executes a SELECT, returning at most
// MaxRows rows.
func (q *TableQuerier) Query(ctx context.Context, domain, sqlText string, params []any, checks map[string]ColumnCheck) (*QueryResult, error) {
	if err := CheckSQL(sqlText); err != nil {
		return nil, err
	}
	allowed := q.AllowedTables(domain)
	if !TablesAllowed(sqlText, allowed) {
		return nil, ErrTableNotAllowed
	}
	for _, table := range ReferencedTables(sqlText) {
		if !q.limiter(table).Allow() {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, table)
		}
	}

	timeout := time.Duration(q.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := q.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	maxRows := q.cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 200
	}

	result := &QueryResult{Columns: cols}
	for rows.Next() {
		if len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.PolicyChecks = EvaluateChecks(result.Rows, checks)
	return result, nil
}

func (q *TableQuerier) limiter(table string) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	lim, ok := q.limiters[table]
	if !ok {
		perMin := q.cfg.RatePerMinute
		if perMin <= 0 {
			perMin = 30
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
		q.limiters[table] = lim
	}
	return lim
}

// EvaluateChecks applies column property checks and returns violation
// codes like "col:count:nonnegative".
func EvaluateChecks(rows []map[string]any, checks map[string]ColumnCheck) []string {
	var violations []string
	if len(rows) == 0 || len(checks) == 0 {
		return violations
	}
	for col, spec := range checks {
		nums := columnFloats(rows, col)
		if spec.NonNegative {
			for _, v := range nums {
				if v != nil && *v < 0 {
					violations = append(violations, "col:"+col+":nonnegative")
					break
				}
			}
		}
		if spec.Min != nil {
			for _, v := range nums {
				if v != nil && *v < *spec.Min {
					violations = append(violations, "col:"+col+":min")
					break
				}
			}
		}
		if spec.Max != nil {
			for _, v := range nums {
				if v != nil && *v > *spec.Max {
					violations = append(violations, "col:"+col+":max")
					break
				}
			}
		}
		if spec.Monotonic != "" && !monotonicOK(nums, spec.Monotonic) {
			violations = append(violations, "col:"+col+":monotonic")
		}
	}
	return violations
}

func monotonicOK(nums []*float64, direction string) bool {
	var prev *float64
	for _, v := range nums {
		if v == nil {
			continue
		}
		if prev != nil {
			switch direction {
			case "increasing":
				if !(*v > *prev) {
					return false
				}
			case "decreasing":
				if !(*v < *prev) {
					return false
				}
			case "nondecreasing":
				if !(*v >= *prev) {
					return false
				}
			case "nonincreasing":
				if !(*v <= *prev) {
					return false
				}
			}
		}
		prev = v
	}
	return true
}

func columnFloats(rows []map[string]any, col string) []*float64 {
	out := make([]*float64, 0, len(rows))
	for _, row := range rows {
		out = append(out, asFloat(row[col]))
	}
	return out
}

func asFloat(v any) *float64 {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return &x
	case float32:
		f := float64(x)
		return &f
	case int64:
		f := float64(x)
		return &f
	case int:
		f := float64(x)
		return &f
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return &f
		}
	case []byte:
		if f, err := strconv.ParseFloat(string(x), 64); err == nil {
			return &f
		}
	}
	return nil
}
