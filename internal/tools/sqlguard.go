package tools

import (
	"regexp"
	"strings"
)

var (
	selectOnlyRe = regexp.MustCompile(`(?is)^\s*select\s`)
	blockedRe    = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|attach|detach|pragma|with|union)\b`)
	fromTableRe  = regexp.MustCompile(`(?i)\b(?:from|join)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)
)

// CheckSQL validates that sql is a single read-only SELECT with no
// statement stacking, comments, or blocked constructs.
func CheckSQL(sql string) error {
	s := strings.TrimSpace(sql)
	if !selectOnlyRe.MatchString(s) {
		return ErrNotSelect
	}
	if strings.Contains(s, ";") || strings.Contains(s, "--") ||
		strings.Contains(s, "/*") || strings.Contains(s, "*/") {
		return ErrForbiddenConstruct
	}
	if blockedRe.MatchString(s) {
		return ErrForbiddenConstruct
	}
	return nil
}

// ReferencedTables extracts table names from FROM and JOIN clauses.
func ReferencedTables(sql string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range fromTableRe.FindAllStringSubmatch(sql, -1) {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// TablesAllowed reports whether every referenced table is in the
// allowlist. An empty allowlist or a query without tables fails closed.
func TablesAllowed(sql string, allowed []string) bool {
	tables := ReferencedTables(sql)
	if len(tables) == 0 || len(allowed) == 0 {
		return false
	}
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(a)] = true
	}
	for _, t := range tables {
		if !set[t] {
			return false
		}
	}
	return true
}
