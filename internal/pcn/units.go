package pcn

import "strings"

// knownUnits are the units the policy layer accepts without a full
// dimensional analysis library. Matching the unit name is a conservative
// gate: unknown units fail verification rather than passing silently.
var knownUnits = map[string]bool{
	"%": true, "percent": true,
	"count": true,
	"ms":    true, "s": true, "min": true, "h": true,
	"m": true, "km": true, "cm": true, "mm": true, "mi": true, "ft": true,
	"g": true, "kg": true, "mg": true, "lb": true,
	"b": true, "kb": true, "mb": true, "gb": true,
	"usd": true, "eur": true,
	"c": true, "f": true, "k": true,
}

// ValidateNumericUnit reports whether a value/unit pair is acceptable.
// Percent values outside [0,100] are rejected.
func ValidateNumericUnit(value float64, unit string) bool {
	u := strings.ToLower(strings.TrimSpace(unit))
	if u == "" {
		return true
	}
	if !knownUnits[u] {
		return false
	}
	if (u == "%" || u == "percent") && (value < 0 || value > 100) {
		return false
	}
	if u == "count" && value < 0 {
		return false
	}
	return true
}
