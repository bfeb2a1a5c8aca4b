// Package pcn implements proof-carrying numbers. Every numeric fact a tool
// produces is registered as a pending entry, verified against its source
// (math recomputation, SQL result, fetched URL), and substituted into the
// draft answer only once verified. Unverified placeholders degrade to an
// explicit sentinel instead of leaking unchecked numbers.
package pcn

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"veritor/internal/mathexpr"
)

// Entry statuses.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusFailed   = "failed"
)

// Event types emitted to the stream.
const (
	EventPending  = "pcn_pending"
	EventVerified = "pcn_verified"
	EventFailed   = "pcn_failed"
)

// Policy constrains how a numeric fact is verified.
type Policy struct {
	Type      string  `json:"type,omitempty"` // math, sql, url
	Tolerance float64 `json:"tolerance,omitempty"`
	Units     string  `json:"units,omitempty"`
}

// Entry is one tracked numeric fact.
type Entry struct {
	TokenID    string            `json:"id"`
	Policy     Policy            `json:"policy"`
	Provenance map[string]string `json:"provenance"`
	Status     string            `json:"status"`
	Value      string            `json:"value,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// Event is the stream payload for one entry transition.
type Event struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Value      string            `json:"value,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Policy     Policy            `json:"policy"`
	Provenance map[string]string `json:"provenance,omitempty"`
}

// Verifier tracks entries for one request.
type Verifier struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewVerifier builds an empty ledger.
func NewVerifier() *Verifier {
	return &Verifier{entries: make(map[string]*Entry)}
}

// Register records a new pending entry and returns its pending event.
func (v *Verifier) Register(tokenID string, policy Policy, provenance map[string]string) Event {
	entry := &Entry{
		TokenID:    tokenID,
		Policy:     policy,
		Provenance: cloneMeta(provenance),
		Status:     StatusPending,
	}
	v.mu.Lock()
	v.entries[tokenID] = entry
	v.mu.Unlock()
	return entry.event(EventPending)
}

// VerifyMath recomputes expr and checks the observed value against it
// within the entry's tolerance, then validates units when the policy names
// one.
func (v *Verifier) VerifyMath(tokenID, expr string, observed float64) Event {
	entry := v.require(tokenID)
	expected, err := mathexpr.Eval(expr)
	if err != nil {
		return v.markFailed(entry, fmt.Sprintf("recompute failed: %v", err))
	}
	tolerance := entry.Policy.Tolerance
	if math.IsNaN(tolerance) || tolerance < 0 {
		tolerance = 0
	}
	if math.Abs(expected-observed) > tolerance {
		return v.markFailed(entry, fmt.Sprintf("value %g differs from expected %g (tol=%g)", observed, expected, tolerance))
	}
	if entry.Policy.Units != "" && !ValidateNumericUnit(observed, entry.Policy.Units) {
		return v.markFailed(entry, "invalid_units:"+entry.Policy.Units)
	}
	return v.markVerified(entry, FormatNumber(observed))
}

// VerifySQL accepts a numeric value produced by a guarded query.
func (v *Verifier) VerifySQL(tokenID string, value string) Event {
	entry := v.require(tokenID)
	numeric, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return v.markFailed(entry, "not numeric: "+value)
	}
	if entry.Policy.Units != "" && !ValidateNumericUnit(numeric, entry.Policy.Units) {
		return v.markFailed(entry, "invalid_units:"+entry.Policy.Units)
	}
	return v.markVerified(entry, FormatNumber(numeric))
}

// VerifyURL records a fetched source URL as the verified value.
func (v *Verifier) VerifyURL(tokenID, url string) Event {
	entry := v.require(tokenID)
	return v.markVerified(entry, url)
}

// Fail marks an entry failed with a reason.
func (v *Verifier) Fail(tokenID, reason string) Event {
	return v.markFailed(v.require(tokenID), reason)
}

// ValueFor returns the verified value, or empty when the entry is absent
// or not verified.
func (v *Verifier) ValueFor(tokenID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.entries[tokenID]
	if !ok || entry.Status != StatusVerified {
		return ""
	}
	return entry.Value
}

// StatusFor returns the entry status, or empty when unknown.
func (v *Verifier) StatusFor(tokenID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if entry, ok := v.entries[tokenID]; ok {
		return entry.Status
	}
	return ""
}

// Unresolved lists token IDs that are still pending or failed, for the
// verifier's numeric_unverified issues.
func (v *Verifier) Unresolved() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for id, entry := range v.entries {
		if entry.Status != StatusVerified {
			out = append(out, id)
		}
	}
	return out
}

func (v *Verifier) require(tokenID string) *Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.entries[tokenID]
	if !ok {
		entry = &Entry{TokenID: tokenID, Status: StatusPending}
		v.entries[tokenID] = entry
	}
	return entry
}

func (v *Verifier) markVerified(entry *Entry, value string) Event {
	v.mu.Lock()
	entry.Status = StatusVerified
	entry.Value = value
	entry.Reason = ""
	v.mu.Unlock()
	return entry.event(EventVerified)
}

func (v *Verifier) markFailed(entry *Entry, reason string) Event {
	v.mu.Lock()
	entry.Status = StatusFailed
	entry.Reason = reason
	entry.Value = ""
	v.mu.Unlock()
	return entry.event(EventFailed)
}

func (e *Entry) event(kind string) Event {
	return Event{
		Type:       kind,
		ID:         e.TokenID,
		Value:      e.Value,
		Reason:     e.Reason,
		Policy:     e.Policy,
		Provenance: e.Provenance,
	}
}

// FormatNumber renders a verified value compactly: integers without a
// fraction, everything else with six significant digits.
func FormatNumber(val float64) string {
	if val == math.Trunc(val) && math.Abs(val) < 1e15 {
		return strconv.FormatInt(int64(val), 10)
	}
	return strconv.FormatFloat(val, 'g', 6, 64)
}

// Provenance builders ------------------------------------------------

// MathProvenance records the recomputed expression.
func MathProvenance(expr string) map[string]string {
	return map[string]string{
		"expr": expr,
		"ts":   strconv.FormatInt(time.Now().Unix(), 10),
	}
}

// URLProvenance records the fetched source.
func URLProvenance(url string) map[string]string {
	return map[string]string{"url": url}
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
