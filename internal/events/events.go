// Package events defines the stream event vocabulary and the server-sent
// events plumbing. Every request emits ready first and exactly one final
// or error last, with score/tool/pcn/gov/trace events interleaved and
// heartbeats when otherwise idle.
package events

import "time"

// Event names.
const (
	NameReady      = "ready"
	NameToken      = "token"
	NameScore      = "score"
	NameTrace      = "trace"
	NameTool       = "tool"
	NamePCN        = "pcn"
	NameGov        = "gov"
	NamePlanning   = "planning"
	NameGuardrails = "guardrails"
	NameHeartbeat  = "heartbeat"
	NameError      = "error"
	NameFinal      = "final"
)

// Tool event statuses.
const (
	ToolStart           = "start"
	ToolStop            = "stop"
	ToolBlocked         = "blocked"
	ToolError           = "error"
	ToolWaitingApproval = "waiting_approval"
)

// Event is one stream item: a name plus a JSON-marshalable payload.
type Event struct {
	Name string
	Data any
}

// Emitter receives events as the engine produces them.
type Emitter func(Event)

// Ready opens the stream with the request correlation ID.
func Ready(requestID string) Event {
	return Event{Name: NameReady, Data: map[string]string{"request_id": requestID}}
}

// Token carries one answer fragment.
func Token(text string) Event {
	return Event{Name: NameToken, Data: map[string]string{"text": text}}
}

// ScorePayload is the per-step scoring summary.
type ScorePayload struct {
	S1         float64  `json:"s1"`
	S2         float64  `json:"s2"`
	FinalScore float64  `json:"final_score"`
	CPAccept   bool     `json:"cp_accept"`
	CPTau      *float64 `json:"cp_tau,omitempty"`
}

// Score wraps a scoring summary.
func Score(p ScorePayload) Event {
	return Event{Name: NameScore, Data: p}
}

// TracePayload summarizes one decided step.
type TracePayload struct {
	Step         int      `json:"step"`
	IsRefinement bool     `json:"is_refinement"`
	Action       string   `json:"action,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Issues       []string `json:"issues"`
	ToolsUsed    []string `json:"tools_used"`
	LatencyMS    int64    `json:"latency_ms,omitempty"`
}

// Trace wraps a step summary.
func Trace(p TracePayload) Event {
	return Event{Name: NameTrace, Data: p}
}

// ToolPayload reports tool lifecycle transitions.
type ToolPayload struct {
	Name   string         `json:"name"`
	Status string         `json:"status"`
	ID     string         `json:"id,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Tool wraps a tool transition.
func Tool(p ToolPayload) Event {
	return Event{Name: NameTool, Data: p}
}

// PCN wraps a proof-carrying-number transition; data is the pcn.Event.
func PCN(data any) Event {
	return Event{Name: NamePCN, Data: data}
}

// GovPayload reports a verification-graph evaluation.
type GovPayload struct {
	OK      bool     `json:"ok"`
	Failing []string `json:"failing"`
}

// Gov wraps a graph evaluation delta.
func Gov(ok bool, failing []string) Event {
	return Event{Name: NameGov, Data: map[string]GovPayload{"dag_delta": {OK: ok, Failing: failing}}}
}

// Planning notes a borderline-band planning pass.
func Planning(detail string) Event {
	return Event{Name: NamePlanning, Data: map[string]string{"detail": detail}}
}

// Guardrails reports a guardrail block.
func Guardrails(stage, rule string) Event {
	return Event{Name: NameGuardrails, Data: map[string]string{"stage": stage, "rule": rule}}
}

// Heartbeat keeps idle streams alive.
func Heartbeat() Event {
	return Event{Name: NameHeartbeat, Data: map[string]int64{"t": time.Now().Unix()}}
}

// Error terminates the stream with a code and a safe message.
func Error(code, message string) Event {
	return Event{Name: NameError, Data: map[string]string{"code": code, "message": message}}
}

// Final terminates the stream with the full result payload.
func Final(result any) Event {
	return Event{Name: NameFinal, Data: result}
}
