package store

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

// StepRecord is the persisted audit record for one answer turn or
// refinement. Question and answer text must be redacted before insertion;
// the store never sees raw user text.
type StepRecord struct {
	ID            string             `json:"id"`
	TS            float64            `json:"ts"`
	Step          int                `json:"step"`
	Question      string             `json:"question"`
	Answer        string             `json:"answer"`
	Domain        string             `json:"domain,omitempty"`
	S1            float64            `json:"s1"`
	S2            float64            `json:"s2"`
	FinalScore    float64            `json:"final_score"`
	CPAccept      bool               `json:"cp_accept"`
	Action        string             `json:"action"`
	Reason        string             `json:"reason"`
	IsRefinement  bool               `json:"is_refinement"`
	Status        string             `json:"status"`
	LatencyMS     int64              `json:"latency_ms"`
	Usage         map[string]float64 `json:"usage,omitempty"`
	PackIDs       []string           `json:"pack_ids,omitempty"`
	Issues        []string           `json:"issues,omitempty"`
	ToolsUsed     []string           `json:"tools_used,omitempty"`
	ChangeSummary string             `json:"change_summary,omitempty"`
	EvalID        string             `json:"eval_id,omitempty"`
	DatasetCaseID string             `json:"dataset_case_id,omitempty"`
	TraceJSON     string             `json:"trace_json,omitempty"`
}

// Step statuses.
const (
	StepStatusOK         = "ok"
	StepStatusIncomplete = "incomplete"
	StepStatusError      = "error"
)

// StepStore persists StepRecords in a workspace database.
type StepStore struct {
	db *sql.DB
}

// NewStepStore wraps a workspace database handle.
func NewStepStore(ws *WorkspaceStore) *StepStore {
	return &StepStore{db: ws.DB()}
}

// Insert writes a step record and returns its id. A zero ID is assigned a
// fresh UUID; a zero TS is stamped with the current time.
func (s *StepStore) Insert(rec *StepRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.TS == 0 {
		rec.TS = nowUnix()
	}
	if rec.Status == "" {
		rec.Status = StepStatusOK
	}

	usage, _ := json.Marshal(rec.Usage)
	packIDs, _ := json.Marshal(rec.PackIDs)
	issues, _ := json.Marshal(rec.Issues)
	tools, _ := json.Marshal(rec.ToolsUsed)

	_, err := s.db.Exec(
		`INSERT INTO steps (
		   id, ts, step, question, answer, domain, s1, s2, final_score, cp_accept,
		   action, reason, is_refinement, status, latency_ms, usage, pack_ids,
		   issues, tools_used, change_summary, eval_id, dataset_case_id, trace_json
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TS, rec.Step, rec.Question, rec.Answer, nullEmpty(rec.Domain),
		rec.S1, rec.S2, rec.FinalScore, boolInt(rec.CPAccept),
		rec.Action, rec.Reason, boolInt(rec.IsRefinement), rec.Status, rec.LatencyMS,
		string(usage), string(packIDs), string(issues), string(tools),
		nullEmpty(rec.ChangeSummary), nullEmpty(rec.EvalID), nullEmpty(rec.DatasetCaseID),
		nullEmpty(rec.TraceJSON),
	)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Get returns one step by id.
func (s *StepStore) Get(id string) (*StepRecord, error) {
	row := s.db.QueryRow(selectSteps+` WHERE id=?`, id)
	rec, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// Recent returns the most recent steps, newest first.
func (s *StepStore) Recent(limit int) ([]StepRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(selectSteps+` ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

const selectSteps = `SELECT id, ts, step, question, answer, domain, s1, s2, final_score,
  cp_accept, action, reason, is_refinement, status, latency_ms, usage, pack_ids,
  issues, tools_used, change_summary, eval_id, dataset_case_id, trace_json FROM steps`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStep(row rowScanner) (*StepRecord, error) {
	var rec StepRecord
	var cpAccept, isRefinement int
	var domain, usage, packIDs, issues, tools, changeSummary, evalID, caseID, traceJSON sql.NullString
	err := row.Scan(
		&rec.ID, &rec.TS, &rec.Step, &rec.Question, &rec.Answer, &domain,
		&rec.S1, &rec.S2, &rec.FinalScore, &cpAccept, &rec.Action, &rec.Reason,
		&isRefinement, &rec.Status, &rec.LatencyMS, &usage, &packIDs,
		&issues, &tools, &changeSummary, &evalID, &caseID, &traceJSON,
	)
	if err != nil {
		return nil, err
	}
	rec.CPAccept = cpAccept != 0
	rec.IsRefinement = isRefinement != 0
	rec.Domain = domain.String
	rec.ChangeSummary = changeSummary.String
	rec.EvalID = evalID.String
	rec.DatasetCaseID = caseID.String
	rec.TraceJSON = traceJSON.String
	if usage.Valid && usage.String != "" {
		_ = json.Unmarshal([]byte(usage.String), &rec.Usage)
	}
	if packIDs.Valid && packIDs.String != "" {
		_ = json.Unmarshal([]byte(packIDs.String), &rec.PackIDs)
	}
	if issues.Valid && issues.String != "" {
		_ = json.Unmarshal([]byte(issues.String), &rec.Issues)
	}
	if tools.Valid && tools.String != "" {
		_ = json.Unmarshal([]byte(tools.String), &rec.ToolsUsed)
	}
	return &rec, nil
}

func nullEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
