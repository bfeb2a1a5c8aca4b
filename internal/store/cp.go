package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// CPArtifact is one calibration observation: a final score, whether the
// decision head accepted at the time, and whether the answer was correct.
type CPArtifact struct {
	ID       string  `json:"id"`
	TS       float64 `json:"ts"`
	RunID    string  `json:"run_id"`
	Domain   string  `json:"domain"`
	S        float64 `json:"s"`
	Accepted bool    `json:"accepted"`
	Correct  bool    `json:"correct"`
}

// CPDomainStats summarizes calibration artifacts for one domain.
type CPDomainStats struct {
	N               int     `json:"n"`
	Accepted        int     `json:"accepted"`
	FalseAccept     int     `json:"false_accept"`
	RateAccept      float64 `json:"rate_accept"`
	RateFalseAccept float64 `json:"rate_false_accept"`
}

// CPReference is the persisted calibration snapshot for a domain, including
// the uncertainty-score quantiles used for drift detection.
type CPReference struct {
	Domain    string             `json:"domain"`
	RunID     string             `json:"run_id"`
	TargetMis float64            `json:"target_mis"`
	Tau       *float64           `json:"tau"`
	Stats     CPDomainStats      `json:"stats"`
	Quantiles map[string]float64 `json:"snne_quantiles"`
	Updated   float64            `json:"updated"`
}

// CPStore persists conformal-calibration artifacts on the index database.
type CPStore struct {
	db *sql.DB
}

// NewCPStore wraps the index database handle.
func NewCPStore(db *sql.DB) *CPStore {
	return &CPStore{db: db}
}

// AddArtifacts records a batch of calibration observations.
func (s *CPStore) AddArtifacts(runID, domain string, items []CPArtifact) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	stmt, err := tx.Prepare(
		`INSERT INTO cp_artifacts (id, ts, run_id, domain, S, accepted, correct) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	ts := nowUnix()
	for _, it := range items {
		if _, err := stmt.Exec(uuid.NewString(), ts, runID, domain, it.S, boolInt(it.Accepted), boolInt(it.Correct)); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(items), nil
}

// Artifacts returns all calibration observations for a domain.
func (s *CPStore) Artifacts(domain string) ([]CPArtifact, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, run_id, domain, S, accepted, correct FROM cp_artifacts WHERE domain=? ORDER BY ts`,
		domain,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CPArtifact
	for rows.Next() {
		var a CPArtifact
		var accepted, correct int
		var runID sql.NullString
		if err := rows.Scan(&a.ID, &a.TS, &runID, &a.Domain, &a.S, &accepted, &correct); err != nil {
			return nil, err
		}
		a.RunID = runID.String
		a.Accepted = accepted != 0
		a.Correct = correct != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// ComputeThreshold finds the lowest candidate threshold tau such that the
// false-accept rate among artifacts with S >= tau stays within targetMis,
// considering only thresholds with at least minAccepts accepted artifacts.
// Returns nil when no threshold qualifies.
func (s *CPStore) ComputeThreshold(domain string, targetMis float64, minAccepts int) (*float64, error) {
	artifacts, err := s.Artifacts(domain)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, nil
	}

	candidates := make(map[float64]struct{}, len(artifacts))
	for _, a := range artifacts {
		candidates[a.S] = struct{}{}
	}
	taus := make([]float64, 0, len(candidates))
	for tau := range candidates {
		taus = append(taus, tau)
	}
	sort.Float64s(taus)

	var best *float64
	for _, tau := range taus {
		var total, accepted, falseAccept int
		for _, a := range artifacts {
			if a.S < tau {
				continue
			}
			total++
			if a.Accepted {
				accepted++
				if !a.Correct {
					falseAccept++
				}
			}
		}
		if total < minAccepts || accepted == 0 {
			continue
		}
		rate := float64(falseAccept) / float64(accepted)
		if rate <= targetMis {
			if best == nil || tau < *best {
				t := tau
				best = &t
			}
		}
	}
	return best, nil
}

// RecentScores returns the newest final scores for a domain, most recent
// first, for drift monitoring.
func (s *CPStore) RecentScores(domain string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(
		`SELECT S FROM cp_artifacts WHERE domain=? ORDER BY ts DESC LIMIT ?`, domain, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DomainStats computes acceptance and false-accept rates per domain. With an
// empty domain it covers all domains.
func (s *CPStore) DomainStats(domain string) (map[string]CPDomainStats, error) {
	var rows *sql.Rows
	var err error
	if domain == "" {
		rows, err = s.db.Query(`SELECT domain, accepted, correct FROM cp_artifacts`)
	} else {
		rows, err = s.db.Query(`SELECT domain, accepted, correct FROM cp_artifacts WHERE domain=?`, domain)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]CPDomainStats)
	for rows.Next() {
		var d string
		var accepted, correct int
		if err := rows.Scan(&d, &accepted, &correct); err != nil {
			return nil, err
		}
		st := stats[d]
		st.N++
		if accepted != 0 {
			st.Accepted++
			if correct == 0 {
				st.FalseAccept++
			}
		}
		stats[d] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for d, st := range stats {
		if st.N > 0 {
			st.RateAccept = float64(st.Accepted) / float64(st.N)
		}
		if st.Accepted > 0 {
			st.RateFalseAccept = float64(st.FalseAccept) / float64(st.Accepted)
		}
		stats[d] = st
	}
	return stats, nil
}

// UpsertReference persists the calibration snapshot for a domain.
func (s *CPStore) UpsertReference(ref CPReference) error {
	statsJSON, err := json.Marshal(ref.Stats)
	if err != nil {
		return err
	}
	quantJSON, err := json.Marshal(ref.Quantiles)
	if err != nil {
		return err
	}
	var tau interface{}
	if ref.Tau != nil {
		tau = *ref.Tau
	}
	_, err = s.db.Exec(
		`INSERT INTO cp_reference (domain, run_id, target_mis, tau, stats_json, snne_quantiles, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
		   run_id=excluded.run_id,
		   target_mis=excluded.target_mis,
		   tau=excluded.tau,
		   stats_json=excluded.stats_json,
		   snne_quantiles=excluded.snne_quantiles,
		   updated=excluded.updated`,
		ref.Domain, ref.RunID, ref.TargetMis, tau, string(statsJSON), string(quantJSON), nowUnix(),
	)
	return err
}

// Reference returns the stored calibration snapshot for a domain.
func (s *CPStore) Reference(domain string) (*CPReference, error) {
	var ref CPReference
	var tau sql.NullFloat64
	var statsJSON, quantJSON sql.NullString
	var runID sql.NullString
	err := s.db.QueryRow(
		`SELECT domain, run_id, target_mis, tau, stats_json, snne_quantiles, updated
		 FROM cp_reference WHERE domain=?`, domain,
	).Scan(&ref.Domain, &runID, &ref.TargetMis, &tau, &statsJSON, &quantJSON, &ref.Updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ref.RunID = runID.String
	if tau.Valid {
		ref.Tau = &tau.Float64
	}
	if statsJSON.Valid && statsJSON.String != "" {
		if err := json.Unmarshal([]byte(statsJSON.String), &ref.Stats); err != nil {
			return nil, fmt.Errorf("corrupt stats_json for domain %s: %w", domain, err)
		}
	}
	ref.Quantiles = map[string]float64{}
	if quantJSON.Valid && quantJSON.String != "" {
		if err := json.Unmarshal([]byte(quantJSON.String), &ref.Quantiles); err != nil {
			return nil, fmt.Errorf("corrupt snne_quantiles for domain %s: %w", domain, err)
		}
	}
	return &ref, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
