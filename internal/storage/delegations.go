package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const delegationColumns = `id, session_id, task, context, expected_outcome, status, summary, agent_type, created_at, updated_at`

func scanDelegation(r rowScanner) (Delegation, error) {
	var d Delegation
	var rawContext, createdAt, updatedAt string
	if err := r.Scan(&d.ID, &d.SessionID, &d.Task, &rawContext, &d.ExpectedOutcome, &d.Status, &d.Summary,
		&d.AgentType, &createdAt, &updatedAt); err != nil {
		return Delegation{}, err
	}
	if err := json.Unmarshal([]byte(rawContext), &d.Context); err != nil {
		return Delegation{}, fmt.Errorf("decoding context for delegation %s: %w", d.SessionID, err)
	}
	var err error
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Delegation{}, fmt.Errorf("parsing created_at for delegation %s: %w", d.SessionID, err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Delegation{}, fmt.Errorf("parsing updated_at for delegation %s: %w", d.SessionID, err)
	}
	return d, nil
}

// SaveDelegation inserts a new session record.
func (s *Store) SaveDelegation(d Delegation) (Delegation, error) {
	ctxJSON, err := json.Marshal(nonNil(d.Context))
	if err != nil {
		return Delegation{}, fmt.Errorf("encoding delegation context: %w", err)
	}
	status := d.Status
	if status == "" {
		status = "queued"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`
		INSERT INTO delegations (session_id, task, context, expected_outcome, status, summary, agent_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.SessionID, d.Task, string(ctxJSON), d.ExpectedOutcome, status, d.Summary, d.AgentType, now, now,
	); err != nil {
		return Delegation{}, fmt.Errorf("inserting delegation %s: %w", d.SessionID, err)
	}
	return s.GetDelegation(d.SessionID)
}

func (s *Store) GetDelegation(sessionID string) (Delegation, error) {
	d, err := scanDelegation(s.db.QueryRow(`SELECT `+delegationColumns+` FROM delegations WHERE session_id = ?`, sessionID))
	if err == sql.ErrNoRows {
		return Delegation{}, ErrNotFound
	}
	if err != nil {
		return Delegation{}, err
	}
	return d, nil
}

// UpdateDelegation sets status and, when summary is non-nil, the summary.
// It always bumps updated_at, so an unchanged status acts as a keepalive.
func (s *Store) UpdateDelegation(sessionID, status string, summary *string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var res sql.Result
	var err error
	if summary != nil {
		res, err = s.db.Exec(`UPDATE delegations SET status = ?, summary = ?, updated_at = ? WHERE session_id = ?`,
			status, *summary, now, sessionID)
	} else {
		res, err = s.db.Exec(`UPDATE delegations SET status = ?, updated_at = ? WHERE session_id = ?`,
			status, now, sessionID)
	}
	if err != nil {
		return fmt.Errorf("updating delegation %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishDelegation moves a delegation that is still queued or in progress
// to a terminal status. A delegation that already finished keeps its state
// and ErrFinished is returned.
func (s *Store) FinishDelegation(sessionID, status, summary string) error {
	res, err := s.db.Exec(`UPDATE delegations SET status = ?, summary = ?, updated_at = ?
		WHERE session_id = ? AND status NOT IN ('completed', 'failed')`,
		status, summary, time.Now().UTC().Format(time.RFC3339), sessionID)
	if err != nil {
		return fmt.Errorf("finishing delegation %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	d, err := s.GetDelegation(sessionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("delegation %s %w as %s", sessionID, ErrFinished, d.Status)
}

// TouchDelegation bumps updated_at without changing the status.
func (s *Store) TouchDelegation(sessionID string) error {
	res, err := s.db.Exec(`UPDATE delegations SET updated_at = ? WHERE session_id = ?`,
		time.Now().UTC().Format(time.RFC3339), sessionID)
	if err != nil {
		return fmt.Errorf("touching delegation %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// StaleDelegations returns in-progress sessions not touched since before.
func (s *Store) StaleDelegations(before time.Time) ([]Delegation, error) {
	rows, err := s.db.Query(`SELECT `+delegationColumns+` FROM delegations
		WHERE status = 'in_progress' AND updated_at < ?
		ORDER BY updated_at ASC`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying stale delegations: %w", err)
	}
	defer rows.Close()

	var out []Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
