package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const defaultMaxAttempts = 3

func jobTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// EnqueueJob stores job as pending. A zero RunAfter makes it due now.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now()
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, JobPending, job.MaxAttempts, jobTime(runAfter), jobTime(now), jobTime(now),
	)
	if err != nil {
		return fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	return nil
}

// ClaimNextJob moves the oldest due pending job of one of types to running
// in a single statement. It returns nil when no job is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := jobTime(time.Now())
	args := []any{JobRunning, now, JobPending, now}
	for _, t := range types {
		args = append(args, t)
	}
	query := `UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

	var (
		j                              Job
		runAfter, createdAt, updatedAt string
		lastError                      sql.NullString
	)
	err := s.db.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	j.LastError = lastError.String
	for _, ts := range []struct {
		dst *time.Time
		raw string
	}{{&j.RunAfter, runAfter}, {&j.CreatedAt, createdAt}, {&j.UpdatedAt, updatedAt}} {
		if *ts.dst, err = time.Parse(time.RFC3339, ts.raw); err != nil {
			return nil, fmt.Errorf("parsing timestamps of job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, JobCompleted, jobTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records errMsg and either reschedules the job with a 2^attempts
// second backoff or, once max_attempts is reached, marks it failed.
func (s *Store) FailJob(id string, errMsg string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now()
		attempts++
		status, runAfter := JobPending, now.Add(time.Second<<attempts)
		if attempts >= maxAttempts {
			status, runAfter = JobFailed, now
		}
		_, err = tx.Exec(`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			status, attempts, errMsg, jobTime(runAfter), jobTime(now), id)
		return err
	})
}
