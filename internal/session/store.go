// Package session tracks agent execution sessions (delegations) through
// queued, in_progress and a terminal completed or failed state.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/rah/internal/storage"
)

const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ExpiredSummary is recorded on sessions reaped by the Sweeper.
const ExpiredSummary = "Session expired after inactivity"

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = storage.ErrNotFound
	// ErrFinished is returned by Complete when the session already
	// reached a terminal status.
	ErrFinished = storage.ErrFinished
)

// NewID returns a session id of the form <prefix>_<unix ms>_<6 hex chars>.
func NewID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), suffix)
}

// Store is the session tracker used by the executor and the workflow runner.
type Store interface {
	Create(d storage.Delegation) (storage.Delegation, error)
	Get(sessionID string) (storage.Delegation, error)
	MarkInProgress(sessionID string) error
	// Touch records activity so the session is not reaped as idle.
	Touch(sessionID string) error
	// Complete records the terminal status. It returns ErrFinished and
	// leaves the record alone when the session already finished.
	Complete(sessionID, summary, status string) error
	Stale(before time.Time) ([]storage.Delegation, error)
}

// SQLite persists sessions in the delegations table.
type SQLite struct {
	store *storage.Store
}

func NewSQLite(store *storage.Store) *SQLite {
	return &SQLite{store: store}
}

func (s *SQLite) Create(d storage.Delegation) (storage.Delegation, error) {
	if d.Status == "" {
		d.Status = StatusQueued
	}
	return s.store.SaveDelegation(d)
}

func (s *SQLite) Get(sessionID string) (storage.Delegation, error) {
	return s.store.GetDelegation(sessionID)
}

func (s *SQLite) MarkInProgress(sessionID string) error {
	return s.store.UpdateDelegation(sessionID, StatusInProgress, nil)
}

func (s *SQLite) Touch(sessionID string) error {
	return s.store.TouchDelegation(sessionID)
}

func (s *SQLite) Complete(sessionID, summary, status string) error {
	if status == "" {
		status = StatusCompleted
	}
	return s.store.FinishDelegation(sessionID, status, summary)
}

func (s *SQLite) Stale(before time.Time) ([]storage.Delegation, error) {
	return s.store.StaleDelegations(before)
}
