package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/rah/internal/storage"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]storage.Delegation
	nextID   int64
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]storage.Delegation),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Create(d storage.Delegation) (storage.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = m.nextID
	if d.Status == "" {
		d.Status = StatusQueued
	}
	if d.Context == nil {
		d.Context = []string{}
	}
	d.CreatedAt = m.now()
	d.UpdatedAt = d.CreatedAt
	m.sessions[d.SessionID] = d
	return d, nil
}

func (m *Memory) Get(sessionID string) (storage.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.sessions[sessionID]
	if !ok {
		return storage.Delegation{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) update(sessionID string, fn func(*storage.Delegation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(&d)
	d.UpdatedAt = m.now()
	m.sessions[sessionID] = d
	return nil
}

func (m *Memory) MarkInProgress(sessionID string) error {
	return m.update(sessionID, func(d *storage.Delegation) { d.Status = StatusInProgress })
}

func (m *Memory) Touch(sessionID string) error {
	return m.update(sessionID, func(*storage.Delegation) {})
}

func (m *Memory) Complete(sessionID, summary, status string) error {
	if status == "" {
		status = StatusCompleted
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if finished(d.Status) {
		return fmt.Errorf("session %s %w as %s", sessionID, ErrFinished, d.Status)
	}
	d.Status = status
	d.Summary = summary
	d.UpdatedAt = m.now()
	m.sessions[sessionID] = d
	return nil
}

func finished(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

func (m *Memory) Stale(before time.Time) ([]storage.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Delegation
	for _, d := range m.sessions {
		if d.Status == StatusInProgress && d.UpdatedAt.Before(before) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
