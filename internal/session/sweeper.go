package session

import (
	"context"
	"log/slog"
	"time"
)

const minSweepInterval = time.Second

// Sweeper fails in-progress sessions that stopped touching their record.
type Sweeper struct {
	store  Store
	idle   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewSweeper(store Store, idle time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  store,
		idle:   idle,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Sweep marks every session idle for longer than the timeout as failed and
// returns how many it reaped.
func (s *Sweeper) Sweep() (int, error) {
	stale, err := s.store.Stale(s.now().Add(-s.idle))
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, d := range stale {
		if err := s.store.Complete(d.SessionID, ExpiredSummary, StatusFailed); err != nil {
			s.logger.Warn("failed to expire session", "session", d.SessionID, "error", err)
			continue
		}
		s.logger.Info("expired idle session", "session", d.SessionID, "last_touch", d.UpdatedAt)
		reaped++
	}
	return reaped, nil
}

// Run sweeps periodically until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.idle / 3
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(); err != nil {
				s.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}
