package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rhuss/datachat/pkg/observability"
)

// DefaultReapSchedule runs the idle reaper every five minutes.
const DefaultReapSchedule = "@every 5m"

// Reap closes sessions idle for longer than the idle timeout and returns
// how many were closed. Sessions busy with a question are skipped.
func (m *Manager) Reap(ctx context.Context) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.opts.IdleTimeout)

	m.mu.RLock()
	var all []*Session
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	reaped := 0
	for _, s := range all {
		if !s.tryTake() {
			continue
		}
		s.mu.Lock()
		last := s.LastActive
		s.mu.Unlock()
		if last.After(cutoff) || !m.remove(s) {
			m.end(ctx, s)
			continue
		}
		m.release(ctx, s)
		m.end(ctx, s)

		reaped++
		observability.SessionsReapedTotal.Inc()
		slog.Info("idle session closed", "session", s.ID, "last_active", last)
	}
	return reaped
}

// StartReaper runs Reap on schedule until the returned cron is stopped.
func (m *Manager) StartReaper(schedule string) (*cron.Cron, error) {
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		m.Reap(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
