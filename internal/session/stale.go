package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/claude/supergym/internal/models"
)

// Stale reports whether the session has gone quiet past the threshold.
// The periodic check keys strictly on the last set's end time; the restart
// check also accepts the broader last-activity time, because a session
// restored after a crash may have activity (the start itself) but no
// finished set yet. A session with neither clock set is judged from its
// start time.
func Stale(s *models.Session, restart bool, threshold time.Duration, now time.Time) bool {
	if s == nil {
		return false
	}
	ref := s.LastSetEndTime
	if restart && s.LastActivityTime.After(ref) {
		ref = s.LastActivityTime
	}
	if ref.IsZero() {
		ref = s.StartTime
	}
	return now.Sub(ref) > threshold
}

// Monitor periodically force-ends sessions left active with no recent
// activity — typically after an app crash or backgrounding — so local and
// server state cannot diverge indefinitely.
type Monitor struct {
	tracker   *Tracker
	interval  time.Duration
	threshold time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewMonitor creates a stale-session monitor.
func NewMonitor(tracker *Tracker, interval, threshold time.Duration, log *slog.Logger) *Monitor {
	return &Monitor{
		tracker:   tracker,
		interval:  interval,
		threshold: threshold,
		log:       log,
		now:       time.Now,
	}
}

// Run ticks until the context is cancelled. Callers should also run
// Check(ctx, true) once at startup to catch a session left active across a
// restart.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx, false)
		}
	}
}

// Check force-ends the active session if it is stale. The forced end locks
// the day and queues the server-side end; a server failure there is absorbed
// by the pending-queue path, not treated as a monitor failure. When the
// day's rest-time estimate comes from analytics, it is refreshed afterwards.
func (m *Monitor) Check(ctx context.Context, restart bool) {
	s := m.tracker.Active()
	if !Stale(s, restart, m.threshold, m.now()) {
		return
	}

	m.log.Warn("stale session detected, force-ending",
		"session_id", s.ID.String(),
		"day", s.Day,
		"last_set_end", s.LastSetEndTime,
	)
	if err := m.tracker.EndWorkout(ctx, true); err != nil {
		m.log.Warn("stale force-end failed", "error", err)
		return
	}
	if !m.tracker.ManualTime() {
		m.tracker.RefreshRestTime(ctx)
	}
}
