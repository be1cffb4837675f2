// Package engine assembles the sync engine: one constructed service object
// per signed-in user, created at daemon start and torn down at sign-out.
// Nothing in here is a package-level singleton; every component receives its
// dependencies explicitly.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/claude/supergym/internal/api"
	"github.com/claude/supergym/internal/joint"
	"github.com/claude/supergym/internal/models"
	"github.com/claude/supergym/internal/pending"
	"github.com/claude/supergym/internal/realtime"
	"github.com/claude/supergym/internal/session"
	"github.com/claude/supergym/internal/store"
)

// Options configures an Engine.
type Options struct {
	Store  *store.Store
	Remote *api.Client
	UserID string
	Person string

	WebsocketURL string
	AuthToken    string

	SyncInterval   time.Duration
	StaleCheck     time.Duration
	StaleThreshold time.Duration

	Log *slog.Logger
}

// Engine owns the full client-side sync machinery for one user.
type Engine struct {
	store     *store.Store
	remote    *api.Client
	tracker   *session.Tracker
	queue     *pending.Queue
	monitor   *session.Monitor
	transport *realtime.Transport
	joint     *joint.Coordinator
	userID    string
	log       *slog.Logger

	runCtx context.Context
	cancel context.CancelFunc
}

// New wires the engine. Call Start to load state and begin background work.
func New(opts Options) *Engine {
	e := &Engine{
		store:  opts.Store,
		remote: opts.Remote,
		userID: opts.UserID,
		log:    opts.Log,
	}

	e.queue = pending.New(opts.Store, opts.Remote, e, e, opts.SyncInterval, opts.Log)
	e.tracker = session.NewTracker(opts.Store, e.queue, opts.Remote, opts.Person, opts.Log)
	e.monitor = session.NewMonitor(e.tracker, opts.StaleCheck, opts.StaleThreshold, opts.Log)
	e.transport = realtime.New(opts.WebsocketURL, opts.AuthToken, opts.Log)
	e.joint = joint.New(opts.UserID, e.transport, opts.Log)
	e.joint.Register(e.transport)
	return e
}

// PromoteSession implements pending.Promoter by delegating to the tracker.
func (e *Engine) PromoteSession(ctx context.Context, from, to models.SessionID) error {
	return e.tracker.PromoteSession(ctx, from, to)
}

// RefreshRestTime implements pending.Refresher by delegating to the tracker.
func (e *Engine) RefreshRestTime(ctx context.Context) {
	e.tracker.RefreshRestTime(ctx)
}

// Start performs the cold-load sequence and begins background work: restore
// persisted state, strip orphaned pending ops, apply the weekly reset if due,
// run the restart staleness check, then start the sync and staleness timers
// and open the realtime channel.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel

	if err := e.tracker.Load(ctx); err != nil {
		cancel()
		return err
	}
	if err := e.queue.Load(ctx); err != nil {
		cancel()
		return err
	}
	e.queue.CleanupInvalidSyncs(ctx)
	e.tracker.ApplyWeeklyReset(ctx)
	e.monitor.Check(ctx, true)

	go e.queue.Run(runCtx)
	go e.monitor.Run(runCtx)
	e.queue.Nudge()

	// Connect is best-effort; the transport reconnects on its own.
	_ = e.transport.Connect(runCtx)
	return nil
}

// Close stops background work and closes the realtime channel.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.transport.Close()
}

// Foreground relays the app's return to the foreground: reconnect now.
// The reconnect rides the engine's own lifetime, not the caller's context —
// the trigger usually arrives on a short-lived request context.
func (e *Engine) Foreground(ctx context.Context) {
	e.transport.Foreground(e.runCtx)
	e.queue.Nudge()
}

// Background relays the app entering the background: close cleanly.
func (e *Engine) Background() {
	e.transport.Background()
}

// StartWorkout starts a session and announces it on the realtime channel.
func (e *Engine) StartWorkout(ctx context.Context, day int, dayTitle string, muscleGroups []string) (models.SessionID, error) {
	sid, err := e.tracker.StartWorkout(ctx, day, dayTitle, muscleGroups)
	if err != nil {
		return models.SessionID{}, err
	}
	_ = e.transport.Send(ctx, map[string]any{
		"type":       "session-started",
		"user_id":    e.userID,
		"session_id": sid.String(),
		"day":        day,
	})
	return sid, nil
}

// RecordSet records one set.
func (e *Engine) RecordSet(ctx context.Context, rec models.SetRecord) error {
	return e.tracker.RecordSet(ctx, rec)
}

// DeleteSetDetails removes a set locally, reporting whether a server-side
// delete is also needed.
func (e *Engine) DeleteSetDetails(ctx context.Context, day, exerciseIndex, setIndex int) (bool, error) {
	return e.tracker.DeleteSetDetails(ctx, day, exerciseIndex, setIndex)
}

// EndWorkout ends the session and announces it on the realtime channel.
func (e *Engine) EndWorkout(ctx context.Context, autoCompleted bool) error {
	active := e.tracker.Active()
	if err := e.tracker.EndWorkout(ctx, autoCompleted); err != nil {
		return err
	}
	if active != nil {
		_ = e.transport.Send(ctx, map[string]any{
			"type":       "session-ended",
			"session_id": active.ID.String(),
			"day":        active.Day,
		})
	}
	return nil
}

// ClearActiveWorkout resets active-session state without a remote end.
func (e *Engine) ClearActiveWorkout(ctx context.Context) error {
	return e.tracker.ClearActiveWorkout(ctx)
}

// UnlockDay reopens a locked day.
func (e *Engine) UnlockDay(ctx context.Context, day int) error {
	return e.tracker.UnlockDay(ctx, day)
}

// Sync requests an eager reconciliation pass.
func (e *Engine) Sync() {
	e.queue.Nudge()
}

// ClearDemoSessions removes demo sessions server-side and turns demo mode off.
func (e *Engine) ClearDemoSessions(ctx context.Context) error {
	if err := e.remote.ClearDemoSessions(ctx); err != nil {
		return err
	}
	e.tracker.SetDemoMode(ctx, false)
	return nil
}

// WorkoutData returns the stored workout plan blob, or nil when none is
// stored. The engine treats the plan as opaque; only the UI interprets it.
func (e *Engine) WorkoutData(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := e.store.Get(ctx, store.KeyWorkoutData, &raw); err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return raw, nil
}

// SetWorkoutData replaces the stored workout plan blob.
func (e *Engine) SetWorkoutData(ctx context.Context, raw json.RawMessage) error {
	return e.store.Set(ctx, store.KeyWorkoutData, raw)
}

// Tracker exposes the session state machine for read access.
func (e *Engine) Tracker() *session.Tracker { return e.tracker }

// Joint exposes the joint-session coordinator.
func (e *Engine) Joint() *joint.Coordinator { return e.joint }

// Status is a point-in-time snapshot of the engine for the control surfaces.
type Status struct {
	Active          *models.Session          `json:"active_session,omitempty"`
	PendingOps      int                      `json:"pending_ops"`
	Connected       bool                     `json:"realtime_connected"`
	JointState      string                   `json:"joint_state"`
	SyncPulse       bool                     `json:"sync_pulse"`
	LockedDays      models.LockedDays        `json:"locked_days"`
	Overrides       models.UnlockedOverrides `json:"unlocked_overrides"`
	TimeBetweenSets float64                  `json:"time_between_sets"`
	ManualTime      bool                     `json:"manual_time"`
	DemoMode        bool                     `json:"demo_mode"`
}

// Status snapshots the engine.
func (e *Engine) Status() Status {
	return Status{
		Active:          e.tracker.Active(),
		PendingOps:      e.queue.Len(),
		Connected:       e.transport.Connected(),
		JointState:      e.joint.State().String(),
		SyncPulse:       e.joint.SyncPulse(),
		LockedDays:      e.tracker.Locked(),
		Overrides:       e.tracker.Overrides(),
		TimeBetweenSets: e.tracker.TimeBetweenSets(),
		ManualTime:      e.tracker.ManualTime(),
		DemoMode:        e.tracker.DemoMode(),
	}
}

// PendingCounts returns the queue depth per op kind.
func (e *Engine) PendingCounts() map[models.PendingOpKind]int {
	return e.queue.Counts()
}
