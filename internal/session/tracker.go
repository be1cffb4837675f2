// Package session owns the lifecycle of the current workout session and the
// per-day completion/lock state. All mutation goes through the Tracker, which
// writes through the durable store so a process restart loses nothing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claude/supergym/internal/api"
	"github.com/claude/supergym/internal/models"
	"github.com/claude/supergym/internal/store"
)

var (
	// ErrSessionActive is returned by StartWorkout when a session for a
	// different day is still active; the caller must ClearActiveWorkout first.
	ErrSessionActive = errors.New("a session for another day is already active")

	// ErrNoSession is returned by operations that require an active session.
	ErrNoSession = errors.New("no active session")

	// ErrDayLocked is returned when recording into a locked day without an
	// unlock override.
	ErrDayLocked = errors.New("day is locked")
)

// Remote is the slice of the server API the tracker calls directly: the
// synchronous start attempt and analytics. Everything else rides the pending
// queue.
type Remote interface {
	StartSession(ctx context.Context, req api.StartSessionRequest) (string, error)
	GetAnalytics(ctx context.Context, person string, day int) (*api.Analytics, error)
}

// Queue is where the tracker parks mutations that must reach the server.
type Queue interface {
	Add(ctx context.Context, op models.PendingOp) error
	Nudge()
}

// startTimeout bounds the synchronous session-start attempt; past this the
// session starts provisionally and the start rides the queue.
const startTimeout = 5 * time.Second

// Tracker is the session state machine.
type Tracker struct {
	mu      sync.Mutex
	startMu sync.Mutex // serializes StartWorkout; mu is not held across the remote attempt
	store   *store.Store
	queue  Queue
	remote Remote
	log    *slog.Logger
	now    func() time.Time

	person string

	active    *models.Session
	completed models.CompletedDays
	locked    models.LockedDays
	overrides models.UnlockedOverrides

	demo            bool
	manualTime      bool
	timeBetweenSets float64
}

// NewTracker creates a tracker. Call Load before anything else.
func NewTracker(st *store.Store, queue Queue, remote Remote, person string, log *slog.Logger) *Tracker {
	return &Tracker{
		store:     st,
		queue:     queue,
		remote:    remote,
		log:       log,
		now:       time.Now,
		person:    person,
		completed: models.CompletedDays{},
		locked:    models.LockedDays{},
		overrides: models.UnlockedOverrides{},
	}
}

// Load restores persisted state. Missing keys are normal on first run; a
// read error on one key degrades to that key's zero value.
func (t *Tracker) Load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.loadKey(ctx, store.KeyCompletedDays, &t.completed)
	t.loadKey(ctx, store.KeyLockedDays, &t.locked)
	t.loadKey(ctx, store.KeyUnlockedOverrides, &t.overrides)
	t.loadKey(ctx, store.KeyDemoMode, &t.demo)
	t.loadKey(ctx, store.KeyManualTime, &t.manualTime)
	t.loadKey(ctx, store.KeyTimeBetweenSets, &t.timeBetweenSets)

	// The selected person survives restarts: an unconfigured tracker picks up
	// the stored one, a configured tracker records its choice.
	var person string
	t.loadKey(ctx, store.KeySelectedPerson, &person)
	if t.person == "" {
		t.person = person
	} else if person != t.person {
		t.setKey(ctx, store.KeySelectedPerson, t.person)
	}
	if t.completed == nil {
		t.completed = models.CompletedDays{}
	}
	if t.locked == nil {
		t.locked = models.LockedDays{}
	}
	if t.overrides == nil {
		t.overrides = models.UnlockedOverrides{}
	}

	var rawID string
	t.loadKey(ctx, store.KeyCurrentSessionID, &rawID)
	if rawID == "" {
		return nil
	}

	// A session survived a restart. Rebuild it from its individual keys so
	// the startup staleness check can judge it.
	s := &models.Session{ID: models.ParseSessionID(rawID)}
	t.loadKey(ctx, store.KeyCurrentDay, &s.Day)
	t.loadKey(ctx, store.KeyWorkoutStartTime, &s.StartTime)
	t.loadKey(ctx, store.KeyLastSetEndTime, &s.LastSetEndTime)
	t.loadKey(ctx, store.KeyLastActivityTime, &s.LastActivityTime)
	t.loadKey(ctx, store.KeyDemoMode, &s.Demo)
	t.active = s
	t.log.Info("restored active session", "session_id", rawID, "day", s.Day)
	return nil
}

// loadKey reads one key, treating "not found" as the zero value and any
// other failure as best-effort (logged, value untouched).
func (t *Tracker) loadKey(ctx context.Context, key string, v any) {
	if err := t.store.Get(ctx, key, v); err != nil && err != store.ErrNotFound {
		t.log.Warn("store read failed", "key", key, "error", err)
	}
}

// StartWorkout begins a session for the given day. If the server answers in
// time the session starts with its canonical id; otherwise it starts with a
// provisional id and a StartSession op rides the queue. Starting while a
// session for another day is active fails; starting the same day again
// returns the existing id. The state lock is released during the remote
// attempt so reads and the stale monitor keep flowing; startMu serializes
// overlapping starts instead.
func (t *Tracker) StartWorkout(ctx context.Context, day int, dayTitle string, muscleGroups []string) (models.SessionID, error) {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	t.mu.Lock()
	if t.active != nil {
		id := t.active.ID
		sameDay := t.active.Day == day
		t.mu.Unlock()
		if sameDay {
			return id, nil
		}
		return models.SessionID{}, ErrSessionActive
	}
	person := t.person
	demo := t.demo
	now := t.now()
	t.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	serverID, err := t.remote.StartSession(startCtx, api.StartSessionRequest{
		Person:       person,
		Day:          day,
		DayTitle:     dayTitle,
		MuscleGroups: muscleGroups,
		Demo:         demo,
	})
	cancel()

	t.mu.Lock()
	defer t.mu.Unlock()

	var sid models.SessionID
	if err == nil {
		sid = models.CanonicalID(serverID)
	} else {
		sid = models.NewProvisionalID()
		t.log.Info("session start deferred", "session_id", sid.String(), "error", err)
		if qErr := t.queue.Add(ctx, models.NewStartOp(models.StartSessionOp{
			LocalID:      sid,
			Person:       person,
			Day:          day,
			DayTitle:     dayTitle,
			MuscleGroups: muscleGroups,
			Demo:         demo,
		})); qErr != nil {
			return models.SessionID{}, fmt.Errorf("queueing session start: %w", qErr)
		}
		t.queue.Nudge()
	}

	t.active = &models.Session{
		ID:               sid,
		Day:              day,
		DayTitle:         dayTitle,
		MuscleGroups:     muscleGroups,
		Demo:             demo,
		StartTime:        now,
		LastActivityTime: now,
	}
	t.persistActive(ctx)
	t.setKey(ctx, store.KeyCurrentDay, day)
	return sid, nil
}

// RecordSet validates and records one completed set: it lands in the
// completed-days map, moves the activity clocks, and a RecordSet op joins the
// queue under whatever session id is current right now. Invalid sets
// (weight<=0 or reps<1) are dropped silently — they never reach the store or
// the queue.
func (t *Tracker) RecordSet(ctx context.Context, rec models.SetRecord) error {
	if !rec.Valid() {
		t.log.Debug("dropping invalid set", "weight", rec.Weight, "reps", rec.Reps)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return ErrNoSession
	}
	if t.locked[rec.Day] && !t.overrides[rec.Day] {
		return ErrDayLocked
	}

	t.completed.Put(rec)
	t.active.LastSetEndTime = rec.EndTime
	t.active.LastActivityTime = t.now()

	t.setKey(ctx, store.KeyCompletedDays, t.completed)
	t.setKey(ctx, store.KeyLastSetEndTime, t.active.LastSetEndTime)
	t.setKey(ctx, store.KeyLastActivityTime, t.active.LastActivityTime)

	if err := t.queue.Add(ctx, models.NewRecordOp(models.RecordSetOp{
		SessionID: t.active.ID,
		Set:       rec,
	})); err != nil {
		return fmt.Errorf("queueing set: %w", err)
	}
	t.queue.Nudge()
	return nil
}

// DeleteSetDetails removes a set from the completed-days map. Local removal
// is immediate and unconditional; the return value tells the caller whether
// the set may already live server-side (the session id is canonical, so the
// upload could have happened) and needs a server delete.
func (t *Tracker) DeleteSetDetails(ctx context.Context, day, exerciseIndex, setIndex int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := t.completed.Remove(day, exerciseIndex, setIndex)
	if !removed {
		return false, nil
	}
	t.setKey(ctx, store.KeyCompletedDays, t.completed)

	needsRemote := t.active != nil && t.active.ID.IsCanonical()
	return needsRemote, nil
}

// EndWorkout ends the active session: the day locks (auto-completed ends lock
// it too), an EndSession op joins the queue, and the in-memory session state
// clears. The remote end itself is best-effort via the queue.
func (t *Tracker) EndWorkout(ctx context.Context, autoCompleted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return ErrNoSession
	}

	day := t.active.Day
	sid := t.active.ID

	t.locked[day] = true
	delete(t.overrides, day)
	t.setKey(ctx, store.KeyLockedDays, t.locked)
	t.setKey(ctx, store.KeyUnlockedOverrides, t.overrides)

	if err := t.queue.Add(ctx, models.NewEndOp(models.EndSessionOp{SessionID: sid})); err != nil {
		t.log.Warn("queueing session end failed", "error", err)
	}
	t.queue.Nudge()

	t.clearActiveLocked(ctx)
	t.log.Info("workout ended", "day", day, "session_id", sid.String(), "auto", autoCompleted)
	return nil
}

// LockDay marks a day as locked. Idempotent.
func (t *Tracker) LockDay(ctx context.Context, day int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.locked[day] {
		return nil
	}
	t.locked[day] = true
	t.setKey(ctx, store.KeyLockedDays, t.locked)
	return nil
}

// UnlockDay reopens a locked day and purges its completed sets — a fresh
// attempt must not see stale set data.
func (t *Tracker) UnlockDay(ctx context.Context, day int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.overrides[day] = true
	delete(t.locked, day)
	delete(t.completed, day)

	t.setKey(ctx, store.KeyUnlockedOverrides, t.overrides)
	t.setKey(ctx, store.KeyLockedDays, t.locked)
	t.setKey(ctx, store.KeyCompletedDays, t.completed)
	return nil
}

// ClearActiveWorkout resets the active-session fields without ending the
// remote session. Used when switching days.
func (t *Tracker) ClearActiveWorkout(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearActiveLocked(ctx)
	return nil
}

func (t *Tracker) clearActiveLocked(ctx context.Context) {
	t.active = nil
	if err := t.store.Delete(ctx,
		store.KeyCurrentSessionID,
		store.KeyWorkoutStartTime,
		store.KeyLastSetEndTime,
		store.KeyLastActivityTime,
	); err != nil {
		t.log.Warn("clearing session keys failed", "error", err)
	}
}

// PromoteSession swaps the active session's provisional id for the canonical
// one the server assigned. Called by the reconciler after a StartSession op
// succeeds; a no-op if the session already ended or was cleared.
func (t *Tracker) PromoteSession(ctx context.Context, from, to models.SessionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil || t.active.ID != from {
		return nil
	}
	t.active.ID = to
	t.setKey(ctx, store.KeyCurrentSessionID, to.String())
	t.log.Info("session id promoted", "from", from.String(), "to", to.String())
	return nil
}

// RefreshRestTime pulls the analytics-derived average time between sets for
// the current day. Skipped when the user configured a manual value; a fetch
// failure keeps the last-known value.
func (t *Tracker) RefreshRestTime(ctx context.Context) {
	t.mu.Lock()
	if t.manualTime {
		t.mu.Unlock()
		return
	}
	day := 0
	if t.active != nil {
		day = t.active.Day
	} else {
		t.loadKey(ctx, store.KeyCurrentDay, &day)
	}
	person := t.person
	t.mu.Unlock()

	a, err := t.remote.GetAnalytics(ctx, person, day)
	if err != nil {
		t.log.Warn("analytics refresh failed", "day", day, "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeBetweenSets = a.AverageTimeBetweenSets
	t.setKey(ctx, store.KeyTimeBetweenSets, t.timeBetweenSets)
}

// ApplyWeeklyReset clears completed and locked days if the Monday reset is
// due. Returns the new reset date when a reset fired.
func (t *Tracker) ApplyWeeklyReset(ctx context.Context) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lastReset string
	t.loadKey(ctx, store.KeyLastResetDate, &lastReset)

	mondayDate, due := ShouldResetForMonday(lastReset, t.now())
	if !due {
		return "", false
	}

	t.completed = models.CompletedDays{}
	t.locked = models.LockedDays{}
	t.setKey(ctx, store.KeyCompletedDays, t.completed)
	t.setKey(ctx, store.KeyLockedDays, t.locked)
	t.setKey(ctx, store.KeyLastResetDate, mondayDate)
	t.log.Info("weekly reset applied", "monday", mondayDate)
	return mondayDate, true
}

// SetDemoMode toggles demo mode for subsequently started sessions.
func (t *Tracker) SetDemoMode(ctx context.Context, demo bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.demo = demo
	t.setKey(ctx, store.KeyDemoMode, demo)
}

// --- read accessors ---

// Active returns a copy of the active session, or nil.
func (t *Tracker) Active() *models.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return nil
	}
	s := *t.active
	return &s
}

// Completed returns a deep copy of the completed-days map.
func (t *Tracker) Completed() models.CompletedDays {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := models.CompletedDays{}
	for day, exs := range t.completed {
		out[day] = make(map[int]map[int]models.SetRecord, len(exs))
		for ex, sets := range exs {
			out[day][ex] = make(map[int]models.SetRecord, len(sets))
			for i, rec := range sets {
				out[day][ex][i] = rec
			}
		}
	}
	return out
}

// Locked returns a copy of the locked-days map.
func (t *Tracker) Locked() models.LockedDays {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := models.LockedDays{}
	for d, v := range t.locked {
		out[d] = v
	}
	return out
}

// Overrides returns a copy of the unlocked-overrides map.
func (t *Tracker) Overrides() models.UnlockedOverrides {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := models.UnlockedOverrides{}
	for d, v := range t.overrides {
		out[d] = v
	}
	return out
}

// ManualTime reports whether the rest-time estimate is user-configured
// rather than analytics-derived.
func (t *Tracker) ManualTime() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.manualTime
}

// TimeBetweenSets returns the current rest-time estimate in seconds.
func (t *Tracker) TimeBetweenSets() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeBetweenSets
}

// Person returns the person this tracker records sessions for.
func (t *Tracker) Person() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.person
}

// DemoMode reports whether demo mode is on.
func (t *Tracker) DemoMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.demo
}

// persistActive writes the active session's individual keys.
func (t *Tracker) persistActive(ctx context.Context) {
	t.setKey(ctx, store.KeyCurrentSessionID, t.active.ID.String())
	t.setKey(ctx, store.KeyWorkoutStartTime, t.active.StartTime)
	t.setKey(ctx, store.KeyLastActivityTime, t.active.LastActivityTime)
}

// setKey writes one key best-effort: a storage failure is logged, never
// propagated, so local training continues.
func (t *Tracker) setKey(ctx context.Context, key string, v any) {
	if err := t.store.Set(ctx, key, v); err != nil {
		t.log.Warn("store write failed", "key", key, "error", err)
	}
}
