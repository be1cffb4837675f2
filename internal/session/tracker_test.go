package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/claude/supergym/internal/api"
	"github.com/claude/supergym/internal/models"
	"github.com/claude/supergym/internal/store"
)

type fakeQueue struct {
	ops    []models.PendingOp
	nudges int
	addErr error
}

func (q *fakeQueue) Add(ctx context.Context, op models.PendingOp) error {
	if q.addErr != nil {
		return q.addErr
	}
	q.ops = append(q.ops, op)
	return nil
}

func (q *fakeQueue) Nudge() { q.nudges++ }

type fakeRemote struct {
	startID      string
	startErr     error
	startCalls   int
	analytics    *api.Analytics
	analyticsErr error

	// When set, StartSession signals startEntered and blocks until startGate
	// closes, letting tests hold a start mid-flight.
	startGate    chan struct{}
	startEntered chan struct{}
}

func (r *fakeRemote) StartSession(ctx context.Context, req api.StartSessionRequest) (string, error) {
	r.startCalls++
	if r.startGate != nil {
		select {
		case r.startEntered <- struct{}{}:
		default:
		}
		<-r.startGate
	}
	if r.startErr != nil {
		return "", r.startErr
	}
	return r.startID, nil
}

func (r *fakeRemote) GetAnalytics(ctx context.Context, person string, day int) (*api.Analytics, error) {
	if r.analyticsErr != nil {
		return nil, r.analyticsErr
	}
	if r.analytics == nil {
		return nil, errors.New("no analytics configured")
	}
	return r.analytics, nil
}

func newTestTracker(t *testing.T) (*Tracker, *fakeQueue, *fakeRemote) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q := &fakeQueue{}
	r := &fakeRemote{startErr: errors.New("offline")}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewTracker(db.ForUser("u-test"), q, r, "alice", log)
	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("loading tracker: %v", err)
	}
	return tr, q, r
}

// TestStartWorkoutOnline verifies a reachable server yields a canonical
// session id with nothing queued.
func TestStartWorkoutOnline(t *testing.T) {
	tr, q, r := newTestTracker(t)
	r.startErr = nil
	r.startID = "srv-42"

	sid, err := tr.StartWorkout(context.Background(), 2, "Push Day", []string{"chest"})
	if err != nil {
		t.Fatalf("StartWorkout: %v", err)
	}
	if !sid.IsCanonical() || sid.String() != "srv-42" {
		t.Errorf("session id = %v, want canonical srv-42", sid)
	}
	if len(q.ops) != 0 {
		t.Errorf("online start queued ops: %+v", q.ops)
	}
}

// TestStartWorkoutOffline verifies an unreachable server yields a provisional
// id with a StartSession op queued.
func TestStartWorkoutOffline(t *testing.T) {
	tr, q, _ := newTestTracker(t)

	sid, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil)
	if err != nil {
		t.Fatalf("StartWorkout: %v", err)
	}
	if !sid.IsProvisional() {
		t.Errorf("offline start id = %v, want provisional", sid)
	}
	if len(q.ops) != 1 || q.ops[0].Kind != models.OpStartSession {
		t.Fatalf("queued ops = %+v, want one start_session", q.ops)
	}
	if q.ops[0].Start.LocalID != sid {
		t.Errorf("queued local id = %v, want %v", q.ops[0].Start.LocalID, sid)
	}
	if q.nudges == 0 {
		t.Error("offline start should nudge the queue")
	}
}

// TestStartWorkoutDoesNotBlockReads verifies the remote start attempt does
// not hold the state lock: while a start is in flight, Active (and with it
// the stale monitor and status snapshots) answers immediately.
func TestStartWorkoutDoesNotBlockReads(t *testing.T) {
	tr, _, r := newTestTracker(t)
	r.startErr = nil
	r.startID = "srv-1"
	r.startGate = make(chan struct{})
	r.startEntered = make(chan struct{}, 1)

	startDone := make(chan struct{})
	go func() {
		defer close(startDone)
		if _, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil); err != nil {
			t.Errorf("StartWorkout: %v", err)
		}
	}()
	<-r.startEntered

	read := make(chan *models.Session, 1)
	go func() { read <- tr.Active() }()
	select {
	case s := <-read:
		if s != nil {
			t.Error("no session should be active while the start is in flight")
		}
	case <-time.After(time.Second):
		t.Fatal("Active blocked while a session start was in flight")
	}

	close(r.startGate)
	<-startDone
	if a := tr.Active(); a == nil || a.ID.String() != "srv-1" {
		t.Errorf("active after start = %+v, want srv-1", a)
	}
}

// TestStartWorkoutSameDayIdempotent verifies re-starting the active day
// returns the existing id without a second server call.
func TestStartWorkoutSameDayIdempotent(t *testing.T) {
	tr, _, r := newTestTracker(t)
	r.startErr = nil
	r.startID = "srv-1"

	first, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("second start returned %v, want %v", second, first)
	}
	if r.startCalls != 1 {
		t.Errorf("server called %d times, want 1", r.startCalls)
	}
}

// TestStartWorkoutOtherDayRejected verifies starting a different day while a
// session is active fails with ErrSessionActive.
func TestStartWorkoutOtherDayRejected(t *testing.T) {
	tr, _, r := newTestTracker(t)
	r.startErr = nil
	r.startID = "srv-1"

	if _, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.StartWorkout(context.Background(), 3, "Pull Day", nil); !errors.Is(err, ErrSessionActive) {
		t.Errorf("cross-day start = %v, want ErrSessionActive", err)
	}
}

// TestRecordSetQueuesAndMovesClocks verifies a valid set lands in the
// completed map, moves both activity clocks, and rides the queue under the
// current session id.
func TestRecordSetQueuesAndMovesClocks(t *testing.T) {
	tr, q, r := newTestTracker(t)
	r.startErr = nil
	r.startID = "srv-1"

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	sid, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil)
	if err != nil {
		t.Fatal(err)
	}

	end := now.Add(time.Minute)
	rec := models.SetRecord{
		Day: 2, ExerciseName: "Bench Press", ExerciseIndex: 0, SetIndex: 0,
		StartTime: now, EndTime: end, Weight: 60, Reps: 8,
	}
	now = now.Add(70 * time.Second)
	if err := tr.RecordSet(context.Background(), rec); err != nil {
		t.Fatalf("RecordSet: %v", err)
	}

	if _, ok := tr.Completed().Get(2, 0, 0); !ok {
		t.Error("set missing from completed map")
	}
	active := tr.Active()
	if !active.LastSetEndTime.Equal(end) {
		t.Errorf("last set end = %v, want %v", active.LastSetEndTime, end)
	}
	if !active.LastActivityTime.Equal(now) {
		t.Errorf("last activity = %v, want %v", active.LastActivityTime, now)
	}
	if len(q.ops) != 1 || q.ops[0].Kind != models.OpRecordSet {
		t.Fatalf("queued ops = %+v, want one record_set", q.ops)
	}
	if q.ops[0].Record.SessionID != sid {
		t.Errorf("queued session = %v, want %v", q.ops[0].Record.SessionID, sid)
	}
}

// TestRecordSetInvalidDroppedSilently verifies zero-weight and zero-rep sets
// vanish: no error, no queue entry, no completed-map entry.
func TestRecordSetInvalidDroppedSilently(t *testing.T) {
	tr, q, r := newTestTracker(t)
	r.startErr = nil
	r.startID = "srv-1"
	if _, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil); err != nil {
		t.Fatal(err)
	}

	for _, rec := range []models.SetRecord{
		{Day: 2, Weight: 0, Reps: 10},
		{Day: 2, Weight: 60, Reps: 0},
	} {
		if err := tr.RecordSet(context.Background(), rec); err != nil {
			t.Errorf("invalid set returned error: %v", err)
		}
	}
	if len(q.ops) != 0 {
		t.Errorf("invalid sets reached the queue: %+v", q.ops)
	}
	if len(tr.Completed()) != 0 {
		t.Errorf("invalid sets reached the completed map: %+v", tr.Completed())
	}
}

// TestRecordSetLockedDay verifies recording into a locked day fails unless an
// unlock override is present.
func TestRecordSetLockedDay(t *testing.T) {
	tr, _, r := newTestTracker(t)
	r.startErr = nil
	r.startID = "srv-1"
	if _, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil); err != nil {
		t.Fatal(err)
	}
	if err := tr.LockDay(context.Background(), 2); err != nil {
		t.Fatal(err)
	}

	rec := models.SetRecord{Day: 2, Weight: 60, Reps: 8}
	if err := tr.RecordSet(context.Background(), rec); !errors.Is(err, ErrDayLocked) {
		t.Errorf("locked-day record = %v, want ErrDayLocked", err)
	}

	if err := tr.UnlockDay(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordSet(context.Background(), rec); err != nil {
		t.Errorf("record after unlock failed: %v", err)
	}
}

// TestEndWorkout verifies ending locks the day, clears the override, queues
// an end op, and clears the active session.
func TestEndWorkout(t *testing.T) {
	tr, q, r := newTestTracker(t)
	r.startErr = nil
	r.startID = "srv-1"
	if _, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil); err != nil {
		t.Fatal(err)
	}
	if err := tr.UnlockDay(context.Background(), 2); err != nil {
		t.Fatal(err)
	}

	if err := tr.EndWorkout(context.Background(), false); err != nil {
		t.Fatalf("EndWorkout: %v", err)
	}
	if tr.Active() != nil {
		t.Error("session still active after end")
	}
	if !tr.Locked()[2] {
		t.Error("day not locked after end")
	}
	if tr.Overrides()[2] {
		t.Error("unlock override survived the end")
	}

	var ends int
	for _, op := range q.ops {
		if op.Kind == models.OpEndSession {
			ends++
		}
	}
	if ends != 1 {
		t.Errorf("end ops queued = %d, want 1", ends)
	}

	if err := tr.EndWorkout(context.Background(), false); !errors.Is(err, ErrNoSession) {
		t.Errorf("second end = %v, want ErrNoSession", err)
	}
}

// TestUnlockDayPurgesSets verifies unlocking wipes the day's recorded sets so
// a fresh attempt starts clean.
func TestUnlockDayPurgesSets(t *testing.T) {
	tr, _, r := newTestTracker(t)
	r.startErr = nil
	r.startID = "srv-1"
	if _, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil); err != nil {
		t.Fatal(err)
	}
	rec := models.SetRecord{Day: 2, ExerciseIndex: 0, SetIndex: 0, Weight: 60, Reps: 8}
	if err := tr.RecordSet(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := tr.EndWorkout(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	if err := tr.UnlockDay(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if len(tr.Completed()[2]) != 0 {
		t.Errorf("day 2 sets survived unlock: %+v", tr.Completed()[2])
	}
	if tr.Locked()[2] {
		t.Error("day still locked after unlock")
	}
	if !tr.Overrides()[2] {
		t.Error("unlock override not recorded")
	}
}

// TestDeleteSetDetails verifies local removal always happens and the
// needs-remote signal tracks whether the session id is canonical.
func TestDeleteSetDetails(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	// Offline start: provisional id, nothing can be server-side yet.
	if _, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil); err != nil {
		t.Fatal(err)
	}
	rec := models.SetRecord{Day: 2, ExerciseIndex: 1, SetIndex: 0, Weight: 60, Reps: 8}
	if err := tr.RecordSet(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	needsRemote, err := tr.DeleteSetDetails(context.Background(), 2, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if needsRemote {
		t.Error("provisional session cannot need a remote delete")
	}
	if _, ok := tr.Completed().Get(2, 1, 0); ok {
		t.Error("set survived local delete")
	}

	// Promote, re-record, delete again: now the server may hold it.
	if err := tr.PromoteSession(context.Background(), tr.Active().ID, models.CanonicalID("srv-7")); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordSet(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	needsRemote, err = tr.DeleteSetDetails(context.Background(), 2, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !needsRemote {
		t.Error("canonical session delete should flag a remote delete")
	}

	// Deleting a missing set is a quiet no-op.
	needsRemote, err = tr.DeleteSetDetails(context.Background(), 2, 1, 9)
	if err != nil || needsRemote {
		t.Errorf("missing set delete = (%v, %v), want (false, nil)", needsRemote, err)
	}
}

// TestPromoteSession verifies promotion swaps the active id and ignores stale
// promotions for sessions no longer active.
func TestPromoteSession(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	sid, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil)
	if err != nil {
		t.Fatal(err)
	}
	canon := models.CanonicalID("srv-42")
	if err := tr.PromoteSession(context.Background(), sid, canon); err != nil {
		t.Fatal(err)
	}
	if tr.Active().ID != canon {
		t.Errorf("active id = %v, want %v", tr.Active().ID, canon)
	}

	// Promotion for an id that is not the active one is a no-op.
	if err := tr.PromoteSession(context.Background(), models.ParseSessionID("local_gone"), models.CanonicalID("srv-99")); err != nil {
		t.Fatal(err)
	}
	if tr.Active().ID != canon {
		t.Error("stale promotion changed the active id")
	}
}

// TestApplyWeeklyReset verifies a due Monday reset clears completed and
// locked days exactly once.
func TestApplyWeeklyReset(t *testing.T) {
	tr, _, r := newTestTracker(t)
	r.startErr = nil
	r.startID = "srv-1"
	monday := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return monday }

	if _, err := tr.StartWorkout(context.Background(), 2, "Push Day", nil); err != nil {
		t.Fatal(err)
	}
	rec := models.SetRecord{Day: 2, Weight: 60, Reps: 8}
	if err := tr.RecordSet(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := tr.EndWorkout(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	date, fired := tr.ApplyWeeklyReset(context.Background())
	if !fired || date != "2026-08-24" {
		t.Fatalf("reset = (%q, %v), want (2026-08-24, true)", date, fired)
	}
	if len(tr.Completed()) != 0 || len(tr.Locked()) != 0 {
		t.Error("reset left completed or locked state behind")
	}

	if _, fired := tr.ApplyWeeklyReset(context.Background()); fired {
		t.Error("reset fired twice on the same Monday")
	}
}

// TestLoadRestoresSession verifies a restart rebuilds the active session and
// day state from the store.
func TestLoadRestoresSession(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	st := db.ForUser("u-test")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	q := &fakeQueue{}
	r := &fakeRemote{startErr: errors.New("offline")}
	tr := NewTracker(st, q, r, "alice", log)
	if err := tr.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	sid, err := tr.StartWorkout(context.Background(), 4, "Leg Day", nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := models.SetRecord{Day: 4, ExerciseIndex: 0, SetIndex: 0, Weight: 100, Reps: 5}
	if err := tr.RecordSet(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	// Fresh tracker over the same store simulates a process restart.
	tr2 := NewTracker(st, &fakeQueue{}, r, "alice", log)
	if err := tr2.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	active := tr2.Active()
	if active == nil {
		t.Fatal("restart lost the active session")
	}
	if active.ID != sid || active.Day != 4 {
		t.Errorf("restored session = %+v, want id %v day 4", active, sid)
	}
	if _, ok := tr2.Completed().Get(4, 0, 0); !ok {
		t.Error("restart lost the recorded set")
	}
}

// TestSelectedPersonSurvivesRestart verifies the selected person is recorded
// in the store and picked up by an unconfigured tracker on the next start.
func TestSelectedPersonSurvivesRestart(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	st := db.ForUser("u-test")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := &fakeRemote{startErr: errors.New("offline")}

	tr := NewTracker(st, &fakeQueue{}, r, "alice", log)
	if err := tr.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.Person() != "alice" {
		t.Fatalf("person = %q, want alice", tr.Person())
	}

	// A tracker constructed without a person falls back to the stored one.
	tr2 := NewTracker(st, &fakeQueue{}, r, "", log)
	if err := tr2.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr2.Person() != "alice" {
		t.Errorf("restored person = %q, want alice", tr2.Person())
	}

	// A newly configured person replaces the stored one.
	tr3 := NewTracker(st, &fakeQueue{}, r, "bob", log)
	if err := tr3.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr4 := NewTracker(st, &fakeQueue{}, r, "", log)
	if err := tr4.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr4.Person() != "bob" {
		t.Errorf("restored person = %q, want bob", tr4.Person())
	}
}

// TestRefreshRestTime verifies the analytics pull updates the estimate, a
// fetch failure keeps the old value, and a manual value is never overwritten.
func TestRefreshRestTime(t *testing.T) {
	tr, _, r := newTestTracker(t)
	r.analytics = &api.Analytics{AverageTimeBetweenSets: 92.5}

	tr.RefreshRestTime(context.Background())
	if got := tr.TimeBetweenSets(); got != 92.5 {
		t.Errorf("rest time = %v, want 92.5", got)
	}

	r.analyticsErr = errors.New("server down")
	tr.RefreshRestTime(context.Background())
	if got := tr.TimeBetweenSets(); got != 92.5 {
		t.Errorf("failed refresh changed rest time to %v", got)
	}

	r.analyticsErr = nil
	r.analytics = &api.Analytics{AverageTimeBetweenSets: 60}
	tr.manualTime = true
	tr.RefreshRestTime(context.Background())
	if got := tr.TimeBetweenSets(); got != 92.5 {
		t.Errorf("manual rest time overwritten to %v", got)
	}
}
