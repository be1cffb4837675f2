package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// provisionalPrefix marks locally generated session ids on the wire and in
// the store. In-process code switches on the SessionID discriminant, never
// on this prefix; the prefix exists only at the serialization boundary.
const provisionalPrefix = "local_"

// SessionID identifies a workout session in one of two id spaces: a
// provisional id generated on-device before the server has acknowledged the
// session, or the canonical id the server assigned. Promotion is one-way —
// once a canonical id is known the provisional one is never used again.
type SessionID struct {
	canonical bool
	value     string
}

// NewProvisionalID generates a fresh provisional session id.
func NewProvisionalID() SessionID {
	return SessionID{value: provisionalPrefix + uuid.NewString()}
}

// CanonicalID wraps a server-assigned session id.
func CanonicalID(id string) SessionID {
	return SessionID{canonical: true, value: id}
}

// ParseSessionID reconstructs a SessionID from its stored/wire form.
// An empty string yields the zero SessionID.
func ParseSessionID(s string) SessionID {
	if s == "" {
		return SessionID{}
	}
	if strings.HasPrefix(s, provisionalPrefix) {
		return SessionID{value: s}
	}
	return SessionID{canonical: true, value: s}
}

// IsZero reports whether the id is unset.
func (id SessionID) IsZero() bool { return id.value == "" }

// IsProvisional reports whether the id is a local placeholder not yet
// acknowledged by the server.
func (id SessionID) IsProvisional() bool { return id.value != "" && !id.canonical }

// IsCanonical reports whether the id was assigned by the server.
func (id SessionID) IsCanonical() bool { return id.canonical }

// String returns the stored/wire form of the id.
func (id SessionID) String() string { return id.value }

// MarshalJSON encodes the id as its wire string.
func (id SessionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes the id from its wire string.
func (id *SessionID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	*id = ParseSessionID(s)
	return nil
}

// Session is the one active (or just-ended) workout instance on this device.
// At most one session is active at a time.
type Session struct {
	ID           SessionID `json:"id"`
	Day          int       `json:"day"`
	DayTitle     string    `json:"day_title"`
	MuscleGroups []string  `json:"muscle_groups,omitempty"`
	Demo         bool      `json:"demo,omitempty"`

	// StartTime is set once at creation and never changes.
	StartTime time.Time `json:"start_time"`

	// LastActivityTime moves on every recorded set and on session start;
	// LastSetEndTime only when a set finishes. Staleness detection and the
	// rest timer read these.
	LastActivityTime time.Time `json:"last_activity_time"`
	LastSetEndTime   time.Time `json:"last_set_end_time,omitempty"`
}

// SetRecord is one completed set of one exercise.
type SetRecord struct {
	Day           int       `json:"day"`
	ExerciseName  string    `json:"exercise_name"`
	ExerciseIndex int       `json:"exercise_index"`
	SetIndex      int       `json:"set_index"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Weight        float64   `json:"weight"`
	Reps          int       `json:"reps"`
	Note          string    `json:"note,omitempty"`
	Warmup        bool      `json:"warmup,omitempty"`
	MuscleGroup   string    `json:"muscle_group,omitempty"`
}

// Valid reports whether the set is worth persisting or syncing. Zero-weight
// or zero-rep sets are discarded everywhere, silently.
func (s SetRecord) Valid() bool {
	return s.Weight > 0 && s.Reps >= 1
}

// CompletedDays stores recorded sets denormalized by day number, exercise
// index, then set index. Insertion order carries no meaning; lookups are by
// explicit index.
type CompletedDays map[int]map[int]map[int]SetRecord

// Put inserts a set at its day/exercise/set position, creating intermediate
// maps as needed.
func (c CompletedDays) Put(rec SetRecord) {
	day, ok := c[rec.Day]
	if !ok {
		day = make(map[int]map[int]SetRecord)
		c[rec.Day] = day
	}
	ex, ok := day[rec.ExerciseIndex]
	if !ok {
		ex = make(map[int]SetRecord)
		day[rec.ExerciseIndex] = ex
	}
	ex[rec.SetIndex] = rec
}

// Get looks up a set by its position.
func (c CompletedDays) Get(day, exerciseIndex, setIndex int) (SetRecord, bool) {
	rec, ok := c[day][exerciseIndex][setIndex]
	return rec, ok
}

// Remove deletes a set by position, pruning emptied intermediate maps.
// It reports whether a set was present.
func (c CompletedDays) Remove(day, exerciseIndex, setIndex int) bool {
	ex, ok := c[day][exerciseIndex]
	if !ok {
		return false
	}
	if _, ok := ex[setIndex]; !ok {
		return false
	}
	delete(ex, setIndex)
	if len(ex) == 0 {
		delete(c[day], exerciseIndex)
	}
	if len(c[day]) == 0 {
		delete(c, day)
	}
	return true
}

// LockedDays marks days whose session has ended (normally or via the stale
// monitor). A locked day stays locked until unlocked or weekly-reset.
type LockedDays map[int]bool

// UnlockedOverrides marks days explicitly reopened by the user.
type UnlockedOverrides map[int]bool
