package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/claude/supergym/internal/joint"
	"github.com/claude/supergym/internal/models"
	"github.com/claude/supergym/internal/session"
	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine errors to HTTP statuses. State-machine violations
// are conflicts the UI can explain; everything else is a server error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrNoSession),
		errors.Is(err, joint.ErrBusy),
		errors.Is(err, joint.ErrNoInvite):
		return http.StatusConflict
	case errors.Is(err, session.ErrDayLocked):
		return http.StatusLocked
	}
	return http.StatusInternalServerError
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Status())
}

func (s *Server) handleDays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"completed_days":     s.eng.Tracker().Completed(),
		"locked_days":        s.eng.Tracker().Locked(),
		"unlocked_overrides": s.eng.Tracker().Overrides(),
	})
}

func (s *Server) handleUnlockDay(w http.ResponseWriter, r *http.Request) {
	day, err := strconv.Atoi(chi.URLParam(r, "day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid day number")
		return
	}
	if err := s.eng.UnlockDay(r.Context(), day); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": day})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	raw, err := s.eng.WorkoutData(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if raw == nil {
		writeError(w, http.StatusNotFound, "no workout plan stored")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handlePutPlan(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	if !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "plan must be valid JSON")
		return
	}
	if err := s.eng.SetWorkoutData(r.Context(), json.RawMessage(data)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": true})
}

func (s *Server) handleStartWorkout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Day          int      `json:"day"`
		DayTitle     string   `json:"day_title"`
		MuscleGroups []string `json:"muscle_groups"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sid, err := s.eng.StartWorkout(r.Context(), req.Day, req.DayTitle, req.MuscleGroups)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	// A provisional id means the start is queued, not confirmed.
	status := http.StatusOK
	if sid.IsProvisional() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"session_id":  sid.String(),
		"provisional": sid.IsProvisional(),
	})
}

func (s *Server) handleRecordSet(w http.ResponseWriter, r *http.Request) {
	var rec models.SetRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.eng.RecordSet(r.Context(), rec); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"recorded": rec.Valid()})
}

func (s *Server) handleDeleteSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Day           int `json:"day"`
		ExerciseIndex int `json:"exercise_index"`
		SetIndex      int `json:"set_index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	needsRemote, err := s.eng.DeleteSetDetails(r.Context(), req.Day, req.ExerciseIndex, req.SetIndex)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"needs_remote_delete": needsRemote})
}

func (s *Server) handleEndWorkout(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.EndWorkout(r.Context(), false); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": true})
}

func (s *Server) handleClearWorkout(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.ClearActiveWorkout(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.eng.Sync()
	writeJSON(w, http.StatusAccepted, map[string]any{"sync": "requested"})
}

func (s *Server) handleClearDemo(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.ClearDemoSessions(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleJointInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToUserID string `json:"to_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToUserID == "" {
		writeError(w, http.StatusBadRequest, "to_user_id is required")
		return
	}
	sent, err := s.eng.Joint().SendInvite(r.Context(), req.ToUserID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatched": sent})
}

func (s *Server) handleJointAccept(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Joint().AcceptInvite(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.eng.Joint().State().String()})
}

func (s *Server) handleJointDecline(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Joint().DeclineInvite(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.eng.Joint().State().String()})
}

func (s *Server) handleJointLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Joint().Leave(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.eng.Joint().State().String()})
}

func (s *Server) handleJointProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		joint.Progress
		ReadyForNext bool `json:"ready_for_next"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.eng.Joint().PushProgress(r.Context(), req.Progress, req.ReadyForNext); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sync_pulse": s.eng.Joint().SyncPulse()})
}

func (s *Server) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FriendID       string `json:"friend_id"`
		FriendUsername string `json:"friend_username"`
		SessionID      string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FriendID == "" {
		writeError(w, http.StatusBadRequest, "friend_id is required")
		return
	}
	if err := s.eng.Joint().StartWatching(r.Context(), req.FriendID, req.FriendUsername, req.SessionID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"watching": req.FriendID})
}

func (s *Server) handleWatchStop(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Joint().StopWatching(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"watching": false})
}

func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	s.eng.Foreground(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"state": "foreground"})
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	s.eng.Background()
	writeJSON(w, http.StatusOK, map[string]any{"state": "background"})
}
