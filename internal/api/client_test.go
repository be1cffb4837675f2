package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/claude/supergym/internal/models"
)

// TestStatusErrorPermanence verifies the transient/permanent split the
// reconciler keys on.
func TestStatusErrorPermanence(t *testing.T) {
	cases := []struct {
		code      int
		permanent bool
	}{
		{http.StatusNotFound, true},
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusTooManyRequests, false},
	}
	for _, c := range cases {
		err := &StatusError{Code: c.code}
		if err.Permanent() != c.permanent {
			t.Errorf("Permanent(%d) = %v, want %v", c.code, err.Permanent(), c.permanent)
		}
	}

	wrapped := &StatusError{Code: http.StatusNotFound}
	if !IsPermanent(errors.Join(errors.New("outer"), wrapped)) {
		t.Error("IsPermanent should see through wrapping")
	}
	if IsPermanent(errors.New("plain network error")) {
		t.Error("plain errors are not permanent rejections")
	}
}

// TestStartSession verifies the request shape, bearer auth, and id decoding.
func TestStartSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("auth = %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req["person"] != "alice" || req["day"] != float64(2) {
			t.Errorf("request body = %v", req)
		}
		json.NewEncoder(w).Encode(map[string]string{"session_id": "srv-55"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-1")
	id, err := c.StartSession(context.Background(), StartSessionRequest{Person: "alice", Day: 2})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id != "srv-55" {
		t.Errorf("session id = %q, want srv-55", id)
	}
}

// TestStartSessionEmptyID verifies an empty id in a 2xx response is an error,
// not a silently empty session.
func TestStartSessionEmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "tok").StartSession(context.Background(), StartSessionRequest{}); err == nil {
		t.Error("empty session id accepted")
	}
}

// TestRecordSetUsesExerciseName verifies sets travel under the exercise's
// stable name, and that a 404 surfaces as a permanent StatusError.
func TestRecordSetUsesExerciseName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/srv-1/sets" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["exercise_name"] != "Bench Press" {
			t.Errorf("body = %v, want exercise_name", body)
		}
		if _, ok := body["exercise_index"]; ok {
			t.Error("exercise_index must not be sent; indices are device-local")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	set := models.SetRecord{ExerciseName: "Bench Press", ExerciseIndex: 3, Weight: 60, Reps: 8}
	if err := c.RecordSet(context.Background(), "srv-1", set); err != nil {
		t.Fatalf("RecordSet: %v", err)
	}
}

// TestEndSessionNotFound verifies the error carries the status code and body.
func TestEndSessionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	err := New(srv.URL, "tok").EndSession(context.Background(), "srv-gone")
	if err == nil {
		t.Fatal("expected error")
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T", err)
	}
	if se.Code != http.StatusNotFound || se.Body != "no such session" {
		t.Errorf("status error = %+v", se)
	}
	if !IsPermanent(err) {
		t.Error("404 end should be permanent")
	}
}

// TestGetAnalytics verifies query parameters and decoding.
func TestGetAnalytics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("person") != "alice" || r.URL.Query().Get("day") != "2" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"average_time_between_sets": 82.5,
			"total_sets":                40,
		})
	}))
	defer srv.Close()

	a, err := New(srv.URL, "tok").GetAnalytics(context.Background(), "alice", 2)
	if err != nil {
		t.Fatalf("GetAnalytics: %v", err)
	}
	if a.AverageTimeBetweenSets != 82.5 || a.TotalSets != 40 {
		t.Errorf("analytics = %+v", a)
	}
}

// TestGetAnalyticsEscapesPerson verifies person names with URL
// metacharacters survive the query string intact.
func TestGetAnalyticsEscapesPerson(t *testing.T) {
	const person = "ann & bob #1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("person"); got != person {
			t.Errorf("person = %q, want %q", got, person)
		}
		if got := r.URL.Query().Get("day"); got != "3" {
			t.Errorf("day = %q, want 3", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"average_time_between_sets": 60.0})
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "tok").GetAnalytics(context.Background(), person, 3); err != nil {
		t.Fatalf("GetAnalytics: %v", err)
	}
}
