// Package api is the HTTP client for the remote workout server. The engine
// never calls the server directly; everything goes through this client so
// failures carry the transient/permanent distinction the reconciler needs.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/claude/supergym/internal/models"
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// Permanent reports whether the failure can never succeed on retry: the
// session is gone or we are not allowed to touch it. The reconciler treats
// a permanent EndSession failure as success.
func (e *StatusError) Permanent() bool {
	return e.Code == http.StatusNotFound ||
		e.Code == http.StatusUnauthorized ||
		e.Code == http.StatusForbidden
}

// IsPermanent reports whether err is a permanent server rejection.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// Client sends requests to the workout server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the given server. The token is sent as a Bearer
// credential on every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// StartSessionRequest opens a workout session on the server.
type StartSessionRequest struct {
	Person       string   `json:"person"`
	Day          int      `json:"day"`
	DayTitle     string   `json:"day_title"`
	MuscleGroups []string `json:"muscle_groups,omitempty"`
	Demo         bool     `json:"is_demo,omitempty"`
}

// Analytics is the server's per-day training analytics.
type Analytics struct {
	AverageTimeBetweenSets float64 `json:"average_time_between_sets"`
	TotalSets              int     `json:"total_sets"`
	TotalSessions          int     `json:"total_sessions"`
}

// StartSession opens a session and returns the canonical session id.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.post(ctx, "/api/v1/sessions", req, &out); err != nil {
		return "", fmt.Errorf("starting session: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("starting session: server returned empty session id")
	}
	return out.SessionID, nil
}

// RecordSet uploads one completed set to an open session. The set travels
// under the exercise's stable name, not its index.
func (c *Client) RecordSet(ctx context.Context, sessionID string, set models.SetRecord) error {
	body := struct {
		ExerciseName string    `json:"exercise_name"`
		SetIndex     int       `json:"set_index"`
		StartTime    time.Time `json:"start_time"`
		EndTime      time.Time `json:"end_time"`
		Weight       float64   `json:"weight"`
		Reps         int       `json:"reps"`
		Note         string    `json:"note,omitempty"`
		Warmup       bool      `json:"is_warmup,omitempty"`
		MuscleGroup  string    `json:"muscle_group,omitempty"`
	}{
		ExerciseName: set.ExerciseName,
		SetIndex:     set.SetIndex,
		StartTime:    set.StartTime,
		EndTime:      set.EndTime,
		Weight:       set.Weight,
		Reps:         set.Reps,
		Note:         set.Note,
		Warmup:       set.Warmup,
		MuscleGroup:  set.MuscleGroup,
	}
	if err := c.post(ctx, "/api/v1/sessions/"+sessionID+"/sets", body, nil); err != nil {
		return fmt.Errorf("recording set: %w", err)
	}
	return nil
}

// EndSession closes a session on the server.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	if err := c.post(ctx, "/api/v1/sessions/"+sessionID+"/end", nil, nil); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return nil
}

// GetAnalytics fetches per-day training analytics for a person.
func (c *Client) GetAnalytics(ctx context.Context, person string, day int) (*Analytics, error) {
	q := url.Values{}
	q.Set("person", person)
	q.Set("day", strconv.Itoa(day))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/analytics?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building analytics request: %w", err)
	}
	var out Analytics
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("fetching analytics: %w", err)
	}
	return &out, nil
}

// ClearDemoSessions removes all demo sessions for the authenticated user.
func (c *Client) ClearDemoSessions(ctx context.Context) error {
	if err := c.post(ctx, "/api/v1/sessions/demo/clear", nil, nil); err != nil {
		return fmt.Errorf("clearing demo sessions: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
