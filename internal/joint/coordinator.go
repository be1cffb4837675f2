// Package joint layers a small request/response + broadcast protocol on the
// realtime channel so two participants can share live progress during a
// synchronized workout. A watch session is the read-only degenerate case:
// the local participant contributes no progress.
package joint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/claude/supergym/internal/realtime"
)

// State is the local participant's position in the joint-session protocol.
type State int

const (
	StateIdle State = iota
	StateInviteSent
	StateInviteReceived
	StateInSession
	StateWatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInviteSent:
		return "invite_sent"
	case StateInviteReceived:
		return "invite_received"
	case StateInSession:
		return "in_session"
	case StateWatching:
		return "watching"
	}
	return "unknown"
}

// Message type tags on the realtime channel.
const (
	MsgInvite   = "joint_invite"
	MsgAccept   = "joint_accept"
	MsgDecline  = "joint_decline"
	MsgLeave    = "joint_leave"
	MsgProgress = "joint_progress"

	MsgWatchStart  = "watch_start"
	MsgWatchStop   = "watch_stop"
	MsgWatchUpdate = "watch_update"
	MsgWatchError  = "watch_error"
)

var (
	// ErrBusy is returned when the requested transition is invalid from the
	// current protocol state.
	ErrBusy = errors.New("not valid in current joint-session state")

	// ErrNoInvite is returned by Accept/Decline with no invite pending.
	ErrNoInvite = errors.New("no invite pending")
)

// WatchError is a watch-specific failure (friend not in that session, the
// session ended). It never disturbs a primary joint session.
type WatchError struct {
	Reason string
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("watch failed: %s", e.Reason)
}

// Progress is one participant's current position in the workout.
type Progress struct {
	ExerciseIndex int    `json:"exercise_index"`
	SetIndex      int    `json:"set_index"`
	ExerciseName  string `json:"exercise_name"`
}

// message is the single wire shape for all joint/watch frames; unused fields
// stay empty per type.
type message struct {
	Type         string `json:"type"`
	InviteID     string `json:"invite_id,omitempty"`
	FromUserID   string `json:"from_user_id,omitempty"`
	FromUsername string `json:"from_username,omitempty"`
	ToUserID     string `json:"to_user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Reason       string `json:"reason,omitempty"`

	ExerciseIndex int    `json:"exercise_index,omitempty"`
	SetIndex      int    `json:"set_index,omitempty"`
	ExerciseName  string `json:"exercise_name,omitempty"`
	ReadyForNext  bool   `json:"ready_for_next,omitempty"`
}

// Sender is the outbound half of the realtime channel.
type Sender interface {
	Send(ctx context.Context, v any) error
}

// Watch is the read-only view of a friend's session.
type Watch struct {
	FriendID       string
	FriendUsername string
	SessionID      string
	Progress       Progress
	Err            *WatchError
}

// Coordinator runs the joint-session protocol for the local participant.
type Coordinator struct {
	mu     sync.Mutex
	state  State
	userID string
	sender Sender
	log    *slog.Logger

	partnerID string
	inviteID  string

	localProgress   Progress
	localReady      bool
	partnerProgress Progress
	partnerReady    bool

	watch *Watch
}

// New creates a coordinator for the given local user.
func New(userID string, sender Sender, log *slog.Logger) *Coordinator {
	return &Coordinator{state: StateIdle, userID: userID, sender: sender, log: log}
}

// Register wires the coordinator's inbound handlers into the transport.
func (c *Coordinator) Register(reg interface {
	Handle(msgType string, h realtime.Handler)
}) {
	for _, typ := range []string{MsgInvite, MsgAccept, MsgDecline, MsgLeave, MsgProgress, MsgWatchUpdate, MsgWatchError} {
		reg.Handle(typ, c.HandleMessage)
	}
}

// SendInvite invites another user to a joint session. Valid only when not
// already in (or negotiating) a session. The returned value reports whether
// the invite was dispatched; acceptance arrives asynchronously.
func (c *Coordinator) SendInvite(ctx context.Context, toUserID string) (bool, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return false, ErrBusy
	}
	c.state = StateInviteSent
	c.partnerID = toUserID
	c.inviteID = uuid.NewString()
	msg := message{Type: MsgInvite, InviteID: c.inviteID, FromUserID: c.userID, ToUserID: toUserID}
	c.mu.Unlock()

	if err := c.sender.Send(ctx, msg); err != nil {
		c.reset()
		return false, err
	}
	return true, nil
}

// AcceptInvite accepts the pending inbound invite and enters the session.
func (c *Coordinator) AcceptInvite(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInviteReceived {
		c.mu.Unlock()
		return ErrNoInvite
	}
	c.state = StateInSession
	msg := message{Type: MsgAccept, InviteID: c.inviteID, FromUserID: c.userID, ToUserID: c.partnerID}
	c.mu.Unlock()

	return c.sender.Send(ctx, msg)
}

// DeclineInvite declines the pending inbound invite, notifying the inviter.
func (c *Coordinator) DeclineInvite(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInviteReceived {
		c.mu.Unlock()
		return ErrNoInvite
	}
	msg := message{Type: MsgDecline, InviteID: c.inviteID, FromUserID: c.userID, ToUserID: c.partnerID}
	c.resetLocked()
	c.mu.Unlock()

	return c.sender.Send(ctx, msg)
}

// PushProgress broadcasts the local participant's current pointer. Valid only
// while in a session.
func (c *Coordinator) PushProgress(ctx context.Context, p Progress, readyForNext bool) error {
	c.mu.Lock()
	if c.state != StateInSession {
		c.mu.Unlock()
		return ErrBusy
	}
	c.localProgress = p
	c.localReady = readyForNext
	msg := message{
		Type:          MsgProgress,
		FromUserID:    c.userID,
		ToUserID:      c.partnerID,
		ExerciseIndex: p.ExerciseIndex,
		SetIndex:      p.SetIndex,
		ExerciseName:  p.ExerciseName,
		ReadyForNext:  readyForNext,
	}
	c.mu.Unlock()

	return c.sender.Send(ctx, msg)
}

// Leave exits the joint session, notifying the peer and clearing partner
// progress.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInSession {
		c.mu.Unlock()
		return ErrBusy
	}
	msg := message{Type: MsgLeave, FromUserID: c.userID, ToUserID: c.partnerID}
	c.resetLocked()
	c.mu.Unlock()

	return c.sender.Send(ctx, msg)
}

// StartWatching subscribes read-only to a friend's session. Reachable only
// from the idle state.
func (c *Coordinator) StartWatching(ctx context.Context, friendID, friendUsername, sessionID string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateWatching
	c.watch = &Watch{FriendID: friendID, FriendUsername: friendUsername, SessionID: sessionID}
	msg := message{Type: MsgWatchStart, FromUserID: c.userID, ToUserID: friendID, SessionID: sessionID}
	c.mu.Unlock()

	if err := c.sender.Send(ctx, msg); err != nil {
		c.reset()
		return err
	}
	return nil
}

// StopWatching unsubscribes from the watched session.
func (c *Coordinator) StopWatching(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateWatching {
		c.mu.Unlock()
		return ErrBusy
	}
	msg := message{Type: MsgWatchStop, FromUserID: c.userID, ToUserID: c.watch.FriendID, SessionID: c.watch.SessionID}
	c.resetLocked()
	c.mu.Unlock()

	return c.sender.Send(ctx, msg)
}

// HandleMessage routes one inbound frame. Frames that make no sense in the
// current state are logged and dropped — the peer's view may lag ours.
func (c *Coordinator) HandleMessage(msgType string, raw json.RawMessage) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		c.log.Warn("malformed joint message", "type", msgType, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch m.Type {
	case MsgInvite:
		if c.state != StateIdle {
			c.log.Info("invite ignored, busy", "from", m.FromUserID, "state", c.state.String())
			return
		}
		c.state = StateInviteReceived
		c.partnerID = m.FromUserID
		c.inviteID = m.InviteID

	case MsgAccept:
		if c.state != StateInviteSent || m.InviteID != c.inviteID {
			return
		}
		c.state = StateInSession

	case MsgDecline:
		if c.state != StateInviteSent || m.InviteID != c.inviteID {
			return
		}
		c.resetLocked()

	case MsgLeave:
		if c.state != StateInSession || m.FromUserID != c.partnerID {
			return
		}
		c.resetLocked()

	case MsgProgress:
		if c.state != StateInSession || m.FromUserID != c.partnerID {
			return
		}
		c.partnerProgress = Progress{
			ExerciseIndex: m.ExerciseIndex,
			SetIndex:      m.SetIndex,
			ExerciseName:  m.ExerciseName,
		}
		c.partnerReady = m.ReadyForNext

	case MsgWatchUpdate:
		if c.state != StateWatching || m.SessionID != c.watch.SessionID {
			return
		}
		c.watch.Progress = Progress{
			ExerciseIndex: m.ExerciseIndex,
			SetIndex:      m.SetIndex,
			ExerciseName:  m.ExerciseName,
		}

	case MsgWatchError:
		if c.state != StateWatching {
			return
		}
		c.watch.Err = &WatchError{Reason: m.Reason}
		c.state = StateIdle
	}
}

// SyncPulse is true exactly when both participants are marked ready on the
// same exercise/set pair. It is the gate before either side proceeds to the
// next set.
func (c *Coordinator) SyncPulse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateInSession &&
		c.localReady && c.partnerReady &&
		c.localProgress.ExerciseIndex == c.partnerProgress.ExerciseIndex &&
		c.localProgress.SetIndex == c.partnerProgress.SetIndex
}

// State returns the current protocol state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PartnerID returns the peer in the current (or negotiating) session.
func (c *Coordinator) PartnerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partnerID
}

// PartnerProgress returns the peer's last pushed pointer and ready flag.
func (c *Coordinator) PartnerProgress() (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partnerProgress, c.partnerReady
}

// Watching returns a copy of the current watch state, or nil.
func (c *Coordinator) Watching() *Watch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watch == nil || c.state != StateWatching && c.watch.Err == nil {
		return nil
	}
	w := *c.watch
	return &w
}

func (c *Coordinator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// resetLocked returns to the idle state. Caller holds c.mu.
func (c *Coordinator) resetLocked() {
	c.state = StateIdle
	c.partnerID = ""
	c.inviteID = ""
	c.localProgress = Progress{}
	c.partnerProgress = Progress{}
	c.localReady = false
	c.partnerReady = false
	c.watch = nil
}
