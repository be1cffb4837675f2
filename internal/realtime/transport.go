// Package realtime maintains the single persistent websocket to the workout
// server: one connection per signed-in user, exponential-backoff reconnect,
// and foreground/background lifecycle awareness. Delivery is fire-and-forget;
// durable workout data never rides this channel (it goes through the pending
// queue and REST).
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	backoffBase    = 1 * time.Second
	backoffCeiling = 30 * time.Second
)

// nextBackoff doubles the delay up to the ceiling.
func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCeiling {
		return backoffCeiling
	}
	return next
}

// jitter spreads a delay by ±10% so reconnecting clients don't stampede.
// The result is clamped to the ceiling: the ceiling bounds the actual delay,
// not just the pre-jitter value.
func jitter(d time.Duration) time.Duration {
	f := 0.9 + rand.Float64()*0.2
	j := time.Duration(float64(d) * f)
	if j > backoffCeiling {
		return backoffCeiling
	}
	return j
}

// Envelope is the tagged wire frame. Handlers receive the raw frame and
// decode their own payload.
type Envelope struct {
	Type string `json:"type"`
}

// Handler consumes one inbound frame of a registered type.
type Handler func(msgType string, raw json.RawMessage)

// Transport is the persistent bidirectional channel.
type Transport struct {
	url   string
	token string
	log   *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	dialing    bool // a Connect is mid-handshake; further Connects are no-ops
	backoff    time.Duration
	enabled    bool // signed in and reconnection allowed
	foreground bool
	handlers   map[string]Handler
	reconnect  *time.Timer
}

// New creates a transport. It stays disconnected (and will not reconnect)
// until Connect is called; an empty token disables it entirely — no user,
// no channel.
func New(url, token string, log *slog.Logger) *Transport {
	return &Transport{
		url:        url,
		token:      token,
		log:        log,
		backoff:    backoffBase,
		foreground: true,
		handlers:   map[string]Handler{},
	}
}

// Handle registers the handler for one message type. Inbound frames of
// unregistered types are ignored without error. Register before Connect.
func (t *Transport) Handle(msgType string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[msgType] = h
}

// Connect opens the channel. A no-op when already open, when a dial is
// already in flight, or when no user is signed in; at most one connection
// exists at any time. On success the reconnect backoff resets to its base
// value.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.token == "" {
		t.mu.Unlock()
		return nil
	}
	t.enabled = true
	if t.conn != nil || t.dialing {
		t.mu.Unlock()
		return nil
	}
	t.dialing = true
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + t.token}},
	})

	t.mu.Lock()
	t.dialing = false
	if err != nil {
		t.mu.Unlock()
		t.log.Warn("websocket dial failed", "error", err)
		t.scheduleReconnect(ctx)
		return err
	}
	if !t.enabled || !t.foreground {
		// Close or Background raced the handshake; the new connection is
		// unwanted.
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	t.conn = conn
	t.backoff = backoffBase
	t.mu.Unlock()
	t.log.Info("realtime channel open")

	go t.readLoop(ctx, conn)
	return nil
}

// readLoop consumes frames until the connection dies, then schedules a
// reconnect if still enabled.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			enabled := t.enabled && t.foreground
			t.mu.Unlock()

			if ctx.Err() == nil && enabled {
				t.log.Info("realtime channel closed, will reconnect", "error", err)
				t.scheduleReconnect(ctx)
			}
			return
		}
		t.dispatch(data)
	}
}

// dispatch parses one frame and routes it. Malformed frames are logged and
// dropped; they never take the transport down.
func (t *Transport) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		t.log.Warn("malformed realtime frame, ignoring", "error", err)
		return
	}

	t.mu.Lock()
	h := t.handlers[env.Type]
	t.mu.Unlock()

	if h == nil {
		return
	}
	h(env.Type, json.RawMessage(data))
}

// scheduleReconnect arms a reconnect after the current backoff delay, then
// doubles the delay up to the ceiling.
func (t *Transport) scheduleReconnect(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.foreground || t.reconnect != nil {
		return
	}
	delay := jitter(t.backoff)
	t.backoff = nextBackoff(t.backoff)
	t.reconnect = time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.reconnect = nil
		t.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		_ = t.Connect(ctx)
	})
}

// Send delivers a message if the channel is currently open; otherwise the
// message is dropped and logged. Callers must not assume delivery.
func (t *Transport) Send(ctx context.Context, v any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		t.log.Debug("realtime send dropped, channel not open")
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.log.Warn("realtime send failed", "error", err)
	}
	return nil
}

// Foreground forces a reconnect-now on returning to the foreground,
// resetting the backoff.
func (t *Transport) Foreground(ctx context.Context) {
	t.mu.Lock()
	t.foreground = true
	t.backoff = backoffBase
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	open := t.conn != nil
	t.mu.Unlock()

	if !open {
		_ = t.Connect(ctx)
	}
}

// Background cleanly closes the channel on entering the background. The
// closure is expected, not erroneous; no reconnect is scheduled until
// Foreground.
func (t *Transport) Background() {
	t.mu.Lock()
	t.foreground = false
	conn := t.conn
	t.conn = nil
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "backgrounded")
	}
}

// Close disables the transport and closes any open connection.
func (t *Transport) Close() {
	t.mu.Lock()
	t.enabled = false
	conn := t.conn
	t.conn = nil
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

// Connected reports whether the channel is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}
