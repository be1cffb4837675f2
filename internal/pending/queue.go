// Package pending buffers mutations made while the server was unreachable
// and reconciles them opportunistically. The queue is strictly FIFO within a
// pass: a session's StartSession op is always enqueued before its RecordSet
// ops, which is what makes in-pass id rebasing correct.
package pending

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claude/supergym/internal/api"
	"github.com/claude/supergym/internal/models"
	"github.com/claude/supergym/internal/store"
)

// Remote is the slice of the server API the reconciler drains against.
type Remote interface {
	StartSession(ctx context.Context, req api.StartSessionRequest) (string, error)
	RecordSet(ctx context.Context, sessionID string, set models.SetRecord) error
	EndSession(ctx context.Context, sessionID string) error
}

// Promoter receives the canonical id once a queued StartSession succeeds, so
// the live session (if it still carries the provisional id) follows along.
type Promoter interface {
	PromoteSession(ctx context.Context, from, to models.SessionID) error
}

// Refresher is poked when a pass leaves the queue empty: everything the
// server needs has landed, so server-derived figures can be recomputed.
type Refresher interface {
	RefreshRestTime(ctx context.Context)
}

// Queue is the durable pending-operation queue plus its reconciler.
type Queue struct {
	mu       sync.Mutex
	ops      []models.PendingOp
	syncing  bool
	store    *store.Store
	remote   Remote
	promoter Promoter
	refresh  Refresher
	log      *slog.Logger
	interval time.Duration
	nudge    chan struct{}
}

// New creates a queue. Call Load before use.
func New(st *store.Store, remote Remote, promoter Promoter, refresh Refresher, interval time.Duration, log *slog.Logger) *Queue {
	return &Queue{
		store:    st,
		remote:   remote,
		promoter: promoter,
		refresh:  refresh,
		log:      log,
		interval: interval,
		nudge:    make(chan struct{}, 1),
	}
}

// Load restores the persisted queue. A corrupt queue is reset to empty
// rather than wedging the engine.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ops []models.PendingOp
	err := q.store.Get(ctx, store.KeyPendingSyncs, &ops)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		q.log.Warn("pending queue unreadable, starting empty", "error", err)
		return nil
	}
	q.ops = ops
	return nil
}

// Add appends an op and durably persists the queue.
func (q *Queue) Add(ctx context.Context, op models.PendingOp) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = append(q.ops, op)
	if err := q.persistLocked(ctx); err != nil {
		return fmt.Errorf("persisting pending queue: %w", err)
	}
	return nil
}

// Nudge requests an eager sync pass without blocking. A nudge while a pass
// is running is absorbed: the running pass's tail handling already covers
// newly added ops on the next cycle.
func (q *Queue) Nudge() {
	select {
	case q.nudge <- struct{}{}:
	default:
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Counts returns the queue depth per op kind.
func (q *Queue) Counts() map[models.PendingOpKind]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[models.PendingOpKind]int, 3)
	for _, op := range q.ops {
		out[op.Kind]++
	}
	return out
}

// CleanupInvalidSyncs strips RecordSet/EndSession ops that reference a
// provisional session whose StartSession op is no longer in the queue. Such
// ops are permanently inert — the server will never learn their session —
// and must not accumulate. Normal provisional ops whose start is still
// queued are left alone; rebasing will fix them. Run once after Load.
func (q *Queue) CleanupInvalidSyncs(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	starts := map[string]bool{}
	for _, op := range q.ops {
		if op.Kind == models.OpStartSession {
			starts[op.Start.LocalID.String()] = true
		}
	}

	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		ref := op.SessionRef()
		if op.Kind != models.OpStartSession && ref.IsProvisional() && !starts[ref.String()] {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	if removed == 0 {
		return 0
	}
	q.ops = kept
	if err := q.persistLocked(ctx); err != nil {
		q.log.Warn("persisting cleaned queue failed", "error", err)
	}
	q.log.Info("removed orphaned pending ops", "count", removed)
	return removed
}

// SyncPendingData attempts one full drain of the queue against the server.
// Non-reentrant: a call while a pass is in flight is a no-op, which prevents
// duplicate submission of the same op. Calling with an empty queue is free.
func (q *Queue) SyncPendingData(ctx context.Context) error {
	q.mu.Lock()
	if q.syncing {
		q.mu.Unlock()
		return nil
	}
	if len(q.ops) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.syncing = true
	snapshot := make([]models.PendingOp, len(q.ops))
	copy(snapshot, q.ops)
	taken := len(snapshot)
	q.mu.Unlock()

	failed := q.drain(ctx, snapshot)

	q.mu.Lock()
	// Atomic replacement: failed ops (relative order preserved) plus anything
	// enqueued while the pass was running.
	q.ops = append(failed, q.ops[taken:]...)
	if err := q.persistLocked(ctx); err != nil {
		q.log.Warn("persisting queue after pass failed", "error", err)
	}
	empty := len(q.ops) == 0
	q.syncing = false
	q.mu.Unlock()

	if empty && q.refresh != nil {
		q.refresh.RefreshRestTime(ctx)
	}
	return nil
}

// drain runs one FIFO pass over the snapshot and returns the ops to retry.
func (q *Queue) drain(ctx context.Context, ops []models.PendingOp) []models.PendingOp {
	var failed []models.PendingOp

	for i, op := range ops {
		switch op.Kind {
		case models.OpStartSession:
			serverID, err := q.remote.StartSession(ctx, api.StartSessionRequest{
				Person:       op.Start.Person,
				Day:          op.Start.Day,
				DayTitle:     op.Start.DayTitle,
				MuscleGroups: op.Start.MuscleGroups,
				Demo:         op.Start.Demo,
			})
			if err != nil {
				q.log.Warn("queued session start failed", "error", err)
				failed = append(failed, op)
				continue
			}
			canonical := models.CanonicalID(serverID)

			// Rebase every later op that references this provisional id,
			// before those ops are themselves attempted. FIFO order
			// guarantees they all sit after this one.
			for j := i + 1; j < len(ops); j++ {
				ops[j].Rebase(op.Start.LocalID, canonical)
			}
			if err := q.promoter.PromoteSession(ctx, op.Start.LocalID, canonical); err != nil {
				q.log.Warn("promoting live session failed", "error", err)
			}

		case models.OpRecordSet:
			if !op.Record.Set.Valid() {
				// Dropped, never retried.
				q.log.Debug("dropping invalid queued set")
				continue
			}
			if op.Record.SessionID.IsProvisional() {
				// Its StartSession has not succeeded yet this round; keep it.
				failed = append(failed, op)
				continue
			}
			if err := q.remote.RecordSet(ctx, op.Record.SessionID.String(), op.Record.Set); err != nil {
				q.log.Warn("queued set upload failed", "error", err)
				failed = append(failed, op)
			}

		case models.OpEndSession:
			if op.End.SessionID.IsProvisional() {
				// The session never reached the server; nothing to end there.
				continue
			}
			err := q.remote.EndSession(ctx, op.End.SessionID.String())
			if err != nil && !api.IsPermanent(err) {
				q.log.Warn("queued session end failed", "error", err)
				failed = append(failed, op)
			} else if err != nil {
				// Not found / unauthorized: the divergence is unrecoverable
				// and retrying is pointless. Treat as done.
				q.log.Info("queued session end rejected permanently, dropping",
					"session_id", op.End.SessionID.String(), "error", err)
			}
		}
	}
	return failed
}

// Run drives periodic reconciliation: a pass every interval while the queue
// is non-empty, plus an eager pass on every Nudge.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.Len() == 0 {
				continue
			}
		case <-q.nudge:
		}
		if err := q.SyncPendingData(ctx); err != nil {
			q.log.Warn("sync pass failed", "error", err)
		}
	}
}

// persistLocked writes the queue. Caller holds q.mu.
func (q *Queue) persistLocked(ctx context.Context) error {
	return q.store.Set(ctx, store.KeyPendingSyncs, q.ops)
}
