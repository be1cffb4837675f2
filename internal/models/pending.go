package models

import (
	"encoding/json"
	"fmt"
)

// PendingOpKind discriminates the closed set of queueable operations.
type PendingOpKind string

const (
	OpStartSession PendingOpKind = "start_session"
	OpRecordSet    PendingOpKind = "record_set"
	OpEndSession   PendingOpKind = "end_session"
)

// StartSessionOp asks the server to open a session and assign a canonical id
// for the provisional one generated locally.
type StartSessionOp struct {
	LocalID      SessionID `json:"local_id"`
	Person       string    `json:"person"`
	Day          int       `json:"day"`
	DayTitle     string    `json:"day_title"`
	MuscleGroups []string  `json:"muscle_groups,omitempty"`
	Demo         bool      `json:"demo,omitempty"`
}

// RecordSetOp uploads one completed set. SessionID may still be provisional
// when queued; the reconciler rebases it once the canonical id is known.
type RecordSetOp struct {
	SessionID SessionID `json:"session_id"`
	Set       SetRecord `json:"set"`
}

// EndSessionOp closes a session on the server.
type EndSessionOp struct {
	SessionID SessionID `json:"session_id"`
}

// PendingOp is a tagged union over the three queueable operations. Exactly
// one payload field is non-nil, matching Kind. Construct values with
// NewStartOp/NewRecordOp/NewEndOp rather than struct literals.
type PendingOp struct {
	Kind   PendingOpKind   `json:"kind"`
	Start  *StartSessionOp `json:"start,omitempty"`
	Record *RecordSetOp    `json:"record,omitempty"`
	End    *EndSessionOp   `json:"end,omitempty"`
}

// NewStartOp builds a StartSession pending op.
func NewStartOp(op StartSessionOp) PendingOp {
	return PendingOp{Kind: OpStartSession, Start: &op}
}

// NewRecordOp builds a RecordSet pending op.
func NewRecordOp(op RecordSetOp) PendingOp {
	return PendingOp{Kind: OpRecordSet, Record: &op}
}

// NewEndOp builds an EndSession pending op.
func NewEndOp(op EndSessionOp) PendingOp {
	return PendingOp{Kind: OpEndSession, End: &op}
}

// SessionRef returns the session id the op refers to. For StartSession this
// is the provisional id it will promote.
func (p PendingOp) SessionRef() SessionID {
	switch p.Kind {
	case OpStartSession:
		return p.Start.LocalID
	case OpRecordSet:
		return p.Record.SessionID
	case OpEndSession:
		return p.End.SessionID
	}
	return SessionID{}
}

// Rebase rewrites the op's session reference if it matches from. StartSession
// ops are never rebased — their local id is the thing being promoted.
func (p *PendingOp) Rebase(from, to SessionID) {
	switch p.Kind {
	case OpRecordSet:
		if p.Record.SessionID == from {
			p.Record.SessionID = to
		}
	case OpEndSession:
		if p.End.SessionID == from {
			p.End.SessionID = to
		}
	}
}

// UnmarshalJSON decodes and validates the tagged union: the kind must be
// known and the matching payload present. A queue entry that fails this is
// corrupt and must not round-trip silently.
func (p *PendingOp) UnmarshalJSON(data []byte) error {
	type raw PendingOp
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Kind {
	case OpStartSession:
		if r.Start == nil {
			return fmt.Errorf("pending op %s: missing payload", r.Kind)
		}
	case OpRecordSet:
		if r.Record == nil {
			return fmt.Errorf("pending op %s: missing payload", r.Kind)
		}
	case OpEndSession:
		if r.End == nil {
			return fmt.Errorf("pending op %s: missing payload", r.Kind)
		}
	default:
		return fmt.Errorf("unknown pending op kind %q", r.Kind)
	}
	*p = PendingOp(r)
	return nil
}
