package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of an order record.
type State string

const (
	StateDraft     State = "draft"
	StateSigned    State = "signed"
	StateSubmitted State = "submitted"
	StatePending   State = "pending"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCompleted || s == StateCancelled
}

// transitions is the full state machine. A record never leaves a
// terminal state; a retry creates a new record instead.
var transitions = map[State][]State{
	StateDraft:     {StateSigned, StateCancelled},
	StateSigned:    {StateSubmitted, StateRejected, StateCancelled},
	StateSubmitted: {StatePending, StateRejected, StateCancelled},
	StatePending:   {StateAccepted, StateRejected},
	StateAccepted:  {StateCompleted, StateCancelled},
}

func (s State) canTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Record tracks one intent through the engine. Mutated only by the
// engine as it advances; terminal once Rejected, Completed or Cancelled.
type Record struct {
	LocalID     uuid.UUID    `json:"localId"`
	Kind        Kind         `json:"kind"`
	ConflictKey string       `json:"conflictKey"`
	Signed      *SignedOrder `json:"signed,omitempty"`
	State       State        `json:"state"`
	RemoteID    uint64       `json:"remoteId,omitempty"`
	LastError   string       `json:"lastError,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// NewRecord creates a Draft record for an intent.
func NewRecord(intent Intent, now time.Time) *Record {
	return &Record{
		LocalID:     uuid.New(),
		Kind:        intent.Kind(),
		ConflictKey: intent.ConflictKey(),
		State:       StateDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Open reports whether the record occupies its asset+intent slot. A
// Draft whose build or signing failed stays Draft for inspection but
// no longer blocks a retry; a retry creates a new record.
func (r *Record) Open() bool {
	if r.State.Terminal() {
		return false
	}
	return r.State != StateDraft || r.LastError == ""
}

// Fail records a build or signing failure. The record stays in Draft
// with the cause on lastError; Rejected is reserved for the submit
// step and remote decisions.
func (r *Record) Fail(cause error, now time.Time) {
	r.LastError = cause.Error()
	r.UpdatedAt = now
}

// Transition advances the record, rejecting anything the state machine
// does not allow.
func (r *Record) Transition(next State, now time.Time) error {
	if r.State.Terminal() {
		return fmt.Errorf("order %s is terminal in state %s", r.LocalID, r.State)
	}
	if !r.State.canTransitionTo(next) {
		return fmt.Errorf("order %s cannot move %s -> %s", r.LocalID, r.State, next)
	}
	r.State = next
	r.UpdatedAt = now
	return nil
}
