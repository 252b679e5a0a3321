package ledger

import (
	"time"

	"github.com/stepflow-io/stepflow/backend/payload"
	"github.com/stepflow-io/stepflow/internal/runerrors"
)

// Kind is the closed set of step outcome kinds. The ledger and the replay
// executor handle every kind exhaustively.
type Kind int

const (
	// KindValue is a memoized step result.
	KindValue Kind = iota

	// KindSleep is a durable sleep with a fixed wake time.
	KindSleep

	// KindEventWait is a wait for an externally delivered event, with a
	// timeout deadline.
	KindEventWait
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "memoized-value"
	case KindSleep:
		return "sleep"
	case KindEventWait:
		return "event-wait"
	default:
		return "unknown"
	}
}

// StepRecord is one entry in a run's ledger. Once resolved it is immutable;
// the only allowed transitions are pending → resolved and
// pending → failed attempt N.
type StepRecord struct {
	// Name is the step name, unique within a run.
	Name string `json:"name"`

	Kind Kind `json:"kind"`

	// Index is the insertion position within the run's ledger.
	Index int `json:"index"`

	Resolved bool `json:"resolved,omitempty"`

	// Value is the memoized result for KindValue, or the matched event for
	// KindEventWait.
	Value payload.Payload `json:"value,omitempty"`

	// WakeAt is the wake time for KindSleep and the timeout deadline for
	// KindEventWait.
	WakeAt time.Time `json:"wake_at,omitzero"`

	// Criteria is the opaque match criteria for KindEventWait.
	Criteria payload.Payload `json:"criteria,omitempty"`

	// TimedOut marks a KindEventWait record that was resolved by its timeout
	// rather than a matching event.
	TimedOut bool `json:"timed_out,omitempty"`

	// Attempt counts failed executions while the record is pending.
	Attempt int `json:"attempt,omitempty"`

	// LastError is the most recent failure for a pending record.
	LastError *runerrors.Error `json:"last_error,omitempty"`
}
