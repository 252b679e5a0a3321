package core

import (
	"time"

	"github.com/stepflow-io/stepflow/backend/payload"
	"github.com/stepflow-io/stepflow/internal/runerrors"
)

// ActionType enumerates the actions the engine reports back to the external
// scheduler after a tick.
type ActionType int

const (
	// ActionRunStep asks the scheduler to execute the named step's code
	// out-of-process and deliver the result in a later tick.
	ActionRunStep ActionType = iota

	// ActionSleepUntil asks the scheduler to redeliver a tick no earlier than
	// WakeAt.
	ActionSleepUntil

	// ActionWaitForEvent asks the scheduler to deliver a matching event, or a
	// timeout, in a later tick.
	ActionWaitForEvent

	// ActionSucceeded is the terminal success report, carrying the workflow's
	// result.
	ActionSucceeded

	// ActionFailed is the terminal failure report.
	ActionFailed
)

func (t ActionType) String() string {
	switch t {
	case ActionRunStep:
		return "runStep"
	case ActionSleepUntil:
		return "sleepUntil"
	case ActionWaitForEvent:
		return "waitForEvent"
	case ActionSucceeded:
		return "succeeded"
	case ActionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Action is the outbound action report for one tick. Exactly one action is
// reported per tick.
type Action struct {
	Type ActionType `json:"type"`

	// StepName is set for step-scoped actions.
	StepName string `json:"step_name,omitempty"`

	// Attempt is the 1-based attempt number for ActionRunStep.
	Attempt int `json:"attempt,omitempty"`

	// WakeAt is the earliest redelivery time for ActionSleepUntil.
	WakeAt time.Time `json:"wake_at,omitzero"`

	// Criteria and TimeoutAt describe an ActionWaitForEvent.
	Criteria  payload.Payload `json:"criteria,omitempty"`
	TimeoutAt time.Time       `json:"timeout_at,omitzero"`

	// Result is the workflow return value for ActionSucceeded.
	Result payload.Payload `json:"result,omitempty"`

	// Error is the terminal error for ActionFailed.
	Error *runerrors.Error `json:"error,omitempty"`
}

func NewRunStepAction(name string, attempt int) *Action {
	return &Action{Type: ActionRunStep, StepName: name, Attempt: attempt}
}

func NewSleepUntilAction(name string, wakeAt time.Time) *Action {
	return &Action{Type: ActionSleepUntil, StepName: name, WakeAt: wakeAt}
}

func NewWaitForEventAction(name string, criteria payload.Payload, timeoutAt time.Time) *Action {
	return &Action{Type: ActionWaitForEvent, StepName: name, Criteria: criteria, TimeoutAt: timeoutAt}
}

func NewSucceededAction(result payload.Payload) *Action {
	return &Action{Type: ActionSucceeded, Result: result}
}

func NewFailedAction(err *runerrors.Error) *Action {
	return &Action{Type: ActionFailed, Error: err}
}
