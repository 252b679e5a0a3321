package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/stepflow-io/stepflow/backend/payload"
	"github.com/stepflow-io/stepflow/internal/runerrors"
)

// RunStatus is the lifecycle state of a run.
type RunStatus int

const (
	RunStatusRunning RunStatus = iota
	RunStatusSleeping
	RunStatusSucceeded
	RunStatusFailed
)

func (s RunStatus) String() string {
	switch s {
	case RunStatusRunning:
		return "running"
	case RunStatusSleeping:
		return "sleeping"
	case RunStatusSucceeded:
		return "succeeded"
	case RunStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Final returns true once a run has reached a terminal status.
func (s RunStatus) Final() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Run is one execution attempt of a workflow function, triggered by an event.
type Run struct {
	// ID is the opaque, unique identifier of the run.
	ID string `json:"id"`

	// Workflow is the registered name of the workflow function to execute.
	Workflow string `json:"workflow"`

	// Event is the triggering event payload.
	Event payload.Payload `json:"event,omitempty"`

	Status RunStatus `json:"status"`

	// Result holds the workflow's return value once the run succeeded.
	Result payload.Payload `json:"result,omitempty"`

	// Error holds the terminal error once the run failed.
	Error *runerrors.Error `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func NewRun(workflow string, event payload.Payload, createdAt time.Time) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Workflow:  workflow,
		Event:     event,
		Status:    RunStatusRunning,
		CreatedAt: createdAt,
	}
}
