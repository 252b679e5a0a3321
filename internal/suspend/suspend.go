// Package suspend implements the control flow used to suspend a workflow
// function mid-replay. A suspension unwinds the function body via panic and
// is recovered by the replay executor; it never escapes the engine.
package suspend

import (
	"github.com/stepflow-io/stepflow/core"
)

type Suspension struct {
	Action *core.Action
}

// With aborts the current replay, reporting the given next action.
func With(action *core.Action) {
	panic(&Suspension{Action: action})
}
