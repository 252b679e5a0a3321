package workflow

import (
	"fmt"

	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/internal/suspend"
)

// Step requests execution of the named step and returns its memoized result.
//
// The step's code is never executed during replay: on the first encounter the
// workflow suspends and the engine reports a runStep action; the external
// scheduler executes the step body and delivers its result in a later tick.
// Once a result is recorded the stored value is returned unconditionally.
func Step[T any](ctx *Context, name string) (T, error) {
	var v T

	rec := ctx.match(name, ledger.KindValue)
	if rec == nil {
		suspend.With(core.NewRunStepAction(name, 1))
	}

	if !rec.Resolved {
		// Pending after earlier failures, request the next attempt
		suspend.With(core.NewRunStepAction(name, rec.Attempt+1))
	}

	if err := ctx.cv.From(rec.Value, &v); err != nil {
		return v, fmt.Errorf("converting result of step %q: %w", name, err)
	}

	return v, nil
}
