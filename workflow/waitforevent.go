package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/internal/suspend"
)

// ErrEventTimeout is returned by WaitForEvent when the timeout elapsed before
// a matching event was delivered.
var ErrEventTimeout = errors.New("timed out waiting for event")

// WaitForEvent suspends the run until the external scheduler delivers an
// event matching the given criteria, or until the timeout elapses. The
// criteria value is serialized and interpreted by the scheduler, not by the
// engine.
func WaitForEvent[T any](ctx *Context, name string, criteria any, timeout time.Duration) (T, error) {
	var v T

	rec := ctx.match(name, ledger.KindEventWait)
	if rec == nil {
		cp, err := ctx.cv.To(criteria)
		if err != nil {
			return v, fmt.Errorf("converting match criteria for %q: %w", name, err)
		}

		suspend.With(core.NewWaitForEventAction(name, cp, ctx.now.Add(timeout)))
	}

	if !rec.Resolved {
		suspend.With(core.NewWaitForEventAction(name, rec.Criteria, rec.WakeAt))
	}

	if rec.TimedOut {
		return v, ErrEventTimeout
	}

	if err := ctx.cv.From(rec.Value, &v); err != nil {
		return v, fmt.Errorf("converting event for %q: %w", name, err)
	}

	return v, nil
}
