package workflow

import (
	"time"

	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/internal/suspend"
)

// Sleep suspends the run for the given duration. The wake time is fixed when
// the sleep is first recorded; the process may be fully torn down until then.
func Sleep(ctx *Context, name string, d time.Duration) error {
	rec := ctx.match(name, ledger.KindSleep)
	if rec == nil {
		suspend.With(core.NewSleepUntilAction(name, ctx.now.Add(d)))
	}

	if rec.WakeAt.After(ctx.now) {
		suspend.With(core.NewSleepUntilAction(name, rec.WakeAt))
	}

	return nil
}
