package executor

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow-io/stepflow/backend/converter"
	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/backend/payload"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/internal/args"
	"github.com/stepflow-io/stepflow/internal/log"
	"github.com/stepflow-io/stepflow/internal/runerrors"
	"github.com/stepflow-io/stepflow/internal/suspend"
	"github.com/stepflow-io/stepflow/registry"
	"github.com/stepflow-io/stepflow/workflow"
)

// Executor replays workflow functions against a run's ledger. It is
// stateless across runs; all per-run state lives in the ledger.
type Executor struct {
	registry *registry.Registry
	cv       converter.Converter
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

func New(logger *slog.Logger, tracer trace.Tracer, r *registry.Registry, cv converter.Converter, clock clock.Clock) *Executor {
	return &Executor{
		registry: r,
		cv:       cv,
		clock:    clock,
		logger:   logger,
		tracer:   tracer,
	}
}

// Execute runs one full replay of the run's workflow function from the top.
// Resolved steps are short-circuited from the ledger; the first unresolved
// step suspends the function. The returned action is the single outcome of
// this tick: a step request, a sleep, an event wait, or a terminal report.
//
// The executor never runs step bodies inline; executing the requested step is
// the caller's responsibility.
func (e *Executor) Execute(ctx context.Context, run *core.Run, l *ledger.Ledger) (*core.Action, error) {
	wfFn, err := e.registry.GetWorkflow(run.Workflow)
	if err != nil {
		return nil, fmt.Errorf("getting workflow %q: %w", run.Workflow, err)
	}

	logger := e.logger.With(log.RunIDKey, run.ID, log.WorkflowNameKey, run.Workflow)

	_, span := e.tracer.Start(ctx, "Replay: "+run.Workflow, trace.WithAttributes(
		attribute.String(log.RunIDKey, run.ID),
		attribute.Int(log.LedgerSizeKey, l.Len()),
	))
	defer span.End()

	logger.Debug("Replaying workflow function", log.LedgerSizeKey, l.Len())

	wfCtx := workflow.NewContext(run.ID, e.cv, l, e.clock.Now())
	action := e.replay(wfCtx, reflect.ValueOf(wfFn), run.Event)

	span.SetAttributes(attribute.String(log.ActionKey, action.Type.String()))
	logger.Debug("Finished replay", log.ActionKey, action.Type.String())

	return action, nil
}

func (e *Executor) replay(wfCtx *workflow.Context, fn reflect.Value, event payload.Payload) (action *core.Action) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		switch p := r.(type) {
		case *suspend.Suspension:
			action = p.Action
		case *runerrors.Error:
			// Invariant violation raised by a step operation, fatal to the run
			action = core.NewFailedAction(p)
		default:
			action = core.NewFailedAction(runerrors.NewPanicError(p))
		}
	}()

	result, err := args.Call(e.cv, fn, reflect.ValueOf(wfCtx), event)
	if err != nil {
		return core.NewFailedAction(runerrors.FromError(err))
	}

	// The function returned while the ledger still holds records it never
	// requested. A replay must visit the full recorded prefix.
	if n := wfCtx.Remaining(); n > 0 {
		return core.NewFailedAction(runerrors.New(runerrors.KindNonDeterminism,
			fmt.Sprintf("workflow function completed with %d recorded steps unvisited", n)))
	}

	return core.NewSucceededAction(result)
}
