// Package driver implements the invocation driver: it receives ticks from the
// external scheduler, loads the run's ledger, drives the replay executor and
// reports the next required action. It never executes step bodies itself.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/backend/payload"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/internal/log"
	"github.com/stepflow-io/stepflow/internal/runerrors"
	"github.com/stepflow-io/stepflow/internal/tracing"
	"github.com/stepflow-io/stepflow/registry"
	"github.com/stepflow-io/stepflow/workflow"
	"github.com/stepflow-io/stepflow/workflow/executor"
)

// ErrTickInProgress is returned when a tick arrives for a run that is already
// executing a tick. Ticks for the same run must be serialized; the caller may
// retry once the in-flight tick finished.
var ErrTickInProgress = errors.New("tick already in progress for this run")

// Tick is one externally delivered instruction to continue a run.
type Tick struct {
	RunID string

	// Result carries the outcome of the previously requested step or event
	// wait, if any.
	Result *StepResult
}

// StepResult is the outcome of a step executed by the external scheduler, or
// the resolution of an event wait.
type StepResult struct {
	StepName string

	// Value is the step's serialized result, or the matched event for an
	// event wait.
	Value payload.Payload

	// Error reports a failed step execution. Routed through the retry policy.
	Error *workflow.Error

	// TimedOut resolves an event wait by its timeout.
	TimedOut bool
}

type Driver struct {
	store    backend.Store
	executor *executor.Executor
	options  *Options

	logger *slog.Logger
	tracer trace.Tracer

	locks    runLocks
	terminal *ttlcache.Cache[string, *core.Action]
}

func New(store backend.Store, r *registry.Registry, opts ...Option) *Driver {
	options := applyOptions(opts...)

	tracer := options.TracerProvider.Tracer(tracing.TracerName)

	terminal := ttlcache.New(
		ttlcache.WithCapacity[string, *core.Action](uint64(options.TerminalCacheSize)),
		ttlcache.WithTTL[string, *core.Action](options.TerminalCacheTTL),
	)

	d := &Driver{
		store:    store,
		executor: executor.New(options.Logger, tracer, r, options.Converter, options.Clock),
		options:  options,
		logger:   options.Logger,
		tracer:   tracer,
		terminal: terminal,
	}

	go d.terminal.Start()

	return d
}

// Close stops the terminal-action cache. It does not close the store.
func (d *Driver) Close() {
	d.terminal.Stop()
}

// Tick handles one tick for a run and returns the single action the external
// scheduler has to perform next. Ticks delivered after a terminal state are
// no-ops that re-report the terminal outcome.
//
// Tick does not block on other ticks for the same run; it fails fast with
// ErrTickInProgress so callers can bound concurrency themselves.
func (d *Driver) Tick(ctx context.Context, t *Tick) (*core.Action, error) {
	if t == nil || t.RunID == "" {
		return nil, errors.New("tick requires a run id")
	}

	unlock, ok := d.locks.tryLock(t.RunID)
	if !ok {
		return nil, ErrTickInProgress
	}
	defer unlock()

	logger := d.logger.With(log.RunIDKey, t.RunID)

	ctx, span := d.tracer.Start(ctx, "Tick", trace.WithAttributes(
		attribute.String(log.RunIDKey, t.RunID),
	))
	defer span.End()

	if item := d.terminal.Get(t.RunID); item != nil {
		logger.Debug("Re-reporting terminal action", log.ActionKey, item.Value().Type.String())
		return item.Value(), nil
	}

	run, err := d.store.GetRun(ctx, t.RunID)
	if err != nil {
		return nil, tracing.WithSpanError(span, fmt.Errorf("loading run: %w", err))
	}

	if run.Status.Final() {
		return d.terminalAction(run), nil
	}

	records, err := d.store.GetLedger(ctx, t.RunID)
	if err != nil {
		return nil, tracing.WithSpanError(span, fmt.Errorf("loading ledger: %w", err))
	}
	l := ledger.FromRecords(records)

	var dirty []*ledger.StepRecord
	var action *core.Action

	if t.Result != nil {
		action, dirty = d.applyStepResult(run, l, t.Result)
	}

	if action == nil {
		action, err = d.executor.Execute(ctx, run, l)
		if err != nil {
			return nil, tracing.WithSpanError(span, err)
		}

		recs, recErr := d.applyAction(run, l, action)
		if recErr != nil {
			// Recording the suspension diverged from the ledger, fatal
			action = core.NewFailedAction(recErr)
		}
		dirty = append(dirty, recs...)
	}

	d.applyStatus(run, action)

	if err := d.store.CommitTick(ctx, run, dirty); err != nil {
		return nil, tracing.WithSpanError(span, fmt.Errorf("committing tick: %w", err))
	}

	if run.Status.Final() {
		d.cacheTerminal(run.ID, action)
	}

	span.SetAttributes(attribute.String(log.ActionKey, action.Type.String()))
	logger.Debug("Handled tick",
		log.ActionKey, action.Type.String(),
		log.RunStatusKey, run.Status.String(),
		log.LedgerSizeKey, l.Len(),
	)

	return action, nil
}

// Cancel marks a run as failed with a cancellation error. An in-flight step
// body is not interrupted; the engine only refuses to schedule further ticks.
// Cancel waits for an in-flight tick to finish.
func (d *Driver) Cancel(ctx context.Context, runID string) error {
	unlock := d.locks.lock(runID)
	defer unlock()

	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	if run.Status.Final() {
		return nil
	}

	cancelErr := runerrors.New(runerrors.KindCancelled, "run cancelled")
	run.Status = core.RunStatusFailed
	run.Error = cancelErr

	if err := d.store.CommitTick(ctx, run, nil); err != nil {
		return fmt.Errorf("committing cancellation: %w", err)
	}

	d.cacheTerminal(runID, core.NewFailedAction(cancelErr))

	d.logger.Debug("Cancelled run", log.RunIDKey, runID)

	return nil
}

// applyStepResult folds a delivered step result into the ledger. It returns a
// non-nil action when the tick is answered without replaying: a retry backoff
// report or a terminal failure.
func (d *Driver) applyStepResult(run *core.Run, l *ledger.Ledger, sr *StepResult) (*core.Action, []*ledger.StepRecord) {
	if rec, ok := l.Get(sr.StepName); ok {
		// Re-delivered outcome for a step the ledger already resolved,
		// at-least-once schedulers do this
		if rec.Resolved {
			return nil, nil
		}

		if rec.Kind == ledger.KindEventWait {
			resolved, err := l.ResolveEventWait(sr.StepName, sr.Value, sr.TimedOut)
			if err != nil {
				return core.NewFailedAction(asRunError(err)), nil
			}

			return nil, []*ledger.StepRecord{resolved}
		}
	}

	if sr.Error != nil {
		return d.applyStepFailure(run, l, sr)
	}

	resolved, err := l.RecordValue(sr.StepName, sr.Value)
	if err != nil {
		return core.NewFailedAction(asRunError(err)), nil
	}

	return nil, []*ledger.StepRecord{resolved}
}

func (d *Driver) applyStepFailure(run *core.Run, l *ledger.Ledger, sr *StepResult) (*core.Action, []*ledger.StepRecord) {
	stepErr := sr.Error
	stepErr.StepName = sr.StepName

	rec, err := l.RecordFailure(sr.StepName, stepErr)
	if err != nil {
		return core.NewFailedAction(asRunError(err)), nil
	}
	stepErr.Attempt = rec.Attempt

	decision := d.options.RetryPolicy.Decide(rec.Attempt, stepErr)
	if decision.Retry {
		retryAt := d.options.Clock.Now().Add(decision.Delay)

		d.logger.Debug("Scheduling step retry",
			log.RunIDKey, run.ID,
			log.StepNameKey, sr.StepName,
			log.AttemptKey, rec.Attempt,
			log.WakeAtKey, retryAt,
		)

		return core.NewSleepUntilAction(sr.StepName, retryAt), []*ledger.StepRecord{rec}
	}

	terminalErr := stepErr
	if runerrors.CanRetry(stepErr) && !slices.Contains(d.options.RetryPolicy.NonRetryable, stepErr.Kind) {
		terminalErr = runerrors.New(runerrors.KindRetryExhausted,
			fmt.Sprintf("step %q failed %d times", sr.StepName, rec.Attempt))
		terminalErr.StepName = sr.StepName
		terminalErr.Attempt = rec.Attempt
		terminalErr.Cause = stepErr
	}

	return core.NewFailedAction(terminalErr), []*ledger.StepRecord{rec}
}

// applyAction records the ledger entry a suspension implies, if it is not
// recorded yet.
func (d *Driver) applyAction(run *core.Run, l *ledger.Ledger, action *core.Action) ([]*ledger.StepRecord, *runerrors.Error) {
	switch action.Type {
	case core.ActionSleepUntil:
		if _, ok := l.Get(action.StepName); !ok {
			rec, err := l.RecordSleepUntil(action.StepName, action.WakeAt)
			if err != nil {
				return nil, asRunError(err)
			}
			return []*ledger.StepRecord{rec}, nil
		}

	case core.ActionWaitForEvent:
		if _, ok := l.Get(action.StepName); !ok {
			rec, err := l.RecordEventWait(action.StepName, action.Criteria, action.TimeoutAt)
			if err != nil {
				return nil, asRunError(err)
			}
			return []*ledger.StepRecord{rec}, nil
		}
	}

	return nil, nil
}

func (d *Driver) applyStatus(run *core.Run, action *core.Action) {
	switch action.Type {
	case core.ActionRunStep:
		run.Status = core.RunStatusRunning
	case core.ActionSleepUntil, core.ActionWaitForEvent:
		run.Status = core.RunStatusSleeping
	case core.ActionSucceeded:
		run.Status = core.RunStatusSucceeded
		run.Result = action.Result
	case core.ActionFailed:
		run.Status = core.RunStatusFailed
		run.Error = action.Error
	}
}

func (d *Driver) terminalAction(run *core.Run) *core.Action {
	var action *core.Action
	if run.Status == core.RunStatusSucceeded {
		action = core.NewSucceededAction(run.Result)
	} else {
		action = core.NewFailedAction(run.Error)
	}

	d.cacheTerminal(run.ID, action)

	return action
}

func (d *Driver) cacheTerminal(runID string, action *core.Action) {
	d.terminal.Set(runID, action, ttlcache.DefaultTTL)
	d.locks.forget(runID)
}

func asRunError(err error) *runerrors.Error {
	var re *runerrors.Error
	if errors.As(err, &re) {
		return re
	}

	return runerrors.FromError(err)
}
