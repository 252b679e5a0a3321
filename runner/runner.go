// Package runner is an in-process scheduler. It loops a run's ticks, executes
// the requested step bodies from the registry, waits out sleeps and delivers
// external events. Production deployments typically replace it with their own
// scheduler; the engine only requires that something calls the driver.
package runner

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/backend/payload"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/driver"
	"github.com/stepflow-io/stepflow/internal/args"
	"github.com/stepflow-io/stepflow/internal/log"
	"github.com/stepflow-io/stepflow/internal/runerrors"
	"github.com/stepflow-io/stepflow/registry"
)

type Runner struct {
	store    backend.Store
	driver   *driver.Driver
	registry *registry.Registry
	options  *Options

	mu     sync.Mutex
	events map[string]chan payload.Payload
}

func New(store backend.Store, d *driver.Driver, r *registry.Registry, opts ...Option) *Runner {
	return &Runner{
		store:    store,
		driver:   d,
		registry: r,
		options:  applyOptions(opts...),
		events:   map[string]chan payload.Payload{},
	}
}

// Run drives the given run until it reaches a terminal state and returns the
// terminal action.
func (r *Runner) Run(ctx context.Context, runID string) (*core.Action, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}

	logger := r.options.Logger.With(log.RunIDKey, runID, log.WorkflowNameKey, run.Workflow)

	tick := &driver.Tick{RunID: runID}

	for {
		action, err := r.driver.Tick(ctx, tick)
		if err != nil {
			return nil, fmt.Errorf("ticking run: %w", err)
		}

		logger.Debug("Received action", log.ActionKey, action.Type.String())

		switch action.Type {
		case core.ActionSucceeded, core.ActionFailed:
			return action, nil

		case core.ActionRunStep:
			result := r.executeStep(ctx, run, action)
			tick = &driver.Tick{RunID: runID, Result: result}

		case core.ActionSleepUntil:
			if err := r.sleepUntil(ctx, action); err != nil {
				return nil, err
			}
			tick = &driver.Tick{RunID: runID}

		case core.ActionWaitForEvent:
			result, err := r.awaitEvent(ctx, runID, action)
			if err != nil {
				return nil, err
			}
			tick = &driver.Tick{RunID: runID, Result: result}

		default:
			return nil, fmt.Errorf("unexpected action %v", action.Type)
		}
	}
}

// DeliverEvent hands an external event to a run waiting on the given wait
// point. Events delivered before the run reaches the wait point are buffered.
func (r *Runner) DeliverEvent(runID string, stepName string, event any) error {
	p, err := r.options.Converter.To(event)
	if err != nil {
		return fmt.Errorf("converting event: %w", err)
	}

	select {
	case r.eventChan(runID, stepName) <- p:
		return nil
	default:
		return fmt.Errorf("event for %q already pending", stepName)
	}
}

func (r *Runner) executeStep(ctx context.Context, run *core.Run, action *core.Action) *driver.StepResult {
	handler, err := r.registry.GetStep(action.StepName)
	if err != nil {
		// Retrying cannot register the missing handler
		return &driver.StepResult{
			StepName: action.StepName,
			Error:    runerrors.NewPermanentError(err),
		}
	}

	r.options.Logger.Debug("Executing step",
		log.RunIDKey, run.ID,
		log.StepNameKey, action.StepName,
		log.AttemptKey, action.Attempt,
	)

	value, err := r.callStep(ctx, handler, run.Event)
	if err != nil {
		return &driver.StepResult{
			StepName: action.StepName,
			Error:    runerrors.FromError(err),
		}
	}

	return &driver.StepResult{StepName: action.StepName, Value: value}
}

func (r *Runner) callStep(ctx context.Context, handler any, event payload.Payload) (value payload.Payload, err error) {
	defer func() {
		if v := recover(); v != nil {
			value, err = nil, runerrors.NewPanicError(v)
		}
	}()

	return args.Call(r.options.Converter, reflect.ValueOf(handler), reflect.ValueOf(ctx), event)
}

func (r *Runner) sleepUntil(ctx context.Context, action *core.Action) error {
	d := action.WakeAt.Sub(r.options.Clock.Now())
	if d <= 0 {
		return nil
	}

	r.options.Logger.Debug("Sleeping", log.WakeAtKey, action.WakeAt)

	timer := r.options.Clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) awaitEvent(ctx context.Context, runID string, action *core.Action) (*driver.StepResult, error) {
	ch := r.eventChan(runID, action.StepName)

	d := action.TimeoutAt.Sub(r.options.Clock.Now())
	if d <= 0 {
		// Deadline already passed, but a buffered event still wins
		select {
		case event := <-ch:
			r.forgetEventChan(runID, action.StepName)
			return &driver.StepResult{StepName: action.StepName, Value: event}, nil
		default:
			r.forgetEventChan(runID, action.StepName)
			return &driver.StepResult{StepName: action.StepName, TimedOut: true}, nil
		}
	}

	timer := r.options.Clock.Timer(d)
	defer timer.Stop()

	select {
	case event := <-ch:
		r.forgetEventChan(runID, action.StepName)
		return &driver.StepResult{StepName: action.StepName, Value: event}, nil
	case <-timer.C:
		r.forgetEventChan(runID, action.StepName)
		return &driver.StepResult{StepName: action.StepName, TimedOut: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runner) eventChan(runID, stepName string) chan payload.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := runID + "/" + stepName
	ch, ok := r.events[key]
	if !ok {
		ch = make(chan payload.Payload, 1)
		r.events[key] = ch
	}

	return ch
}

func (r *Runner) forgetEventChan(runID, stepName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.events, runID+"/"+stepName)
}
