package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/backend/payload"
	"github.com/stepflow-io/stepflow/backend/sqlite"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/internal/runerrors"
	"github.com/stepflow-io/stepflow/registry"
	"github.com/stepflow-io/stepflow/retry"
	"github.com/stepflow-io/stepflow/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type orderEvent struct {
	OrderID string `json:"orderId"`
}

type orderResult struct {
	ChargeID  string `json:"chargeId"`
	Receipted bool   `json:"receipted"`
}

func orderWorkflow(ctx *workflow.Context, event orderEvent) (orderResult, error) {
	chargeID, err := workflow.Step[string](ctx, "charge-card")
	if err != nil {
		return orderResult{}, err
	}

	if err := workflow.Sleep(ctx, "settlement-delay", 5*time.Second); err != nil {
		return orderResult{}, err
	}

	receipted, err := workflow.Step[bool](ctx, "send-receipt")
	if err != nil {
		return orderResult{}, err
	}

	return orderResult{ChargeID: chargeID, Receipted: receipted}, nil
}

type testHarness struct {
	store  backend.Store
	driver *Driver
	clock  *clock.Mock
}

func newTestHarness(t *testing.T, register func(r *registry.Registry), opts ...Option) *testHarness {
	t.Helper()

	mc := clock.NewMock()
	mc.Set(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))

	store := sqlite.NewInMemoryStore()
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	r := registry.New()
	register(r)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts = append([]Option{
		WithClock(mc),
		WithBackendOptions(backend.WithLogger(logger)),
	}, opts...)

	d := New(store, r, opts...)
	t.Cleanup(d.Close)

	return &testHarness{store: store, driver: d, clock: mc}
}

func (h *testHarness) createRun(t *testing.T, workflowName string, event payload.Payload) *core.Run {
	t.Helper()

	run := core.NewRun(workflowName, event, h.clock.Now())
	require.NoError(t, h.store.CreateRun(context.Background(), run))

	return run
}

func registerOrderWorkflow(r *registry.Registry) {
	if err := r.RegisterWorkflow("process-order", orderWorkflow); err != nil {
		panic(err)
	}
}

func TestDriver_HappyPath(t *testing.T) {
	h := newTestHarness(t, registerOrderWorkflow)
	ctx := context.Background()

	run := h.createRun(t, "process-order", payload.Payload(`{"orderId":"o_1"}`))

	// First tick requests the first step
	action, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, core.ActionRunStep, action.Type)
	require.Equal(t, "charge-card", action.StepName)
	require.Equal(t, 1, action.Attempt)

	// A tick without a result replays to the same point
	action, err = h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, core.ActionRunStep, action.Type)
	require.Equal(t, "charge-card", action.StepName)

	// Reporting the step result moves the run to the durable sleep
	action, err = h.driver.Tick(ctx, &Tick{
		RunID:  run.ID,
		Result: &StepResult{StepName: "charge-card", Value: payload.Payload(`"ch_1"`)},
	})
	require.NoError(t, err)
	require.Equal(t, core.ActionSleepUntil, action.Type)
	require.Equal(t, "settlement-delay", action.StepName)
	require.Equal(t, h.clock.Now().Add(5*time.Second), action.WakeAt)

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusSleeping, stored.Status)

	// After the wake time the replay continues past the sleep
	h.clock.Add(6 * time.Second)

	action, err = h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, core.ActionRunStep, action.Type)
	require.Equal(t, "send-receipt", action.StepName)

	action, err = h.driver.Tick(ctx, &Tick{
		RunID:  run.ID,
		Result: &StepResult{StepName: "send-receipt", Value: payload.Payload(`true`)},
	})
	require.NoError(t, err)
	require.Equal(t, core.ActionSucceeded, action.Type)
	require.JSONEq(t, `{"chargeId":"ch_1","receipted":true}`, string(action.Result))

	stored, err = h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusSucceeded, stored.Status)
	require.JSONEq(t, `{"chargeId":"ch_1","receipted":true}`, string(stored.Result))
}

func TestDriver_RetriesFailedStepWithBackoff(t *testing.T) {
	h := newTestHarness(t, registerOrderWorkflow, WithRetryPolicy(retry.Policy{
		MaxAttempts:   3,
		BackoffBase:   time.Second,
		BackoffFactor: 2,
		MaxInterval:   time.Hour,
	}))
	ctx := context.Background()

	run := h.createRun(t, "process-order", nil)

	_, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)

	// First failure schedules a retry after the base backoff
	action, err := h.driver.Tick(ctx, &Tick{
		RunID:  run.ID,
		Result: &StepResult{StepName: "charge-card", Error: runerrors.New(runerrors.KindStepExecution, "card declined")},
	})
	require.NoError(t, err)
	require.Equal(t, core.ActionSleepUntil, action.Type)
	require.Equal(t, "charge-card", action.StepName)
	require.Equal(t, h.clock.Now().Add(time.Second), action.WakeAt)

	// The next tick requests the second attempt
	h.clock.Add(time.Second)
	action, err = h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, core.ActionRunStep, action.Type)
	require.Equal(t, 2, action.Attempt)

	// Second failure doubles the backoff
	action, err = h.driver.Tick(ctx, &Tick{
		RunID:  run.ID,
		Result: &StepResult{StepName: "charge-card", Error: runerrors.New(runerrors.KindStepExecution, "card declined")},
	})
	require.NoError(t, err)
	require.Equal(t, core.ActionSleepUntil, action.Type)
	require.Equal(t, h.clock.Now().Add(2*time.Second), action.WakeAt)

	h.clock.Add(2 * time.Second)
	action, err = h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, 3, action.Attempt)

	// Third failure exhausts the attempt budget
	action, err = h.driver.Tick(ctx, &Tick{
		RunID:  run.ID,
		Result: &StepResult{StepName: "charge-card", Error: runerrors.New(runerrors.KindStepExecution, "card declined")},
	})
	require.NoError(t, err)
	require.Equal(t, core.ActionFailed, action.Type)
	require.Equal(t, workflow.ErrorKindRetryExhausted, action.Error.Kind)
	require.Equal(t, "charge-card", action.Error.StepName)
	require.Equal(t, 3, action.Error.Attempt)

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusFailed, stored.Status)
	require.Equal(t, workflow.ErrorKindRetryExhausted, stored.Error.Kind)
}

func TestDriver_PermanentStepErrorFailsImmediately(t *testing.T) {
	h := newTestHarness(t, registerOrderWorkflow)
	ctx := context.Background()

	run := h.createRun(t, "process-order", nil)

	_, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)

	action, err := h.driver.Tick(ctx, &Tick{
		RunID:  run.ID,
		Result: &StepResult{StepName: "charge-card", Error: runerrors.NewPermanentError(errors.New("invalid card number"))},
	})
	require.NoError(t, err)
	require.Equal(t, core.ActionFailed, action.Type)
	require.Equal(t, workflow.ErrorKindStepExecution, action.Error.Kind)
	require.True(t, action.Error.Permanent)
	require.Equal(t, 1, action.Error.Attempt)
}

func TestDriver_DetectsNonDeterministicRedeploy(t *testing.T) {
	ctx := context.Background()

	mc := clock.NewMock()
	mc.Set(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))

	store := sqlite.NewInMemoryStore()
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r1 := registry.New()
	require.NoError(t, r1.RegisterWorkflow("process-order", orderWorkflow))

	d1 := New(store, r1, WithClock(mc), WithBackendOptions(backend.WithLogger(logger)))

	run := core.NewRun("process-order", nil, mc.Now())
	require.NoError(t, store.CreateRun(ctx, run))

	_, err := d1.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)

	_, err = d1.Tick(ctx, &Tick{
		RunID:  run.ID,
		Result: &StepResult{StepName: "charge-card", Value: payload.Payload(`"ch_1"`)},
	})
	require.NoError(t, err)

	d1.Close()

	// Redeploy with a workflow that requests a different first step
	r2 := registry.New()
	require.NoError(t, r2.RegisterWorkflow("process-order", func(ctx *workflow.Context) error {
		_, err := workflow.Step[string](ctx, "reserve-inventory")
		return err
	}))

	d2 := New(store, r2, WithClock(mc), WithBackendOptions(backend.WithLogger(logger)))
	defer d2.Close()

	mc.Add(time.Minute)

	action, err := d2.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, core.ActionFailed, action.Type)
	require.Equal(t, workflow.ErrorKindNonDeterminism, action.Error.Kind)

	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusFailed, stored.Status)
}

func TestDriver_TerminalTicksAreIdempotent(t *testing.T) {
	h := newTestHarness(t, func(r *registry.Registry) {
		if err := r.RegisterWorkflow("noop", func(ctx *workflow.Context) (string, error) {
			return "done", nil
		}); err != nil {
			panic(err)
		}
	})
	ctx := context.Background()

	run := h.createRun(t, "noop", nil)

	action, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, core.ActionSucceeded, action.Type)

	// Stale re-reports after the terminal state return the same outcome
	for i := 0; i < 3; i++ {
		again, err := h.driver.Tick(ctx, &Tick{
			RunID:  run.ID,
			Result: &StepResult{StepName: "anything", Value: payload.Payload(`1`)},
		})
		require.NoError(t, err)
		require.Equal(t, core.ActionSucceeded, again.Type)
		require.Equal(t, action.Result, again.Result)
	}
}

func TestDriver_TerminalReportSurvivesCacheMiss(t *testing.T) {
	h := newTestHarness(t, func(r *registry.Registry) {
		if err := r.RegisterWorkflow("noop", func(ctx *workflow.Context) (string, error) {
			return "done", nil
		}); err != nil {
			panic(err)
		}
	}, WithTerminalCache(1024, time.Nanosecond))
	ctx := context.Background()

	run := h.createRun(t, "noop", nil)

	action, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, core.ActionSucceeded, action.Type)

	// Evict the cached action, the store still answers
	h.driver.terminal.DeleteAll()

	again, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, core.ActionSucceeded, again.Type)
	require.Equal(t, action.Result, again.Result)
}

func TestDriver_ConcurrentTickFailsFast(t *testing.T) {
	h := newTestHarness(t, registerOrderWorkflow)
	ctx := context.Background()

	run := h.createRun(t, "process-order", nil)

	unlock := h.driver.locks.lock(run.ID)
	defer unlock()

	_, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.ErrorIs(t, err, ErrTickInProgress)
}

func TestDriver_UnknownRun(t *testing.T) {
	h := newTestHarness(t, registerOrderWorkflow)

	_, err := h.driver.Tick(context.Background(), &Tick{RunID: uuid.NewString()})
	require.ErrorIs(t, err, backend.ErrRunNotFound)
}

func TestDriver_Cancel(t *testing.T) {
	h := newTestHarness(t, registerOrderWorkflow)
	ctx := context.Background()

	run := h.createRun(t, "process-order", nil)

	_, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)

	require.NoError(t, h.driver.Cancel(ctx, run.ID))

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusFailed, stored.Status)
	require.Equal(t, workflow.ErrorKindCancelled, stored.Error.Kind)

	// Subsequent ticks re-report the cancellation
	action, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, core.ActionFailed, action.Type)
	require.Equal(t, workflow.ErrorKindCancelled, action.Error.Kind)

	// Cancelling again is a no-op
	require.NoError(t, h.driver.Cancel(ctx, run.ID))
}

func TestDriver_EventWait(t *testing.T) {
	h := newTestHarness(t, func(r *registry.Registry) {
		if err := r.RegisterWorkflow("await-payment", func(ctx *workflow.Context, event orderEvent) (string, error) {
			confirmation, err := workflow.WaitForEvent[string](ctx, "payment-confirmed", map[string]string{"orderId": event.OrderID}, time.Hour)
			if errors.Is(err, workflow.ErrEventTimeout) {
				return "timed out", nil
			}
			if err != nil {
				return "", err
			}

			return confirmation, nil
		}); err != nil {
			panic(err)
		}
	})
	ctx := context.Background()

	t.Run("EventArrives", func(t *testing.T) {
		run := h.createRun(t, "await-payment", payload.Payload(`{"orderId":"o_1"}`))

		action, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
		require.NoError(t, err)
		require.Equal(t, core.ActionWaitForEvent, action.Type)
		require.Equal(t, "payment-confirmed", action.StepName)
		require.JSONEq(t, `{"orderId":"o_1"}`, string(action.Criteria))

		action, err = h.driver.Tick(ctx, &Tick{
			RunID:  run.ID,
			Result: &StepResult{StepName: "payment-confirmed", Value: payload.Payload(`"paid"`)},
		})
		require.NoError(t, err)
		require.Equal(t, core.ActionSucceeded, action.Type)
		require.JSONEq(t, `"paid"`, string(action.Result))
	})

	t.Run("Timeout", func(t *testing.T) {
		run := h.createRun(t, "await-payment", payload.Payload(`{"orderId":"o_2"}`))

		action, err := h.driver.Tick(ctx, &Tick{RunID: run.ID})
		require.NoError(t, err)
		require.Equal(t, core.ActionWaitForEvent, action.Type)

		action, err = h.driver.Tick(ctx, &Tick{
			RunID:  run.ID,
			Result: &StepResult{StepName: "payment-confirmed", TimedOut: true},
		})
		require.NoError(t, err)
		require.Equal(t, core.ActionSucceeded, action.Type)
		require.JSONEq(t, `"timed out"`, string(action.Result))
	})
}
