// Package test contains a conformance suite exercised by every Store
// implementation.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/backend/payload"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/internal/runerrors"
)

// StoreTest runs the conformance suite against the store returned by setup.
func StoreTest(t *testing.T, setup func() backend.Store, teardown func(s backend.Store)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, s backend.Store)
	}{
		{
			name: "CreateRun_DoesNotError",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("send-welcome-email", payload.Payload(`{"user":"u1"}`), time.Now().UTC())

				err := s.CreateRun(ctx, run)
				require.NoError(t, err)
			},
		},
		{
			name: "CreateRun_SameIDErrors",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("send-welcome-email", nil, time.Now().UTC())

				require.NoError(t, s.CreateRun(ctx, run))

				err := s.CreateRun(ctx, run)
				require.ErrorIs(t, err, backend.ErrRunAlreadyExists)
			},
		},
		{
			name: "GetRun_NotFound",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				_, err := s.GetRun(ctx, uuid.NewString())
				require.ErrorIs(t, err, backend.ErrRunNotFound)
			},
		},
		{
			name: "GetRun_RoundTrips",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("process-order", payload.Payload(`{"order":42}`), time.Now().UTC())
				require.NoError(t, s.CreateRun(ctx, run))

				got, err := s.GetRun(ctx, run.ID)
				require.NoError(t, err)
				require.Equal(t, run.ID, got.ID)
				require.Equal(t, run.Workflow, got.Workflow)
				require.Equal(t, run.Event, got.Event)
				require.Equal(t, core.RunStatusRunning, got.Status)
			},
		},
		{
			name: "GetLedger_EmptyForNewRun",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("process-order", nil, time.Now().UTC())
				require.NoError(t, s.CreateRun(ctx, run))

				records, err := s.GetLedger(ctx, run.ID)
				require.NoError(t, err)
				require.Empty(t, records)
			},
		},
		{
			name: "CommitTick_UnknownRunErrors",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("process-order", nil, time.Now().UTC())

				err := s.CommitTick(ctx, run, nil)
				require.ErrorIs(t, err, backend.ErrRunNotFound)
			},
		},
		{
			name: "CommitTick_PersistsRecordsInOrder",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("process-order", nil, time.Now().UTC())
				require.NoError(t, s.CreateRun(ctx, run))

				l := ledger.New()
				first, err := l.RecordValue("charge-card", payload.Payload(`"ch_1"`))
				require.NoError(t, err)
				second, err := l.RecordValue("send-receipt", payload.Payload(`true`))
				require.NoError(t, err)

				require.NoError(t, s.CommitTick(ctx, run, []*ledger.StepRecord{first, second}))

				records, err := s.GetLedger(ctx, run.ID)
				require.NoError(t, err)
				require.Len(t, records, 2)
				require.Equal(t, "charge-card", records[0].Name)
				require.Equal(t, "send-receipt", records[1].Name)
				require.True(t, records[0].Resolved)
				require.Equal(t, payload.Payload(`"ch_1"`), records[0].Value)
			},
		},
		{
			name: "CommitTick_UpsertsPendingRecord",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("process-order", nil, time.Now().UTC())
				require.NoError(t, s.CreateRun(ctx, run))

				l := ledger.New()
				stepErr := runerrors.New(runerrors.KindStepExecution, "card declined")
				pending, err := l.RecordFailure("charge-card", stepErr)
				require.NoError(t, err)
				require.NoError(t, s.CommitTick(ctx, run, []*ledger.StepRecord{pending}))

				records, err := s.GetLedger(ctx, run.ID)
				require.NoError(t, err)
				require.Len(t, records, 1)
				require.False(t, records[0].Resolved)
				require.Equal(t, 1, records[0].Attempt)
				require.NotNil(t, records[0].LastError)
				require.Equal(t, "card declined", records[0].LastError.Message)

				restored := ledger.FromRecords(records)
				resolved, err := restored.RecordValue("charge-card", payload.Payload(`"ch_1"`))
				require.NoError(t, err)
				require.NoError(t, s.CommitTick(ctx, run, []*ledger.StepRecord{resolved}))

				records, err = s.GetLedger(ctx, run.ID)
				require.NoError(t, err)
				require.Len(t, records, 1)
				require.True(t, records[0].Resolved)
				require.Nil(t, records[0].LastError)
				require.Equal(t, payload.Payload(`"ch_1"`), records[0].Value)
			},
		},
		{
			name: "CommitTick_PersistsSleepWakeAt",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("process-order", nil, time.Now().UTC())
				require.NoError(t, s.CreateRun(ctx, run))

				wakeAt := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)

				l := ledger.New()
				rec, err := l.RecordSleepUntil("cooldown", wakeAt)
				require.NoError(t, err)
				require.NoError(t, s.CommitTick(ctx, run, []*ledger.StepRecord{rec}))

				records, err := s.GetLedger(ctx, run.ID)
				require.NoError(t, err)
				require.Len(t, records, 1)
				require.Equal(t, ledger.KindSleep, records[0].Kind)
				require.True(t, wakeAt.Equal(records[0].WakeAt), "wake_at %v != %v", records[0].WakeAt, wakeAt)
			},
		},
		{
			name: "CommitTick_PersistsTerminalStatus",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("process-order", nil, time.Now().UTC())
				require.NoError(t, s.CreateRun(ctx, run))

				run.Status = core.RunStatusFailed
				run.Error = runerrors.New(runerrors.KindRetryExhausted, `step "charge-card" failed 3 times`)
				require.NoError(t, s.CommitTick(ctx, run, nil))

				got, err := s.GetRun(ctx, run.ID)
				require.NoError(t, err)
				require.Equal(t, core.RunStatusFailed, got.Status)
				require.NotNil(t, got.Error)
				require.Equal(t, runerrors.KindRetryExhausted, got.Error.Kind)
			},
		},
		{
			name: "CommitTick_PersistsResult",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("process-order", nil, time.Now().UTC())
				require.NoError(t, s.CreateRun(ctx, run))

				run.Status = core.RunStatusSucceeded
				run.Result = payload.Payload(`{"receipt":"r_1"}`)
				require.NoError(t, s.CommitTick(ctx, run, nil))

				got, err := s.GetRun(ctx, run.ID)
				require.NoError(t, err)
				require.Equal(t, core.RunStatusSucceeded, got.Status)
				require.Equal(t, run.Result, got.Result)
			},
		},
		{
			name: "CommitTick_EventWaitRoundTrips",
			f: func(t *testing.T, ctx context.Context, s backend.Store) {
				run := core.NewRun("process-order", nil, time.Now().UTC())
				require.NoError(t, s.CreateRun(ctx, run))

				timeoutAt := time.Now().UTC().Add(30 * time.Minute).Truncate(time.Millisecond)

				l := ledger.New()
				rec, err := l.RecordEventWait("payment-confirmed", payload.Payload(`{"order":42}`), timeoutAt)
				require.NoError(t, err)
				require.NoError(t, s.CommitTick(ctx, run, []*ledger.StepRecord{rec}))

				records, err := s.GetLedger(ctx, run.ID)
				require.NoError(t, err)
				require.Len(t, records, 1)
				require.Equal(t, ledger.KindEventWait, records[0].Kind)
				require.False(t, records[0].Resolved)
				require.Equal(t, payload.Payload(`{"order":42}`), records[0].Criteria)

				restored := ledger.FromRecords(records)
				resolved, err := restored.ResolveEventWait("payment-confirmed", payload.Payload(`{"paid":true}`), false)
				require.NoError(t, err)
				require.NoError(t, s.CommitTick(ctx, run, []*ledger.StepRecord{resolved}))

				records, err = s.GetLedger(ctx, run.ID)
				require.NoError(t, err)
				require.True(t, records[0].Resolved)
				require.False(t, records[0].TimedOut)
				require.Equal(t, payload.Payload(`{"paid":true}`), records[0].Value)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup()

			ctx := context.Background()
			tt.f(t, ctx, s)

			if teardown != nil {
				teardown(s)
			} else {
				require.NoError(t, s.Close())
			}
		})
	}
}
