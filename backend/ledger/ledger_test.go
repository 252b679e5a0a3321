package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/internal/runerrors"
)

func Test_RecordValue(t *testing.T) {
	l := New()

	r, err := l.RecordValue("log-event", []byte(`true`))
	require.NoError(t, err)
	require.True(t, r.Resolved)
	require.Equal(t, 0, r.Index)

	got, ok := l.Get("log-event")
	require.True(t, ok)
	require.Equal(t, r, got)
}

func Test_RecordValue_Duplicate(t *testing.T) {
	l := New()

	_, err := l.RecordValue("a", []byte(`1`))
	require.NoError(t, err)

	_, err = l.RecordValue("a", []byte(`2`))
	require.Error(t, err)

	var re *runerrors.Error
	require.True(t, errors.As(err, &re))
	require.Equal(t, runerrors.KindDuplicateStep, re.Kind)
	require.Equal(t, "a", re.StepName)
}

func Test_RecordValue_ResolvesPendingFailure(t *testing.T) {
	l := New()

	_, err := l.RecordFailure("a", runerrors.FromError(errors.New("transient")))
	require.NoError(t, err)

	r, err := l.RecordValue("a", []byte(`"ok"`))
	require.NoError(t, err)
	require.True(t, r.Resolved)
	require.Equal(t, 1, r.Attempt)
	require.Nil(t, r.LastError)
}

func Test_RecordSleepUntil(t *testing.T) {
	l := New()
	wakeAt := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)

	r, err := l.RecordSleepUntil("wait-a-moment", wakeAt)
	require.NoError(t, err)
	require.True(t, r.Resolved)
	require.Equal(t, wakeAt, r.WakeAt)

	_, err = l.RecordSleepUntil("wait-a-moment", wakeAt.Add(time.Minute))
	require.Error(t, err)
}

func Test_RecordFailure_IncrementsAttempts(t *testing.T) {
	l := New()

	for i := 1; i <= 3; i++ {
		r, err := l.RecordFailure("process-event", runerrors.FromError(errors.New("boom")))
		require.NoError(t, err)
		require.Equal(t, i, r.Attempt)
		require.False(t, r.Resolved)
	}
}

func Test_EventWait(t *testing.T) {
	l := New()
	deadline := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)

	r, err := l.RecordEventWait("wait-approval", []byte(`{"type":"approved"}`), deadline)
	require.NoError(t, err)
	require.False(t, r.Resolved)
	require.Equal(t, KindEventWait, r.Kind)

	r, err = l.ResolveEventWait("wait-approval", []byte(`{"ok":true}`), false)
	require.NoError(t, err)
	require.True(t, r.Resolved)
	require.False(t, r.TimedOut)

	_, err = l.ResolveEventWait("wait-approval", nil, true)
	require.Error(t, err)
}

func Test_Snapshot_InsertionOrder(t *testing.T) {
	l := New()

	_, err := l.RecordValue("a", nil)
	require.NoError(t, err)
	_, err = l.RecordSleepUntil("b", time.Now())
	require.NoError(t, err)
	_, err = l.RecordValue("c", nil)
	require.NoError(t, err)

	var names []string
	for _, r := range l.Snapshot() {
		names = append(names, r.Name)
	}

	require.Equal(t, []string{"a", "b", "c"}, names)
}

func Test_FromRecords_RestoresOrder(t *testing.T) {
	l := New()
	_, err := l.RecordValue("a", []byte(`1`))
	require.NoError(t, err)
	_, err = l.RecordValue("b", []byte(`2`))
	require.NoError(t, err)

	// Restore from an unordered copy
	snapshot := l.Snapshot()
	restored := FromRecords([]*StepRecord{snapshot[1], snapshot[0]})

	require.Equal(t, 2, restored.Len())
	require.Equal(t, "a", restored.Snapshot()[0].Name)
	require.Equal(t, "b", restored.Snapshot()[1].Name)
}
