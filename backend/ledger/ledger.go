package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/stepflow-io/stepflow/backend/payload"
	"github.com/stepflow-io/stepflow/internal/runerrors"
)

// Ledger is the ordered-by-insertion mapping from step name to step record
// for exactly one run. Mutations return the touched record so the caller can
// persist it atomically.
//
// A Ledger itself is not safe for concurrent use; ticks for the same run are
// serialized by the invocation driver.
type Ledger struct {
	records map[string]*StepRecord
	order   []string
}

func New() *Ledger {
	return &Ledger{
		records: map[string]*StepRecord{},
	}
}

// FromRecords restores a ledger from persisted records. Records are ordered
// by their insertion index.
func FromRecords(records []*StepRecord) *Ledger {
	sorted := make([]*StepRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})

	l := New()
	for _, r := range sorted {
		l.records[r.Name] = r
		l.order = append(l.order, r.Name)
	}

	return l
}

func (l *Ledger) Len() int {
	return len(l.order)
}

// Get looks up the record for the given step name. No side effects.
func (l *Ledger) Get(name string) (*StepRecord, bool) {
	r, ok := l.records[name]
	return r, ok
}

// Snapshot returns all records in insertion order. Used to validate
// prefix-consistency during replay.
func (l *Ledger) Snapshot() []*StepRecord {
	s := make([]*StepRecord, 0, len(l.order))
	for _, name := range l.order {
		s = append(s, l.records[name])
	}

	return s
}

// RecordValue resolves the named step with a memoized value. An already
// resolved record, or a record of a different kind, is a usage error.
func (l *Ledger) RecordValue(name string, value payload.Payload) (*StepRecord, error) {
	existing, ok := l.records[name]
	if !ok {
		r := l.insert(name, KindValue)
		r.Resolved = true
		r.Value = value
		return r, nil
	}

	if existing.Resolved || existing.Kind != KindValue {
		return nil, duplicateStep(name, existing)
	}

	// Pending after earlier failures, resolve in place. Attempt count is kept
	// for diagnostics.
	existing.Resolved = true
	existing.Value = value
	existing.LastError = nil

	return existing, nil
}

// RecordSleepUntil inserts a sleep record. The wake time is fixed on first
// insertion so replays observe the same deadline.
func (l *Ledger) RecordSleepUntil(name string, wakeAt time.Time) (*StepRecord, error) {
	if existing, ok := l.records[name]; ok {
		return nil, duplicateStep(name, existing)
	}

	r := l.insert(name, KindSleep)
	r.Resolved = true
	r.WakeAt = wakeAt

	return r, nil
}

// RecordEventWait inserts a pending event-wait record with its match criteria
// and timeout deadline.
func (l *Ledger) RecordEventWait(name string, criteria payload.Payload, timeoutAt time.Time) (*StepRecord, error) {
	if existing, ok := l.records[name]; ok {
		return nil, duplicateStep(name, existing)
	}

	r := l.insert(name, KindEventWait)
	r.Criteria = criteria
	r.WakeAt = timeoutAt

	return r, nil
}

// ResolveEventWait resolves a pending event-wait record with a matched event,
// or with its timeout.
func (l *Ledger) ResolveEventWait(name string, event payload.Payload, timedOut bool) (*StepRecord, error) {
	existing, ok := l.records[name]
	if !ok {
		return nil, runerrors.New(runerrors.KindNonDeterminism,
			fmt.Sprintf("no event-wait record for step %q", name))
	}

	if existing.Resolved || existing.Kind != KindEventWait {
		return nil, duplicateStep(name, existing)
	}

	existing.Resolved = true
	existing.Value = event
	existing.TimedOut = timedOut

	return existing, nil
}

// RecordFailure increments the attempt count for the named step and stores
// the error. The record stays pending.
func (l *Ledger) RecordFailure(name string, stepErr *runerrors.Error) (*StepRecord, error) {
	existing, ok := l.records[name]
	if !ok {
		existing = l.insert(name, KindValue)
	}

	if existing.Resolved {
		return nil, duplicateStep(name, existing)
	}

	existing.Attempt++
	existing.LastError = stepErr

	return existing, nil
}

func (l *Ledger) insert(name string, kind Kind) *StepRecord {
	r := &StepRecord{
		Name:  name,
		Kind:  kind,
		Index: len(l.order),
	}

	l.records[name] = r
	l.order = append(l.order, name)

	return r
}

func duplicateStep(name string, existing *StepRecord) *runerrors.Error {
	e := runerrors.New(runerrors.KindDuplicateStep,
		fmt.Sprintf("step %q already recorded as %v", name, existing.Kind))
	e.StepName = name

	return e
}
