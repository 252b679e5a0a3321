package workflow

import (
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/backend/converter"
	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/internal/runerrors"
)

// Context carries the replay state for a single tick of a single run. It is
// created by the replay executor; workflow functions receive it as their
// first argument and pass it to the step operations in this package.
//
// All code between step operations must be a pure function of the event
// payload and previously resolved step values. Unmemoized I/O or direct
// wall-clock reads cause divergent replays.
type Context struct {
	runID    string
	cv       converter.Converter
	snapshot []*ledger.StepRecord
	now      time.Time

	cursor int
	seen   map[string]bool
}

// NewContext creates a replay context over the given ledger. now is the
// current tick's time, used to decide whether recorded sleeps have elapsed.
func NewContext(runID string, cv converter.Converter, l *ledger.Ledger, now time.Time) *Context {
	return &Context{
		runID:    runID,
		cv:       cv,
		snapshot: l.Snapshot(),
		now:      now,
		seen:     map[string]bool{},
	}
}

func (c *Context) RunID() string {
	return c.runID
}

// match advances the replay cursor for a step request of the given name and
// kind. It returns nil for a step that has no record yet. A step sequence
// that diverges from the recorded prefix aborts the replay.
func (c *Context) match(name string, kind ledger.Kind) *ledger.StepRecord {
	if c.seen[name] {
		e := runerrors.New(runerrors.KindDuplicateStep,
			fmt.Sprintf("step name %q used more than once", name))
		e.StepName = name
		panic(e)
	}
	c.seen[name] = true

	pos := c.cursor
	c.cursor++

	if pos >= len(c.snapshot) {
		return nil
	}

	rec := c.snapshot[pos]
	if rec.Name != name || rec.Kind != kind {
		e := runerrors.New(runerrors.KindNonDeterminism,
			fmt.Sprintf("replay requested %v step %q at position %d, ledger recorded %v step %q",
				kind, name, pos, rec.Kind, rec.Name))
		e.StepName = name
		panic(e)
	}

	return rec
}

// Remaining reports how many recorded steps the replay has not reached.
// Used by the replay executor to detect a function body that completed while
// the ledger still holds unvisited records.
func (c *Context) Remaining() int {
	return len(c.snapshot) - c.cursor
}
