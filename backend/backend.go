package backend

import (
	"context"
	"errors"

	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/core"
)

var (
	ErrRunNotFound      = errors.New("run not found")
	ErrRunAlreadyExists = errors.New("run already exists")
	ErrRunNotFinished   = errors.New("run is not finished")
)

// Store is the durable ledger store the engine requires. It is keyed by
// (runID, stepName) and does not mandate a specific storage technology.
type Store interface {
	// CreateRun persists a new run. Returns ErrRunAlreadyExists if a run with
	// the same ID exists.
	CreateRun(ctx context.Context, run *core.Run) error

	// GetRun returns the run with the given ID, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*core.Run, error)

	// GetLedger returns all step records for the given run, ordered by
	// insertion index.
	GetLedger(ctx context.Context, runID string) ([]*ledger.StepRecord, error)

	// CommitTick checkpoints one tick: the run's new status/result and the
	// step records the tick touched are persisted atomically. A tick either
	// fully commits or not at all.
	CommitTick(ctx context.Context, run *core.Run, records []*ledger.StepRecord) error

	// Close closes any underlying resources.
	Close() error
}
