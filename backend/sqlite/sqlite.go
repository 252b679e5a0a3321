package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/internal/runerrors"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// NewInMemoryStore creates a store backed by an in-memory SQLite database.
// Intended for tests and local development.
func NewInMemoryStore(opts ...backend.Option) *sqliteStore {
	s := newSqliteStore("file::memory:?mode=memory", opts...)

	// In-memory sqlite is scoped to a single connection
	s.db.SetMaxOpenConns(1)

	return s
}

// NewSqliteStore creates a store backed by a SQLite database at the given
// path, creating it if needed.
func NewSqliteStore(path string, opts ...backend.Option) *sqliteStore {
	return newSqliteStore(fmt.Sprintf("file:%v?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)", path), opts...)
}

func newSqliteStore(dsn string, opts ...backend.Option) *sqliteStore {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	s := &sqliteStore{
		db:      db,
		options: backend.ApplyOptions(opts...),
	}

	if err := s.migrate(); err != nil {
		panic(err)
	}

	return s
}

type sqliteStore struct {
	db      *sql.DB
	options backend.Options
}

var _ backend.Store = (*sqliteStore)(nil)

func (s *sqliteStore) Options() backend.Options {
	return s.options
}

func (s *sqliteStore) migrate() error {
	dbi, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "sqlite", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) CreateRun(ctx context.Context, run *core.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	errJSON, err := marshalError(run.Error)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(
		ctx,
		"INSERT OR IGNORE INTO `runs` (id, workflow, event, status, result, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		run.ID,
		run.Workflow,
		[]byte(run.Event),
		int(run.Status),
		[]byte(run.Result),
		errJSON,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrRunAlreadyExists
	}

	return tx.Commit()
}

func (s *sqliteStore) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	row := s.db.QueryRowContext(
		ctx,
		"SELECT id, workflow, event, status, result, error, created_at FROM `runs` WHERE id = ?",
		runID,
	)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrRunNotFound
		}

		return nil, fmt.Errorf("scanning run: %w", err)
	}

	return run, nil
}

func (s *sqliteStore) GetLedger(ctx context.Context, runID string) ([]*ledger.StepRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		"SELECT name, kind, idx, resolved, value, wake_at, criteria, timed_out, attempt, last_error FROM `step_records` WHERE run_id = ? ORDER BY idx",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying step records: %w", err)
	}
	defer rows.Close()

	var records []*ledger.StepRecord
	for rows.Next() {
		rec, err := scanStepRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning step record: %w", err)
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *sqliteStore) CommitTick(ctx context.Context, run *core.Run, records []*ledger.StepRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	errJSON, err := marshalError(run.Error)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(
		ctx,
		"UPDATE `runs` SET status = ?, result = ?, error = ? WHERE id = ?",
		int(run.Status),
		[]byte(run.Result),
		errJSON,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrRunNotFound
	}

	for _, rec := range records {
		if err := upsertStepRecord(ctx, tx, run.ID, rec); err != nil {
			return fmt.Errorf("upserting step record %q: %w", rec.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tick: %w", err)
	}

	return nil
}

func upsertStepRecord(ctx context.Context, tx *sql.Tx, runID string, rec *ledger.StepRecord) error {
	lastErrJSON, err := marshalError(rec.LastError)
	if err != nil {
		return err
	}

	var wakeAt *time.Time
	if !rec.WakeAt.IsZero() {
		wakeAt = &rec.WakeAt
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO step_records (run_id, name, kind, idx, resolved, value, wake_at, criteria, timed_out, attempt, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, name) DO UPDATE SET
				resolved = excluded.resolved,
				value = excluded.value,
				timed_out = excluded.timed_out,
				attempt = excluded.attempt,
				last_error = excluded.last_error`,
		runID,
		rec.Name,
		int(rec.Kind),
		rec.Index,
		rec.Resolved,
		[]byte(rec.Value),
		wakeAt,
		[]byte(rec.Criteria),
		rec.TimedOut,
		rec.Attempt,
		lastErrJSON,
	)

	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*core.Run, error) {
	run := &core.Run{}

	var status int
	var event, result, errJSON []byte

	if err := row.Scan(&run.ID, &run.Workflow, &event, &status, &result, &errJSON, &run.CreatedAt); err != nil {
		return nil, err
	}

	run.Status = core.RunStatus(status)
	run.Event = event
	run.Result = result

	runErr, err := unmarshalError(errJSON)
	if err != nil {
		return nil, err
	}
	run.Error = runErr

	return run, nil
}

func scanStepRecord(row scanner) (*ledger.StepRecord, error) {
	rec := &ledger.StepRecord{}

	var kind int
	var value, criteria, lastErrJSON []byte
	var wakeAt sql.NullTime

	if err := row.Scan(
		&rec.Name, &kind, &rec.Index, &rec.Resolved, &value, &wakeAt, &criteria, &rec.TimedOut, &rec.Attempt, &lastErrJSON,
	); err != nil {
		return nil, err
	}

	rec.Kind = ledger.Kind(kind)
	rec.Value = value
	rec.Criteria = criteria
	if wakeAt.Valid {
		rec.WakeAt = wakeAt.Time
	}

	lastErr, err := unmarshalError(lastErrJSON)
	if err != nil {
		return nil, err
	}
	rec.LastError = lastErr

	return rec, nil
}

func marshalError(e *runerrors.Error) ([]byte, error) {
	if e == nil {
		return nil, nil
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling error: %w", err)
	}

	return b, nil
}

func unmarshalError(b []byte) (*runerrors.Error, error) {
	if len(b) == 0 {
		return nil, nil
	}

	e := &runerrors.Error{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("unmarshaling error: %w", err)
	}

	return e, nil
}
