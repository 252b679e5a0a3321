package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/internal/runerrors"
)

//go:embed schema.sql
var schema string

func NewMysqlStore(host string, port int, user, password, database string, opts ...backend.Option) *mysqlStore {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	schemaDsn := dsn + "&multiStatements=true"
	db, err := sql.Open("mysql", schemaDsn)
	if err != nil {
		panic(err)
	}

	if _, err := db.Exec(schema); err != nil {
		panic(fmt.Errorf("initializing database: %w", err))
	}

	if err := db.Close(); err != nil {
		panic(err)
	}

	db, err = sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	return &mysqlStore{
		db:      db,
		options: backend.ApplyOptions(opts...),
	}
}

type mysqlStore struct {
	db      *sql.DB
	options backend.Options
}

var _ backend.Store = (*mysqlStore)(nil)

func (s *mysqlStore) Options() backend.Options {
	return s.options
}

func (s *mysqlStore) Close() error {
	return s.db.Close()
}

func (s *mysqlStore) CreateRun(ctx context.Context, run *core.Run) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
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
		"INSERT IGNORE INTO `runs` (id, workflow, event, status, result, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
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

func (s *mysqlStore) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	row := s.db.QueryRowContext(
		ctx,
		"SELECT id, workflow, event, status, result, error, created_at FROM `runs` WHERE id = ?",
		runID,
	)

	run := &core.Run{}

	var status int
	var event, result, errJSON []byte

	if err := row.Scan(&run.ID, &run.Workflow, &event, &status, &result, &errJSON, &run.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrRunNotFound
		}

		return nil, fmt.Errorf("scanning run: %w", err)
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

func (s *mysqlStore) GetLedger(ctx context.Context, runID string) ([]*ledger.StepRecord, error) {
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
		rec := &ledger.StepRecord{}

		var kind int
		var value, criteria, lastErrJSON []byte
		var wakeAt sql.NullTime

		if err := rows.Scan(
			&rec.Name, &kind, &rec.Index, &rec.Resolved, &value, &wakeAt, &criteria, &rec.TimedOut, &rec.Attempt, &lastErrJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning step record: %w", err)
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

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *mysqlStore) CommitTick(ctx context.Context, run *core.Run, records []*ledger.StepRecord) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	errJSON, err := marshalError(run.Error)
	if err != nil {
		return err
	}

	// MySQL reports zero affected rows for no-op updates, so existence is
	// checked explicitly.
	row := tx.QueryRowContext(ctx, "SELECT 1 FROM `runs` WHERE id = ? FOR UPDATE", run.ID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return backend.ErrRunNotFound
		}

		return fmt.Errorf("locking run: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		"UPDATE `runs` SET status = ?, result = ?, error = ? WHERE id = ?",
		int(run.Status),
		[]byte(run.Result),
		errJSON,
		run.ID,
	); err != nil {
		return fmt.Errorf("updating run: %w", err)
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
		"INSERT INTO `step_records` (run_id, name, kind, idx, resolved, value, wake_at, criteria, timed_out, attempt, last_error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"+
			" ON DUPLICATE KEY UPDATE resolved = VALUES(resolved), value = VALUES(value), timed_out = VALUES(timed_out), attempt = VALUES(attempt), last_error = VALUES(last_error)",
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
