// Package sqlite is a single-file skill log store for local runs and tests.
// It has the same semantics as the Postgres store, including the
// status = 'running' guard on every event write.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/storage"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS skill_logs (
		job_id        TEXT PRIMARY KEY,
		uid           TEXT NOT NULL,
		skill_name    TEXT NOT NULL,
		skill_id      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL CHECK (status IN ('pending', 'running', 'succeeded', 'failed')),
		input         TEXT NOT NULL DEFAULT '{}',
		config        TEXT NOT NULL DEFAULT '{}',
		result        TEXT,
		error_kind    TEXT,
		error_message TEXT,
		event_count   INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL,
		started_at    INTEGER,
		completed_at  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_skill_logs_uid_created ON skill_logs (uid, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS skill_log_events (
		job_id     TEXT NOT NULL REFERENCES skill_logs (job_id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL CHECK (seq > 0),
		event_type TEXT NOT NULL,
		payload    TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS skill_instances (
		skill_id     TEXT PRIMARY KEY,
		uid          TEXT NOT NULL,
		skill_name   TEXT NOT NULL,
		display_name TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		config       TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_skill_instances_uid_created ON skill_instances (uid, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS skill_triggers (
		trigger_id   TEXT PRIMARY KEY,
		skill_id     TEXT NOT NULL REFERENCES skill_instances (skill_id) ON DELETE CASCADE,
		uid          TEXT NOT NULL,
		display_name TEXT NOT NULL,
		trigger_type TEXT NOT NULL CHECK (trigger_type IN ('event', 'timer')),
		event_name   TEXT NOT NULL DEFAULT '',
		crontab      TEXT NOT NULL DEFAULT '',
		input        TEXT NOT NULL DEFAULT '{}',
		enabled      INTEGER NOT NULL DEFAULT 1,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_skill_triggers_uid_skill ON skill_triggers (uid, skill_id, created_at DESC)`,
}

// addedColumns are columns newer than a database file may be. SQLite has
// no ADD COLUMN IF NOT EXISTS, so Open checks for each one.
var addedColumns = []struct{ table, column, ddl string }{
	{"skill_logs", "skill_id", `ALTER TABLE skill_logs ADD COLUMN skill_id TEXT NOT NULL DEFAULT ''`},
}

// Store persists skill logs in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection: an in-memory database lives and dies with it, and
	// writers never contend for the file lock.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range append([]string{`PRAGMA foreign_keys = ON`, `PRAGMA busy_timeout = 5000`}, schema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	for _, c := range addedColumns {
		if err := ensureColumn(ctx, db, c.table, c.column, c.ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: add column %s.%s: %w", c.table, c.column, err)
		}
	}
	return &Store{db: db, logger: logger}, nil
}

func ensureColumn(ctx context.Context, db *sql.DB, table, column, ddl string) error {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateLog inserts a new log in the pending state.
func (s *Store) CreateLog(ctx context.Context, log model.SkillLog) error {
	input, err := marshalMap(log.Input)
	if err != nil {
		return fmt.Errorf("sqlite: create log: %w", err)
	}
	config, err := marshalMap(log.Config)
	if err != nil {
		return fmt.Errorf("sqlite: create log: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO skill_logs (job_id, uid, skill_name, skill_id, status, input, config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.JobID.String(), log.UID, log.SkillName, log.SkillID, string(model.LogStatusPending), input, config,
		log.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("sqlite: create log %s: %w", log.JobID, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: create log: %w", err)
	}
	return nil
}

// MarkRunning moves a pending log to running.
func (s *Store) MarkRunning(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE skill_logs SET status = 'running', started_at = ? WHERE job_id = ? AND status = 'pending'`,
		at.UnixNano(), jobID.String())
	if err != nil {
		return fmt.Errorf("sqlite: mark running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrFinal(ctx, jobID)
	}
	return nil
}

// DiscardLog deletes a log that never left the pending state.
func (s *Store) DiscardLog(ctx context.Context, jobID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM skill_logs WHERE job_id = ? AND status = 'pending'`, jobID.String()); err != nil {
		return fmt.Errorf("sqlite: discard log: %w", err)
	}
	return nil
}

// AppendEvent appends a non-terminal event to a running log.
func (s *Store) AppendEvent(ctx context.Context, ev model.SkillEvent) error {
	payload, err := marshalMap(ev.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: append event: %w", err)
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := bumpRunning(ctx, tx, `UPDATE skill_logs SET event_count = ? WHERE job_id = ? AND status = 'running'`,
			ev.Seq, ev.JobID.String()); err != nil {
			return err
		}
		return insertEvent(ctx, tx, ev, payload)
	})
	return s.explain(ctx, ev.JobID, "append event", err)
}

// FinalizeLog writes the terminal event and the terminal status in one transaction.
func (s *Store) FinalizeLog(ctx context.Context, jobID uuid.UUID, fin model.Finalization) error {
	payload, err := marshalMap(fin.Terminal.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: finalize log: %w", err)
	}
	var result, kind sql.NullString
	if fin.Result != nil {
		b, err := json.Marshal(fin.Result)
		if err != nil {
			return fmt.Errorf("sqlite: marshal result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	if fin.ErrorKind != nil {
		kind = sql.NullString{String: string(*fin.ErrorKind), Valid: true}
	}
	terminal := fin.Terminal
	terminal.JobID = jobID
	if terminal.CreatedAt.IsZero() {
		terminal.CreatedAt = fin.CompletedAt
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := bumpRunning(ctx, tx,
			`UPDATE skill_logs
			 SET status = ?, result = ?, error_kind = ?, error_message = ?, completed_at = ?, event_count = ?
			 WHERE job_id = ? AND status = 'running'`,
			string(fin.Status), result, kind, fin.ErrorMessage, fin.CompletedAt.UnixNano(), terminal.Seq, jobID.String(),
		); err != nil {
			return err
		}
		return insertEvent(ctx, tx, terminal, payload)
	})
	return s.explain(ctx, jobID, "finalize log", err)
}

// GetLog returns one log, optionally with its events read in the same transaction.
func (s *Store) GetLog(ctx context.Context, jobID uuid.UUID, withEvents bool) (model.SkillLog, error) {
	var log model.SkillLog
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+logColumns+` FROM skill_logs WHERE job_id = ?`, jobID.String())
		var err error
		if log, err = scanLog(row); err != nil {
			return err
		}
		if withEvents {
			log.Events, err = queryEvents(ctx, tx, jobID, 0)
		}
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.SkillLog{}, fmt.Errorf("sqlite: log %s: %w", jobID, storage.ErrNotFound)
	}
	if err != nil {
		return model.SkillLog{}, fmt.Errorf("sqlite: get log: %w", err)
	}
	return log, nil
}

// GetEvents returns events of a log with seq greater than afterSeq, in order.
func (s *Store) GetEvents(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]model.SkillEvent, error) {
	events, err := queryEvents(ctx, s.db, jobID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get events: %w", err)
	}
	return events, nil
}

// ListLogs returns a page of a caller's logs, newest first, and the total count.
func (s *Store) ListLogs(ctx context.Context, f model.LogFilter) ([]model.SkillLog, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM skill_logs
		 WHERE uid = ? AND (? = '' OR skill_name = ?) AND (? = '' OR skill_id = ?)`,
		f.UID, f.SkillName, f.SkillName, f.SkillID, f.SkillID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM skill_logs
		 WHERE uid = ? AND (? = '' OR skill_name = ?) AND (? = '' OR skill_id = ?)
		 ORDER BY created_at DESC, job_id
		 LIMIT ? OFFSET ?`,
		f.UID, f.SkillName, f.SkillName, f.SkillID, f.SkillID, f.PageSize, f.Offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	logs := make([]model.SkillLog, 0, f.PageSize)
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: list logs: %w", err)
	}
	return logs, total, nil
}

var errNoRunningLog = errors.New("no running log")

// isConflict reports whether err is a primary key or unique violation.
func isConflict(err error) bool {
	var e *moderncsqlite.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || e.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) explain(ctx context.Context, jobID uuid.UUID, op string, err error) error {
	if errors.Is(err, errNoRunningLog) {
		return s.missingOrFinal(ctx, jobID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	return nil
}

func (s *Store) missingOrFinal(ctx context.Context, jobID uuid.UUID) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM skill_logs WHERE job_id = ?`, jobID.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: log %s: %w", jobID, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: check log status: %w", err)
	}
	if model.LogStatus(status).Terminal() {
		return fmt.Errorf("sqlite: log %s is %s: %w", jobID, status, storage.ErrAlreadyFinalized)
	}
	return fmt.Errorf("sqlite: log %s is %s, not running", jobID, status)
}

func bumpRunning(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNoRunningLog
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev model.SkillEvent, payload string) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO skill_log_events (job_id, seq, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.JobID.String(), ev.Seq, string(ev.Type), payload, ev.CreatedAt.UnixNano())
	return err
}

const logColumns = `job_id, uid, skill_name, skill_id, status, input, config, result, error_kind, error_message,
	event_count, created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(row scanner) (model.SkillLog, error) {
	var (
		log                    model.SkillLog
		jobID, status          string
		input, config          string
		result, kind, errMsg   sql.NullString
		createdAt              int64
		startedAt, completedAt sql.NullInt64
	)
	if err := row.Scan(&jobID, &log.UID, &log.SkillName, &log.SkillID, &status, &input, &config, &result, &kind, &errMsg,
		&log.EventCount, &createdAt, &startedAt, &completedAt); err != nil {
		return model.SkillLog{}, err
	}

	var err error
	if log.JobID, err = uuid.Parse(jobID); err != nil {
		return model.SkillLog{}, fmt.Errorf("parse job id: %w", err)
	}
	log.Status = model.LogStatus(status)
	if err := json.Unmarshal([]byte(input), &log.Input); err != nil {
		return model.SkillLog{}, fmt.Errorf("decode input: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &log.Config); err != nil {
		return model.SkillLog{}, fmt.Errorf("decode config: %w", err)
	}
	if result.Valid {
		log.Result = &model.SkillResult{}
		if err := json.Unmarshal([]byte(result.String), log.Result); err != nil {
			return model.SkillLog{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if kind.Valid {
		k := model.ErrorKind(kind.String)
		log.ErrorKind = &k
	}
	if errMsg.Valid {
		log.ErrorMessage = &errMsg.String
	}
	log.CreatedAt = time.Unix(0, createdAt).UTC()
	log.StartedAt = timePtr(startedAt)
	log.CompletedAt = timePtr(completedAt)
	return log, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEvents(ctx context.Context, q queryer, jobID uuid.UUID, afterSeq int64) ([]model.SkillEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT seq, event_type, payload, created_at FROM skill_log_events
		 WHERE job_id = ? AND seq > ? ORDER BY seq`, jobID.String(), afterSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []model.SkillEvent
	for rows.Next() {
		var (
			ev        model.SkillEvent
			typ       string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&ev.Seq, &typ, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		ev.JobID = jobID
		ev.Type = model.EventType(typ)
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
