package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/refly-ai/refly/internal/model"
)

// ChannelSkillEvents carries the job id of every log that gained an event.
const ChannelSkillEvents = "refly_skill_events"

const logColumns = `job_id, uid, skill_name, skill_id, status, input, config, result, error_kind, error_message,
	event_count, created_at, started_at, completed_at`

// CreateLog inserts a new log in the pending state.
func (db *DB) CreateLog(ctx context.Context, log model.SkillLog) error {
	input, config := log.Input, log.Config
	if input == nil {
		input = map[string]any{}
	}
	if config == nil {
		config = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO skill_logs (job_id, uid, skill_name, skill_id, status, input, config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.JobID, log.UID, log.SkillName, log.SkillID, string(model.LogStatusPending), input, config, log.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: create log %s: %w", log.JobID, ErrConflict)
		}
		return fmt.Errorf("storage: create log: %w", err)
	}
	return nil
}

// MarkRunning moves a pending log to running.
func (db *DB) MarkRunning(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE skill_logs SET status = 'running', started_at = $2
		 WHERE job_id = $1 AND status = 'pending'`, jobID, at)
	if err != nil {
		return fmt.Errorf("storage: mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.missingOrFinal(ctx, jobID)
	}
	return nil
}

// DiscardLog deletes a log that never left the pending state. Logs that
// started are kept.
func (db *DB) DiscardLog(ctx context.Context, jobID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM skill_logs WHERE job_id = $1 AND status = 'pending'`, jobID); err != nil {
		return fmt.Errorf("storage: discard log: %w", err)
	}
	return nil
}

// AppendEvent appends a non-terminal event to a running log. The insert and
// the event_count bump are one statement, so nothing can be appended once
// the log has left the running state.
func (db *DB) AppendEvent(ctx context.Context, ev model.SkillEvent) error {
	tag, err := db.pool.Exec(ctx,
		`WITH upd AS (
			UPDATE skill_logs SET event_count = $2
			WHERE job_id = $1 AND status = 'running'
			RETURNING job_id
		)
		INSERT INTO skill_log_events (job_id, seq, event_type, payload, created_at)
		SELECT job_id, $2, $3::text, $4::jsonb, $5::timestamptz FROM upd`,
		ev.JobID, ev.Seq, string(ev.Type), payloadOf(ev), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.missingOrFinal(ctx, ev.JobID)
	}
	db.notify(ctx, ev.JobID)
	return nil
}

// FinalizeLog writes the terminal event and the terminal status in one
// transaction. It fails with ErrAlreadyFinalized if the log is not running.
func (db *DB) FinalizeLog(ctx context.Context, jobID uuid.UUID, fin model.Finalization) error {
	var kind *string
	if fin.ErrorKind != nil {
		k := string(*fin.ErrorKind)
		kind = &k
	}
	err := DefaultRetry.Do(ctx, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`UPDATE skill_logs
				 SET status = $2, result = $3, error_kind = $4, error_message = $5,
				     completed_at = $6, event_count = $7
				 WHERE job_id = $1 AND status = 'running'`,
				jobID, string(fin.Status), fin.Result, kind, fin.ErrorMessage, fin.CompletedAt, fin.Terminal.Seq,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return errNoRunningLog
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO skill_log_events (job_id, seq, event_type, payload, created_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				jobID, fin.Terminal.Seq, string(fin.Terminal.Type), payloadOf(fin.Terminal), fin.CompletedAt,
			); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelSkillEvents, jobID.String())
			return err
		})
	})
	if errors.Is(err, errNoRunningLog) {
		return db.missingOrFinal(ctx, jobID)
	}
	if err != nil {
		return fmt.Errorf("storage: finalize log: %w", err)
	}
	return nil
}

var errNoRunningLog = errors.New("no running log")

// GetLog returns one log. With events set, the events are read in the same
// snapshot, so a terminal status always comes with its terminal event.
func (db *DB) GetLog(ctx context.Context, jobID uuid.UUID, withEvents bool) (model.SkillLog, error) {
	var log model.SkillLog
	err := pgx.BeginTxFunc(ctx, db.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly},
		func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `SELECT `+logColumns+` FROM skill_logs WHERE job_id = $1`, jobID)
			var err error
			if log, err = scanLog(row); err != nil {
				return err
			}
			if !withEvents {
				return nil
			}
			log.Events, err = queryEvents(ctx, tx, jobID, 0)
			return err
		})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SkillLog{}, fmt.Errorf("storage: log %s: %w", jobID, ErrNotFound)
		}
		return model.SkillLog{}, fmt.Errorf("storage: get log: %w", err)
	}
	return log, nil
}

// GetEvents returns events of a log with seq greater than afterSeq, in order.
func (db *DB) GetEvents(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]model.SkillEvent, error) {
	events, err := queryEvents(ctx, db.pool, jobID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("storage: get events: %w", err)
	}
	return events, nil
}

// ListLogs returns a page of a caller's logs, newest first, and the total
// number of matching logs.
func (db *DB) ListLogs(ctx context.Context, f model.LogFilter) ([]model.SkillLog, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM skill_logs
		 WHERE uid = $1 AND ($2 = '' OR skill_name = $2) AND ($3 = '' OR skill_id = $3)`,
		f.UID, f.SkillName, f.SkillID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count logs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+logColumns+` FROM skill_logs
		 WHERE uid = $1 AND ($2 = '' OR skill_name = $2) AND ($3 = '' OR skill_id = $3)
		 ORDER BY created_at DESC, job_id
		 LIMIT $4 OFFSET $5`,
		f.UID, f.SkillName, f.SkillID, f.PageSize, f.Offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list logs: %w", err)
	}
	defer rows.Close()

	logs := make([]model.SkillLog, 0, f.PageSize)
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list logs: %w", err)
	}
	return logs, total, nil
}

// missingOrFinal explains why a guarded update touched no row.
func (db *DB) missingOrFinal(ctx context.Context, jobID uuid.UUID) error {
	var status string
	err := db.pool.QueryRow(ctx, `SELECT status FROM skill_logs WHERE job_id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: log %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: check log status: %w", err)
	}
	if model.LogStatus(status).Terminal() {
		return fmt.Errorf("storage: log %s is %s: %w", jobID, status, ErrAlreadyFinalized)
	}
	return fmt.Errorf("storage: log %s is %s, not running", jobID, status)
}

// notify wakes followers of jobID on other instances. Failures only delay
// them until their next poll.
func (db *DB) notify(ctx context.Context, jobID uuid.UUID) {
	if _, err := db.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelSkillEvents, jobID.String()); err != nil {
		db.logger.Debug("storage: notify skill event", "job_id", jobID, "error", err)
	}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryEvents(ctx context.Context, q querier, jobID uuid.UUID, afterSeq int64) ([]model.SkillEvent, error) {
	rows, err := q.Query(ctx,
		`SELECT job_id, seq, event_type, payload, created_at
		 FROM skill_log_events WHERE job_id = $1 AND seq > $2 ORDER BY seq`, jobID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.SkillEvent
	for rows.Next() {
		var ev model.SkillEvent
		var typ string
		if err := rows.Scan(&ev.JobID, &ev.Seq, &typ, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = model.EventType(typ)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanLog(row pgx.Row) (model.SkillLog, error) {
	var (
		log    model.SkillLog
		status string
		kind   *string
	)
	if err := row.Scan(
		&log.JobID, &log.UID, &log.SkillName, &log.SkillID, &status, &log.Input, &log.Config, &log.Result,
		&kind, &log.ErrorMessage, &log.EventCount, &log.CreatedAt, &log.StartedAt, &log.CompletedAt,
	); err != nil {
		return model.SkillLog{}, err
	}
	log.Status = model.LogStatus(status)
	if kind != nil {
		k := model.ErrorKind(*kind)
		log.ErrorKind = &k
	}
	return log, nil
}

func payloadOf(ev model.SkillEvent) map[string]any {
	if ev.Payload == nil {
		return map[string]any{}
	}
	return ev.Payload
}
