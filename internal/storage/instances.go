package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/refly-ai/refly/internal/model"
)

const instanceColumns = `skill_id, uid, skill_name, display_name, description, config, created_at, updated_at`

const triggerColumns = `trigger_id, skill_id, uid, display_name, trigger_type, event_name, crontab, input,
	enabled, created_at, updated_at`

// CreateInstances inserts instances together with their triggers in one
// transaction.
func (db *DB) CreateInstances(ctx context.Context, instances []model.SkillInstance) error {
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		for _, inst := range instances {
			if _, err := tx.Exec(ctx,
				`INSERT INTO skill_instances (`+instanceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				inst.SkillID, inst.UID, inst.SkillName, inst.DisplayName, inst.Description,
				jsonObject(inst.Config), inst.CreatedAt, inst.UpdatedAt,
			); err != nil {
				return err
			}
			for _, tr := range inst.Triggers {
				if err := insertTrigger(ctx, tx, tr); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: create instances: %w", ErrConflict)
		}
		return fmt.Errorf("storage: create instances: %w", err)
	}
	return nil
}

// GetInstance returns one of uid's instances, without its triggers.
func (db *DB) GetInstance(ctx context.Context, uid, skillID string) (model.SkillInstance, error) {
	inst, err := scanInstance(db.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM skill_instances WHERE skill_id = $1 AND uid = $2`, skillID, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SkillInstance{}, fmt.Errorf("storage: instance %s: %w", skillID, ErrNotFound)
	}
	if err != nil {
		return model.SkillInstance{}, fmt.Errorf("storage: get instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns a page of uid's instances, newest first, and the total.
func (db *DB) ListInstances(ctx context.Context, f model.InstanceFilter) ([]model.SkillInstance, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM skill_instances WHERE uid = $1`, f.UID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count instances: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM skill_instances WHERE uid = $1
		 ORDER BY created_at DESC, skill_id LIMIT $2 OFFSET $3`,
		f.UID, f.PageSize, f.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list instances: %w", err)
	}
	instances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SkillInstance, error) {
		return scanInstance(row)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list instances: %w", err)
	}
	return instances, total, nil
}

// UpdateInstance replaces an instance's display fields and config.
func (db *DB) UpdateInstance(ctx context.Context, inst model.SkillInstance) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE skill_instances
		 SET display_name = $3, description = $4, config = $5, updated_at = $6
		 WHERE skill_id = $1 AND uid = $2`,
		inst.SkillID, inst.UID, inst.DisplayName, inst.Description, jsonObject(inst.Config), inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: instance %s: %w", inst.SkillID, ErrNotFound)
	}
	return nil
}

// DeleteInstance removes an instance and its triggers. Its logs are kept.
func (db *DB) DeleteInstance(ctx context.Context, uid, skillID string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM skill_instances WHERE skill_id = $1 AND uid = $2`, skillID, uid)
	if err != nil {
		return fmt.Errorf("storage: delete instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: instance %s: %w", skillID, ErrNotFound)
	}
	return nil
}

// CreateTrigger inserts a trigger for an existing instance.
func (db *DB) CreateTrigger(ctx context.Context, tr model.SkillTrigger) error {
	if err := insertTrigger(ctx, db.pool, tr); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: create trigger %s: %w", tr.TriggerID, ErrConflict)
		}
		return fmt.Errorf("storage: create trigger: %w", err)
	}
	return nil
}

// GetTrigger returns one of uid's triggers.
func (db *DB) GetTrigger(ctx context.Context, uid, triggerID string) (model.SkillTrigger, error) {
	tr, err := scanTrigger(db.pool.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM skill_triggers WHERE trigger_id = $1 AND uid = $2`, triggerID, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SkillTrigger{}, fmt.Errorf("storage: trigger %s: %w", triggerID, ErrNotFound)
	}
	if err != nil {
		return model.SkillTrigger{}, fmt.Errorf("storage: get trigger: %w", err)
	}
	return tr, nil
}

// UpdateTrigger replaces every mutable field of a trigger.
func (db *DB) UpdateTrigger(ctx context.Context, tr model.SkillTrigger) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE skill_triggers
		 SET display_name = $3, trigger_type = $4, event_name = $5, crontab = $6, input = $7,
		     enabled = $8, updated_at = $9
		 WHERE trigger_id = $1 AND uid = $2`,
		tr.TriggerID, tr.UID, tr.DisplayName, string(tr.TriggerType), tr.EventName, tr.Crontab,
		jsonObject(tr.Input), tr.Enabled, tr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: update trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: trigger %s: %w", tr.TriggerID, ErrNotFound)
	}
	return nil
}

// DeleteTrigger removes one trigger.
func (db *DB) DeleteTrigger(ctx context.Context, uid, triggerID string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM skill_triggers WHERE trigger_id = $1 AND uid = $2`, triggerID, uid)
	if err != nil {
		return fmt.Errorf("storage: delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: trigger %s: %w", triggerID, ErrNotFound)
	}
	return nil
}

// ListTriggers returns a page of uid's triggers, newest first, and the total.
func (db *DB) ListTriggers(ctx context.Context, f model.TriggerFilter) ([]model.SkillTrigger, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM skill_triggers WHERE uid = $1 AND ($2 = '' OR skill_id = $2)`,
		f.UID, f.SkillID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count triggers: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+triggerColumns+` FROM skill_triggers
		 WHERE uid = $1 AND ($2 = '' OR skill_id = $2)
		 ORDER BY created_at DESC, trigger_id LIMIT $3 OFFSET $4`,
		f.UID, f.SkillID, f.PageSize, f.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list triggers: %w", err)
	}
	triggers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SkillTrigger, error) {
		return scanTrigger(row)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list triggers: %w", err)
	}
	return triggers, total, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTrigger(ctx context.Context, q execer, tr model.SkillTrigger) error {
	_, err := q.Exec(ctx,
		`INSERT INTO skill_triggers (`+triggerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.TriggerID, tr.SkillID, tr.UID, tr.DisplayName, string(tr.TriggerType), tr.EventName, tr.Crontab,
		jsonObject(tr.Input), tr.Enabled, tr.CreatedAt, tr.UpdatedAt)
	return err
}

func scanInstance(row pgx.Row) (model.SkillInstance, error) {
	var inst model.SkillInstance
	err := row.Scan(&inst.SkillID, &inst.UID, &inst.SkillName, &inst.DisplayName, &inst.Description,
		&inst.Config, &inst.CreatedAt, &inst.UpdatedAt)
	return inst, err
}

func scanTrigger(row pgx.Row) (model.SkillTrigger, error) {
	var (
		tr  model.SkillTrigger
		typ string
	)
	err := row.Scan(&tr.TriggerID, &tr.SkillID, &tr.UID, &tr.DisplayName, &typ, &tr.EventName, &tr.Crontab,
		&tr.Input, &tr.Enabled, &tr.CreatedAt, &tr.UpdatedAt)
	tr.TriggerType = model.TriggerType(typ)
	return tr, err
}

func jsonObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
