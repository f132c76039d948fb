package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/storage"
)

const instanceColumns = `skill_id, uid, skill_name, display_name, description, config, created_at, updated_at`

const triggerColumns = `trigger_id, skill_id, uid, display_name, trigger_type, event_name, crontab, input,
	enabled, created_at, updated_at`

// CreateInstances inserts instances together with their triggers in one transaction.
func (s *Store) CreateInstances(ctx context.Context, instances []model.SkillInstance) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, inst := range instances {
			config, err := marshalMap(inst.Config)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO skill_instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				inst.SkillID, inst.UID, inst.SkillName, inst.DisplayName, inst.Description, config,
				inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(),
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
		if isConflict(err) {
			return fmt.Errorf("sqlite: create instances: %w", storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: create instances: %w", err)
	}
	return nil
}

// GetInstance returns one of uid's instances, without its triggers.
func (s *Store) GetInstance(ctx context.Context, uid, skillID string) (model.SkillInstance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM skill_instances WHERE skill_id = ? AND uid = ?`, skillID, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SkillInstance{}, fmt.Errorf("sqlite: instance %s: %w", skillID, storage.ErrNotFound)
	}
	if err != nil {
		return model.SkillInstance{}, fmt.Errorf("sqlite: get instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns a page of uid's instances, newest first, and the total.
func (s *Store) ListInstances(ctx context.Context, f model.InstanceFilter) ([]model.SkillInstance, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM skill_instances WHERE uid = ?`, f.UID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count instances: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM skill_instances WHERE uid = ?
		 ORDER BY created_at DESC, skill_id LIMIT ? OFFSET ?`,
		f.UID, f.PageSize, f.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	instances := make([]model.SkillInstance, 0, f.PageSize)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: list instances: %w", err)
	}
	return instances, total, nil
}

// UpdateInstance replaces an instance's display fields and config.
func (s *Store) UpdateInstance(ctx context.Context, inst model.SkillInstance) error {
	config, err := marshalMap(inst.Config)
	if err != nil {
		return fmt.Errorf("sqlite: update instance: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE skill_instances SET display_name = ?, description = ?, config = ?, updated_at = ?
		 WHERE skill_id = ? AND uid = ?`,
		inst.DisplayName, inst.Description, config, inst.UpdatedAt.UnixNano(), inst.SkillID, inst.UID)
	if err != nil {
		return fmt.Errorf("sqlite: update instance: %w", err)
	}
	return affected(res, "instance", inst.SkillID)
}

// DeleteInstance removes an instance and its triggers. Its logs are kept.
func (s *Store) DeleteInstance(ctx context.Context, uid, skillID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM skill_instances WHERE skill_id = ? AND uid = ?`, skillID, uid)
	if err != nil {
		return fmt.Errorf("sqlite: delete instance: %w", err)
	}
	return affected(res, "instance", skillID)
}

// CreateTrigger inserts a trigger for an existing instance.
func (s *Store) CreateTrigger(ctx context.Context, tr model.SkillTrigger) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error { return insertTrigger(ctx, tx, tr) })
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("sqlite: create trigger %s: %w", tr.TriggerID, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: create trigger: %w", err)
	}
	return nil
}

// GetTrigger returns one of uid's triggers.
func (s *Store) GetTrigger(ctx context.Context, uid, triggerID string) (model.SkillTrigger, error) {
	tr, err := scanTrigger(s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM skill_triggers WHERE trigger_id = ? AND uid = ?`, triggerID, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SkillTrigger{}, fmt.Errorf("sqlite: trigger %s: %w", triggerID, storage.ErrNotFound)
	}
	if err != nil {
		return model.SkillTrigger{}, fmt.Errorf("sqlite: get trigger: %w", err)
	}
	return tr, nil
}

// UpdateTrigger replaces every mutable field of a trigger.
func (s *Store) UpdateTrigger(ctx context.Context, tr model.SkillTrigger) error {
	input, err := marshalMap(tr.Input)
	if err != nil {
		return fmt.Errorf("sqlite: update trigger: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE skill_triggers
		 SET display_name = ?, trigger_type = ?, event_name = ?, crontab = ?, input = ?, enabled = ?, updated_at = ?
		 WHERE trigger_id = ? AND uid = ?`,
		tr.DisplayName, string(tr.TriggerType), tr.EventName, tr.Crontab, input, tr.Enabled,
		tr.UpdatedAt.UnixNano(), tr.TriggerID, tr.UID)
	if err != nil {
		return fmt.Errorf("sqlite: update trigger: %w", err)
	}
	return affected(res, "trigger", tr.TriggerID)
}

// DeleteTrigger removes one trigger.
func (s *Store) DeleteTrigger(ctx context.Context, uid, triggerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM skill_triggers WHERE trigger_id = ? AND uid = ?`, triggerID, uid)
	if err != nil {
		return fmt.Errorf("sqlite: delete trigger: %w", err)
	}
	return affected(res, "trigger", triggerID)
}

// ListTriggers returns a page of uid's triggers, newest first, and the total.
func (s *Store) ListTriggers(ctx context.Context, f model.TriggerFilter) ([]model.SkillTrigger, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM skill_triggers WHERE uid = ? AND (? = '' OR skill_id = ?)`,
		f.UID, f.SkillID, f.SkillID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count triggers: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+triggerColumns+` FROM skill_triggers
		 WHERE uid = ? AND (? = '' OR skill_id = ?)
		 ORDER BY created_at DESC, trigger_id LIMIT ? OFFSET ?`,
		f.UID, f.SkillID, f.SkillID, f.PageSize, f.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list triggers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	triggers := make([]model.SkillTrigger, 0, f.PageSize)
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan trigger: %w", err)
		}
		triggers = append(triggers, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: list triggers: %w", err)
	}
	return triggers, total, nil
}

func insertTrigger(ctx context.Context, tx *sql.Tx, tr model.SkillTrigger) error {
	input, err := marshalMap(tr.Input)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO skill_triggers (`+triggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.TriggerID, tr.SkillID, tr.UID, tr.DisplayName, string(tr.TriggerType), tr.EventName, tr.Crontab,
		input, tr.Enabled, tr.CreatedAt.UnixNano(), tr.UpdatedAt.UnixNano())
	return err
}

func affected(res sql.Result, what, id string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: %s %s: %w", what, id, storage.ErrNotFound)
	}
	return nil
}

func scanInstance(row scanner) (model.SkillInstance, error) {
	var (
		inst                 model.SkillInstance
		config               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&inst.SkillID, &inst.UID, &inst.SkillName, &inst.DisplayName, &inst.Description,
		&config, &createdAt, &updatedAt); err != nil {
		return model.SkillInstance{}, err
	}
	if err := json.Unmarshal([]byte(config), &inst.Config); err != nil {
		return model.SkillInstance{}, fmt.Errorf("decode config: %w", err)
	}
	inst.CreatedAt = time.Unix(0, createdAt).UTC()
	inst.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return inst, nil
}

func scanTrigger(row scanner) (model.SkillTrigger, error) {
	var (
		tr                   model.SkillTrigger
		typ, input           string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&tr.TriggerID, &tr.SkillID, &tr.UID, &tr.DisplayName, &typ, &tr.EventName, &tr.Crontab,
		&input, &tr.Enabled, &createdAt, &updatedAt); err != nil {
		return model.SkillTrigger{}, err
	}
	if err := json.Unmarshal([]byte(input), &tr.Input); err != nil {
		return model.SkillTrigger{}, fmt.Errorf("decode input: %w", err)
	}
	tr.TriggerType = model.TriggerType(typ)
	tr.CreatedAt = time.Unix(0, createdAt).UTC()
	tr.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return tr, nil
}
