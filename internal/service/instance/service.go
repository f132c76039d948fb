// Package instance manages saved skill instances and their triggers.
//
// An instance pins a registered skill to a caller's config overrides; an
// invocation naming the instance's skill_id runs with them. Triggers record
// when an instance should run and with which input. They are validated and
// stored here, not scheduled.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/skill"
	"github.com/refly-ai/refly/internal/storage"
)

// Paging defaults for List and ListTriggers.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// ErrNotFound is returned for unknown instances and triggers, and for those
// owned by another uid.
var ErrNotFound = errors.New("instance: not found")

// cronParser accepts standard five-field expressions and descriptors such
// as @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Store persists instances and triggers. Every read and write is scoped to
// a uid and fails with storage.ErrNotFound outside it.
type Store interface {
	CreateInstances(ctx context.Context, instances []model.SkillInstance) error
	GetInstance(ctx context.Context, uid, skillID string) (model.SkillInstance, error)
	ListInstances(ctx context.Context, f model.InstanceFilter) ([]model.SkillInstance, int, error)
	UpdateInstance(ctx context.Context, inst model.SkillInstance) error
	DeleteInstance(ctx context.Context, uid, skillID string) error
	CreateTrigger(ctx context.Context, tr model.SkillTrigger) error
	GetTrigger(ctx context.Context, uid, triggerID string) (model.SkillTrigger, error)
	UpdateTrigger(ctx context.Context, tr model.SkillTrigger) error
	DeleteTrigger(ctx context.Context, uid, triggerID string) error
	ListTriggers(ctx context.Context, f model.TriggerFilter) ([]model.SkillTrigger, int, error)
}

// Service validates instances and triggers against the skill registry.
type Service struct {
	registry *skill.Registry
	store    Store
	logger   *slog.Logger
}

// New creates a Service.
func New(registry *skill.Registry, store Store, logger *slog.Logger) *Service {
	return &Service{registry: registry, store: store, logger: logger}
}

// Create saves new instances, each with its triggers, all or nothing.
func (s *Service) Create(ctx context.Context, uid string, inputs []model.SkillInstanceInput) ([]model.SkillInstance, error) {
	if len(inputs) == 0 {
		return nil, &skill.InvalidInputError{Field: "instance_list", Reason: "must not be empty"}
	}
	now := time.Now().UTC()
	instances := make([]model.SkillInstance, 0, len(inputs))
	for _, in := range inputs {
		if in.SkillName == "" {
			return nil, &skill.InvalidInputError{Field: "skill_name", Reason: "is required"}
		}
		def, err := s.registry.Resolve(in.SkillName)
		if err != nil {
			return nil, err
		}
		if _, err := def.Config.Resolve(def.Name, in.Config); err != nil {
			return nil, err
		}
		inst := model.SkillInstance{
			SkillID:     newID("sk"),
			UID:         uid,
			SkillName:   def.Name,
			DisplayName: orDefault(in.DisplayName, def.Name),
			Description: in.Description,
			Config:      in.Config,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for _, tin := range in.Triggers {
			tr, err := buildTrigger(def, model.SkillTrigger{
				TriggerID: newID("tg"),
				SkillID:   inst.SkillID,
				UID:       uid,
				Enabled:   true,
				CreatedAt: now,
			}, tin, now)
			if err != nil {
				return nil, err
			}
			inst.Triggers = append(inst.Triggers, tr)
		}
		instances = append(instances, inst)
	}

	if err := s.store.CreateInstances(ctx, instances); err != nil {
		return nil, fmt.Errorf("instance: create: %w", err)
	}
	for _, inst := range instances {
		s.logger.Info("skill instance created", "skill_id", inst.SkillID, "skill", inst.SkillName,
			"uid", uid, "triggers", len(inst.Triggers))
	}
	return instances, nil
}

// Update replaces the display fields and config of existing instances. The
// skill an instance runs never changes. Every input is validated before any
// is written.
func (s *Service) Update(ctx context.Context, uid string, inputs []model.SkillInstanceInput) ([]model.SkillInstance, error) {
	if len(inputs) == 0 {
		return nil, &skill.InvalidInputError{Field: "instance_list", Reason: "must not be empty"}
	}
	now := time.Now().UTC()
	updated := make([]model.SkillInstance, 0, len(inputs))
	for _, in := range inputs {
		if in.SkillID == "" {
			return nil, &skill.InvalidInputError{Field: "skill_id", Reason: "is required"}
		}
		cur, err := s.GetInstance(ctx, uid, in.SkillID)
		if err != nil {
			return nil, err
		}
		if in.SkillName != "" && in.SkillName != cur.SkillName {
			return nil, &skill.InvalidInputError{Skill: in.SkillName, Field: "skill_name",
				Reason: "cannot change; instance runs " + cur.SkillName}
		}
		def, err := s.registry.Resolve(cur.SkillName)
		if err != nil {
			return nil, err
		}
		if _, err := def.Config.Resolve(def.Name, in.Config); err != nil {
			return nil, err
		}
		cur.DisplayName = orDefault(in.DisplayName, cur.DisplayName)
		cur.Description = in.Description
		cur.Config = in.Config
		cur.UpdatedAt = now
		updated = append(updated, cur)
	}

	for _, inst := range updated {
		if err := s.store.UpdateInstance(ctx, inst); err != nil {
			return nil, storeErr(err)
		}
	}
	return updated, nil
}

// GetInstance returns one of uid's instances.
func (s *Service) GetInstance(ctx context.Context, uid, skillID string) (model.SkillInstance, error) {
	inst, err := s.store.GetInstance(ctx, uid, skillID)
	if err != nil {
		return model.SkillInstance{}, storeErr(err)
	}
	if inst.Config == nil {
		inst.Config = map[string]any{}
	}
	return inst, nil
}

// List returns a page of uid's instances, newest first, and the total.
func (s *Service) List(ctx context.Context, f model.InstanceFilter) ([]model.SkillInstance, int, error) {
	f.Page, f.PageSize = clampPage(f.Page, f.PageSize)
	return s.store.ListInstances(ctx, f)
}

// Delete removes an instance and its triggers.
func (s *Service) Delete(ctx context.Context, uid, skillID string) error {
	if skillID == "" {
		return &skill.InvalidInputError{Field: "skill_id", Reason: "is required"}
	}
	if err := s.store.DeleteInstance(ctx, uid, skillID); err != nil {
		return storeErr(err)
	}
	s.logger.Info("skill instance deleted", "skill_id", skillID, "uid", uid)
	return nil
}

// CreateTrigger adds a trigger to one of uid's instances.
func (s *Service) CreateTrigger(ctx context.Context, uid string, in model.SkillTriggerInput) (model.SkillTrigger, error) {
	if in.SkillID == "" {
		return model.SkillTrigger{}, &skill.InvalidInputError{Field: "skill_id", Reason: "is required"}
	}
	inst, err := s.GetInstance(ctx, uid, in.SkillID)
	if err != nil {
		return model.SkillTrigger{}, err
	}
	def, err := s.registry.Resolve(inst.SkillName)
	if err != nil {
		return model.SkillTrigger{}, err
	}
	now := time.Now().UTC()
	tr, err := buildTrigger(def, model.SkillTrigger{
		TriggerID: newID("tg"),
		SkillID:   inst.SkillID,
		UID:       uid,
		Enabled:   true,
		CreatedAt: now,
	}, in, now)
	if err != nil {
		return model.SkillTrigger{}, err
	}
	if err := s.store.CreateTrigger(ctx, tr); err != nil {
		return model.SkillTrigger{}, fmt.Errorf("instance: create trigger: %w", err)
	}
	return tr, nil
}

// UpdateTrigger replaces a trigger's settings. Enabled is kept when omitted.
func (s *Service) UpdateTrigger(ctx context.Context, uid string, in model.SkillTriggerInput) (model.SkillTrigger, error) {
	if in.TriggerID == "" {
		return model.SkillTrigger{}, &skill.InvalidInputError{Field: "trigger_id", Reason: "is required"}
	}
	cur, err := s.store.GetTrigger(ctx, uid, in.TriggerID)
	if err != nil {
		return model.SkillTrigger{}, storeErr(err)
	}
	if in.SkillID != "" && in.SkillID != cur.SkillID {
		return model.SkillTrigger{}, &skill.InvalidInputError{Field: "skill_id", Reason: "cannot change"}
	}
	inst, err := s.GetInstance(ctx, uid, cur.SkillID)
	if err != nil {
		return model.SkillTrigger{}, err
	}
	def, err := s.registry.Resolve(inst.SkillName)
	if err != nil {
		return model.SkillTrigger{}, err
	}
	in.DisplayName = orDefault(in.DisplayName, cur.DisplayName)
	tr, err := buildTrigger(def, cur, in, time.Now().UTC())
	if err != nil {
		return model.SkillTrigger{}, err
	}
	if err := s.store.UpdateTrigger(ctx, tr); err != nil {
		return model.SkillTrigger{}, storeErr(err)
	}
	return tr, nil
}

// DeleteTrigger removes one of uid's triggers.
func (s *Service) DeleteTrigger(ctx context.Context, uid, triggerID string) error {
	if triggerID == "" {
		return &skill.InvalidInputError{Field: "trigger_id", Reason: "is required"}
	}
	return storeErr(s.store.DeleteTrigger(ctx, uid, triggerID))
}

// ListTriggers returns a page of uid's triggers, newest first, and the total.
func (s *Service) ListTriggers(ctx context.Context, f model.TriggerFilter) ([]model.SkillTrigger, int, error) {
	f.Page, f.PageSize = clampPage(f.Page, f.PageSize)
	return s.store.ListTriggers(ctx, f)
}

// buildTrigger applies in onto base after checking it against def.
func buildTrigger(def skill.Definition, base model.SkillTrigger, in model.SkillTriggerInput, now time.Time) (model.SkillTrigger, error) {
	tr := base
	tr.DisplayName = orDefault(in.DisplayName, def.Name)
	tr.TriggerType = in.TriggerType
	tr.EventName = ""
	tr.Crontab = ""
	tr.UpdatedAt = now
	if in.Enabled != nil {
		tr.Enabled = *in.Enabled
	}

	switch in.TriggerType {
	case model.TriggerTimer:
		if in.Crontab == "" {
			return model.SkillTrigger{}, &skill.InvalidInputError{Skill: def.Name, Field: "crontab", Reason: "is required for timer triggers"}
		}
		if _, err := cronParser.Parse(in.Crontab); err != nil {
			return model.SkillTrigger{}, &skill.InvalidInputError{Skill: def.Name, Field: "crontab", Reason: err.Error()}
		}
		tr.Crontab = in.Crontab
	case model.TriggerEvent:
		if in.EventName == "" {
			return model.SkillTrigger{}, &skill.InvalidInputError{Skill: def.Name, Field: "event_name", Reason: "is required for event triggers"}
		}
		tr.EventName = in.EventName
	default:
		return model.SkillTrigger{}, &skill.InvalidInputError{Skill: def.Name, Field: "trigger_type",
			Reason: `must be "event" or "timer"`}
	}

	input, err := def.Input.Validate(def.Name, in.Input)
	if err != nil {
		return model.SkillTrigger{}, err
	}
	tr.Input = input
	return tr, nil
}

func clampPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return page, size
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func storeErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
