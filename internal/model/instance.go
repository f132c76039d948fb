package model

import "time"

// SkillInstance is a caller's saved configuration of a registered skill.
// Invoking with its SkillID applies Config beneath the request's overrides.
type SkillInstance struct {
	SkillID     string         `json:"skill_id"`
	UID         string         `json:"uid"`
	SkillName   string         `json:"skill_name"`
	DisplayName string         `json:"display_name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config"`
	Triggers    []SkillTrigger `json:"triggers,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TriggerType says what fires a trigger.
type TriggerType string

const (
	TriggerEvent TriggerType = "event"
	TriggerTimer TriggerType = "timer"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	return t == TriggerEvent || t == TriggerTimer
}

// SkillTrigger records when an instance should run and with what input.
// Triggers are stored only; nothing schedules them here.
type SkillTrigger struct {
	TriggerID   string         `json:"trigger_id"`
	SkillID     string         `json:"skill_id"`
	UID         string         `json:"uid"`
	DisplayName string         `json:"display_name"`
	TriggerType TriggerType    `json:"trigger_type"`
	EventName   string         `json:"event_name,omitempty"`
	Crontab     string         `json:"crontab,omitempty"`
	Input       map[string]any `json:"input"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// InstanceFilter selects a page of one caller's instances.
type InstanceFilter struct {
	UID      string
	Page     int
	PageSize int
}

// Offset returns the row offset for the filter's page.
func (f InstanceFilter) Offset() int {
	return LogFilter{Page: f.Page, PageSize: f.PageSize}.Offset()
}

// TriggerFilter selects a page of one caller's triggers, optionally of a
// single instance.
type TriggerFilter struct {
	UID      string
	SkillID  string
	Page     int
	PageSize int
}

// Offset returns the row offset for the filter's page.
func (f TriggerFilter) Offset() int {
	return LogFilter{Page: f.Page, PageSize: f.PageSize}.Offset()
}

// SkillInstanceInput is one instance in an upsert request.
type SkillInstanceInput struct {
	SkillID     string              `json:"skill_id,omitempty"`
	SkillName   string              `json:"skill_name"`
	DisplayName string              `json:"display_name,omitempty"`
	Description string              `json:"description,omitempty"`
	Config      map[string]any      `json:"config,omitempty"`
	Triggers    []SkillTriggerInput `json:"triggers,omitempty"`
}

// UpsertSkillInstanceRequest is the request body for POST /skill/instance/new
// and POST /skill/instance/update.
type UpsertSkillInstanceRequest struct {
	InstanceList []SkillInstanceInput `json:"instance_list"`
}

// DeleteSkillInstanceRequest is the request body for POST /skill/instance/delete.
type DeleteSkillInstanceRequest struct {
	SkillID string `json:"skill_id"`
}

// SkillTriggerInput is the request body for POST /skill/trigger/new and
// POST /skill/trigger/update. Enabled defaults to true on create.
type SkillTriggerInput struct {
	TriggerID   string         `json:"trigger_id,omitempty"`
	SkillID     string         `json:"skill_id,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	TriggerType TriggerType    `json:"trigger_type"`
	EventName   string         `json:"event_name,omitempty"`
	Crontab     string         `json:"crontab,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
}

// DeleteSkillTriggerRequest is the request body for POST /skill/trigger/delete.
type DeleteSkillTriggerRequest struct {
	TriggerID string `json:"trigger_id"`
}
