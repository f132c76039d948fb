// Package model defines the core domain types for Refly skill invocation.
//
// Types map directly onto the skill_logs and skill_log_events tables and the
// JSON bodies of the HTTP API. An invocation is identified by its job id.
package model

import (
	"time"

	"github.com/google/uuid"
)

// LogStatus represents the lifecycle state of a skill invocation.
type LogStatus string

const (
	LogStatusPending   LogStatus = "pending"
	LogStatusRunning   LogStatus = "running"
	LogStatusSucceeded LogStatus = "succeeded"
	LogStatusFailed    LogStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s LogStatus) Terminal() bool {
	return s == LogStatusSucceeded || s == LogStatusFailed
}

// Message is one produced chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SkillResult is the final value of a successful invocation.
type SkillResult struct {
	Messages   []Message      `json:"messages"`
	Structured map[string]any `json:"structured,omitempty"`
}

// Text joins the content of every produced message.
func (r SkillResult) Text() string {
	var n int
	for _, m := range r.Messages {
		n += len(m.Content) + 1
	}
	buf := make([]byte, 0, n)
	for i, m := range r.Messages {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, m.Content...)
	}
	return string(buf)
}

// SkillLog is the durable record of one invocation. Events are append-only
// and the log is finalized together with its terminal event.
type SkillLog struct {
	JobID        uuid.UUID      `json:"job_id"`
	SkillName    string         `json:"skill_name"`
	SkillID      string         `json:"skill_id,omitempty"`
	UID          string         `json:"uid"`
	Status       LogStatus      `json:"status"`
	Input        map[string]any `json:"input"`
	Config       map[string]any `json:"config"`
	Result       *SkillResult   `json:"result,omitempty"`
	ErrorKind    *ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	EventCount   int            `json:"event_count"`
	Events       []SkillEvent   `json:"events,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// LogFilter selects a page of logs owned by one caller.
type LogFilter struct {
	UID       string
	SkillName string
	SkillID   string
	Page      int // 1-based
	PageSize  int
}

// Offset returns the row offset for the filter's page.
func (f LogFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.PageSize
}

// Finalization carries everything written when a log reaches a terminal state.
type Finalization struct {
	Status       LogStatus
	Terminal     SkillEvent
	Result       *SkillResult
	ErrorKind    *ErrorKind
	ErrorMessage *string
	CompletedAt  time.Time
}
