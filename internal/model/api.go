package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data     any          `json:"data"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	HasMore  bool         `json:"has_more"`
	Meta     ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnknownSkill    = "UNKNOWN_SKILL"
	ErrCodeExecutionFailed = "EXECUTION_FAILED"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBusy            = "BUSY"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeConflict        = "CONFLICT"
)

// SkillErrorDetails is attached to errors raised by an invocation.
type SkillErrorDetails struct {
	JobID *uuid.UUID `json:"job_id,omitempty"`
	Kind  ErrorKind  `json:"kind"`
	Field string     `json:"field,omitempty"`
}

// InvokeSkillRequest is the request body for POST /skill/invoke and
// POST /skill/streamInvoke. SkillID names a saved instance whose config
// applies under Config; SkillName may then be omitted.
type InvokeSkillRequest struct {
	SkillName     string         `json:"skill_name"`
	SkillID       string         `json:"skill_id,omitempty"`
	Input         map[string]any `json:"input"`
	Config        map[string]any `json:"config,omitempty"`
	JobID         *uuid.UUID     `json:"job_id,omitempty"`
	NodeTimeoutMS int            `json:"node_timeout_ms,omitempty"`
	TimeoutMS     int            `json:"timeout_ms,omitempty"`
}

// CancelSkillRequest is the request body for POST /skill/cancel.
type CancelSkillRequest struct {
	JobID uuid.UUID `json:"job_id"`
}

// SkillField describes one declared input field.
type SkillField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// SkillConfigItem describes one declared configuration option.
type SkillConfigItem struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// SkillTemplate is the discovery view of a registered skill.
type SkillTemplate struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Input       []SkillField      `json:"input"`
	Config      []SkillConfigItem `json:"config"`
}

// SearchRequest is the request body for POST /search.
type SearchRequest struct {
	Query   string   `json:"query"`
	Domains []string `json:"domains,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Store    string `json:"store"`
	Qdrant   string `json:"qdrant,omitempty"`
	InFlight int    `json:"in_flight"`
	Uptime   int64  `json:"uptime_seconds"`
}
