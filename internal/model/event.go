package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType tags a stream event.
type EventType string

const (
	EventToken      EventType = "token"
	EventStructured EventType = "structured"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Terminal reports whether the type ends an event sequence.
func (t EventType) Terminal() bool {
	return t == EventError || t == EventDone
}

// ErrorKind is the internal tag carried by error events.
type ErrorKind string

const (
	ErrorKindUnknownSkill ErrorKind = "unknown_skill"
	ErrorKindInvalidInput ErrorKind = "invalid_input"
	ErrorKindExecution    ErrorKind = "execution"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindCancelled    ErrorKind = "cancelled"
	ErrorKindTransport    ErrorKind = "transport"
)

// SkillEvent is one append-only entry in an invocation's event sequence.
// Seq is assigned by the invocation service starting at 1.
type SkillEvent struct {
	JobID     uuid.UUID      `json:"job_id"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Terminal reports whether e is a done or error event.
func (e SkillEvent) Terminal() bool { return e.Type.Terminal() }

// TokenEvent carries partial text.
func TokenEvent(content string) SkillEvent {
	return SkillEvent{Type: EventToken, Payload: map[string]any{"content": content}}
}

// StructuredEvent carries a partial structured result under key.
func StructuredEvent(key string, value any) SkillEvent {
	return SkillEvent{Type: EventStructured, Payload: map[string]any{"key": key, "value": value}}
}

// ErrorEvent is the terminal failure marker.
func ErrorEvent(kind ErrorKind, message string) SkillEvent {
	return SkillEvent{Type: EventError, Payload: map[string]any{"kind": string(kind), "message": message}}
}

// DoneEvent is the terminal success marker.
func DoneEvent(result SkillResult) SkillEvent {
	return SkillEvent{Type: EventDone, Payload: map[string]any{"result": result}}
}

// Content returns the text of a token event, or "".
func (e SkillEvent) Content() string {
	s, _ := e.Payload["content"].(string)
	return s
}

// Kind returns the error kind of an error event, or "".
func (e SkillEvent) Kind() ErrorKind {
	s, _ := e.Payload["kind"].(string)
	return ErrorKind(s)
}

// Message returns the message of an error event, or "".
func (e SkillEvent) Message() string {
	s, _ := e.Payload["message"].(string)
	return s
}

// ResultOf extracts the result carried by a done event. It accepts both the
// in-process value and the decoded JSON form read back from a store.
func ResultOf(ev SkillEvent) (SkillResult, bool) {
	if ev.Type != EventDone {
		return SkillResult{}, false
	}
	switch v := ev.Payload["result"].(type) {
	case SkillResult:
		return v, true
	case *SkillResult:
		if v == nil {
			return SkillResult{}, false
		}
		return *v, true
	case nil:
		return SkillResult{}, false
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return SkillResult{}, false
		}
		var res SkillResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return SkillResult{}, false
		}
		return res, true
	}
}
