package skill

import (
	"errors"
	"fmt"

	"github.com/refly-ai/refly/internal/model"
)

// ErrCancelled is the cancellation cause attached to a run's context when a
// caller cancels it.
var ErrCancelled = errors.New("invocation cancelled")

// errNodeTimeout is the cancellation cause of a node context whose deadline passed.
var errNodeTimeout = errors.New("node timed out")

// UnknownSkillError is returned when no skill is registered under Name.
type UnknownSkillError struct {
	Name string
}

func (e *UnknownSkillError) Error() string {
	return fmt.Sprintf("skill: unknown skill %q", e.Name)
}

// InvalidInputError is returned when an input payload or configuration
// override does not match the skill's declared schema.
type InvalidInputError struct {
	Skill  string
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("skill: invalid input for %q: %s %s", e.Skill, e.Field, e.Reason)
}

// ExecutionError describes a failed node or graph. Kind is either
// model.ErrorKindExecution or model.ErrorKindTimeout.
type ExecutionError struct {
	Skill   string
	Node    string
	Kind    model.ErrorKind
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("skill: %s: node %q: %s", e.Skill, e.Node, e.Message)
	}
	return fmt.Sprintf("skill: %s: %s", e.Skill, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CancelledError is returned for invocations stopped by their caller.
type CancelledError struct {
	Skill string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("skill: %s: %s", e.Skill, ErrCancelled)
}

// Is matches ErrCancelled.
func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// TerminalError converts a terminal error event into its typed error.
// It returns nil for anything else.
func TerminalError(skillName string, ev model.SkillEvent) error {
	if ev.Type != model.EventError {
		return nil
	}
	switch ev.Kind() {
	case model.ErrorKindCancelled:
		return &CancelledError{Skill: skillName}
	case model.ErrorKindTimeout:
		return &ExecutionError{Skill: skillName, Kind: model.ErrorKindTimeout, Message: ev.Message()}
	default:
		return &ExecutionError{Skill: skillName, Kind: model.ErrorKindExecution, Message: ev.Message()}
	}
}

// KindOf returns the error kind tag for err.
func KindOf(err error) model.ErrorKind {
	var (
		unknown   *UnknownSkillError
		invalid   *InvalidInputError
		execution *ExecutionError
	)
	switch {
	case errors.As(err, &unknown):
		return model.ErrorKindUnknownSkill
	case errors.As(err, &invalid):
		return model.ErrorKindInvalidInput
	case errors.Is(err, ErrCancelled):
		return model.ErrorKindCancelled
	case errors.As(err, &execution):
		return execution.Kind
	default:
		return model.ErrorKindExecution
	}
}
