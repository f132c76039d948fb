package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/refly-ai/refly/internal/ctxutil"
	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/search"
	"github.com/refly-ai/refly/internal/service/instance"
	"github.com/refly-ai/refly/internal/service/invocation"
	"github.com/refly-ai/refly/internal/skill"
)

// TransportError reports that a client went away mid-response. It is logged,
// never returned to the caller, and does not affect the invocation.
type TransportError struct {
	JobID uuid.UUID
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: job %s: client disconnected: %v", e.JobID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// apiError is the wire shape of a failure: status, code and details.
type apiError struct {
	status  int
	code    string
	message string
	details *model.SkillErrorDetails
}

// classify maps a service error onto its HTTP form.
func classify(err error, jobID *uuid.UUID) apiError {
	var (
		unknown   *skill.UnknownSkillError
		invalid   *skill.InvalidInputError
		execution *skill.ExecutionError
		tooLarge  *http.MaxBytesError
	)
	details := func(kind model.ErrorKind) *model.SkillErrorDetails {
		return &model.SkillErrorDetails{JobID: jobID, Kind: kind}
	}

	switch {
	case errors.As(err, &unknown):
		return apiError{http.StatusNotFound, model.ErrCodeUnknownSkill, err.Error(), details(model.ErrorKindUnknownSkill)}
	case errors.As(err, &invalid):
		d := details(model.ErrorKindInvalidInput)
		d.Field = invalid.Field
		return apiError{http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error(), d}
	case errors.Is(err, skill.ErrCancelled):
		return apiError{http.StatusConflict, model.ErrCodeCancelled, err.Error(), details(model.ErrorKindCancelled)}
	case errors.As(err, &execution):
		return apiError{http.StatusInternalServerError, model.ErrCodeExecutionFailed, err.Error(), details(execution.Kind)}
	case errors.Is(err, invocation.ErrNotFound):
		return apiError{http.StatusNotFound, model.ErrCodeNotFound, "skill log not found", nil}
	case errors.Is(err, instance.ErrNotFound):
		return apiError{http.StatusNotFound, model.ErrCodeNotFound, err.Error(), nil}
	case errors.Is(err, invocation.ErrBusy), errors.Is(err, invocation.ErrDraining):
		return apiError{http.StatusServiceUnavailable, model.ErrCodeBusy, err.Error(), nil}
	case errors.Is(err, invocation.ErrConflict), errors.Is(err, invocation.ErrNotLocal):
		return apiError{http.StatusConflict, model.ErrCodeConflict, err.Error(), nil}
	case errors.Is(err, search.ErrInvalidRequest):
		return apiError{http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error(), nil}
	case errors.As(err, &tooLarge):
		return apiError{http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil}
	default:
		return apiError{http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error", nil}
	}
}

// writeSkillError writes err as an error envelope. Unclassified errors are
// logged and reported without their message.
func (h *Handlers) writeSkillError(w http.ResponseWriter, r *http.Request, err error, jobID *uuid.UUID) {
	e := classify(err, jobID)
	if e.code == model.ErrCodeInternalError {
		h.logger.Error("request failed", "error", err, "path", r.URL.Path,
			"request_id", ctxutil.RequestIDFromContext(r.Context()))
	}
	if e.code == model.ErrCodeBusy {
		w.Header().Set("Retry-After", "1")
	}
	var details any
	if e.details != nil {
		details = e.details
	}
	writeErrorDetails(w, r, e.status, e.code, e.message, details)
}

func meta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{Data: data, Meta: meta(r)})
}

// writeList writes one page of results with paging metadata.
func writeList(w http.ResponseWriter, r *http.Request, data any, total, page, pageSize int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:     data,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  page*pageSize < total,
		Meta:     meta(r),
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorDetails(w, r, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message, Details: details},
		Meta:  meta(r),
	})
}

// decodeJSON decodes a JSON request body into the target struct.
func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// writeDecodeError reports a body that could not be decoded.
func (h *Handlers) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.writeSkillError(w, r, err, nil)
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}
