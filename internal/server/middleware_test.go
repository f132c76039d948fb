package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refly-ai/refly/internal/auth"
	"github.com/refly-ai/refly/internal/ctxutil"
	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/search"
	"github.com/refly-ai/refly/internal/service/invocation"
	"github.com/refly-ai/refly/internal/skill"
)

func decodeAPIError(t *testing.T, body io.Reader) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(body).Decode(&apiErr))
	return apiErr
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		_, err := uuid.Parse(seen)
		assert.NoError(t, err)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", seen)
	})

	t.Run("oversized replaced", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Len(t, seen, 36)
	})
}

func TestAuthMiddleware(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := jwtMgr.IssueToken("user-1")
	require.NoError(t, err)

	var uid string
	handler := authMiddleware(jwtMgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid = ctxutil.UIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantUID    string
	}{
		{name: "public path", path: "/health", wantStatus: http.StatusNoContent},
		{name: "missing header", path: "/skill/log/list", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/skill/log/list", header: "Basic " + token, wantStatus: http.StatusUnauthorized},
		{name: "empty token", path: "/skill/log/list", header: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", path: "/skill/log/list", header: "Bearer not-a-jwt", wantStatus: http.StatusUnauthorized},
		{name: "valid", path: "/skill/log/list", header: "Bearer " + token, wantStatus: http.StatusNoContent, wantUID: "user-1"},
		{name: "scheme is case-insensitive", path: "/skill/log/list", header: "bearer " + token, wantStatus: http.StatusNoContent, wantUID: "user-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uid = ""
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantUID, uid)
			if rec.Code == http.StatusUnauthorized {
				assert.Equal(t, model.ErrCodeUnauthorized, decodeAPIError(t, rec.Body).Error.Code)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("panic becomes 500", func(t *testing.T) {
		handler := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, model.ErrCodeInternalError, decodeAPIError(t, rec.Body).Error.Code)
	})

	t.Run("abort handler re-panics", func(t *testing.T) {
		handler := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
		})
	})
}

func TestBodyLimitMiddleware(t *testing.T) {
	var readErr error
	handler := bodyLimitMiddleware(8, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/", strings.NewReader("0123456789")))

	var tooLarge *http.MaxBytesError
	require.ErrorAs(t, readErr, &tooLarge)
	assert.Equal(t, int64(8), tooLarge.Limit)
}

func TestStatusWriterUnwrapsForStreaming(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusTeapot)

	require.NoError(t, http.NewResponseController(sw).Flush())
	assert.True(t, rec.Flushed)
	assert.Equal(t, http.StatusAccepted, sw.statusCode)
}

func TestClassify(t *testing.T) {
	jobID := uuid.New()
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantKind   model.ErrorKind
		wantField  string
	}{
		{"unknown skill", &skill.UnknownSkillError{Name: "x"}, http.StatusNotFound, model.ErrCodeUnknownSkill, model.ErrorKindUnknownSkill, ""},
		{"invalid input", &skill.InvalidInputError{Skill: "planner", Field: "query", Reason: "is required"}, http.StatusBadRequest, model.ErrCodeInvalidInput, model.ErrorKindInvalidInput, "query"},
		{"cancelled", &skill.CancelledError{Skill: "planner"}, http.StatusConflict, model.ErrCodeCancelled, model.ErrorKindCancelled, ""},
		{"timeout", &skill.ExecutionError{Skill: "planner", Kind: model.ErrorKindTimeout}, http.StatusInternalServerError, model.ErrCodeExecutionFailed, model.ErrorKindTimeout, ""},
		{"execution", &skill.ExecutionError{Skill: "planner", Kind: model.ErrorKindExecution}, http.StatusInternalServerError, model.ErrCodeExecutionFailed, model.ErrorKindExecution, ""},
		{"not found", invocation.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound, "", ""},
		{"busy", invocation.ErrBusy, http.StatusServiceUnavailable, model.ErrCodeBusy, "", ""},
		{"draining", invocation.ErrDraining, http.StatusServiceUnavailable, model.ErrCodeBusy, "", ""},
		{"conflict", invocation.ErrConflict, http.StatusConflict, model.ErrCodeConflict, "", ""},
		{"not local", invocation.ErrNotLocal, http.StatusConflict, model.ErrCodeConflict, "", ""},
		{"bad search", search.ErrInvalidRequest, http.StatusBadRequest, model.ErrCodeInvalidInput, "", ""},
		{"too large", &http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "", ""},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, model.ErrCodeInternalError, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := classify(tt.err, &jobID)
			assert.Equal(t, tt.wantStatus, e.status)
			assert.Equal(t, tt.wantCode, e.code)
			if tt.wantKind == "" {
				assert.Nil(t, e.details)
				return
			}
			require.NotNil(t, e.details)
			assert.Equal(t, tt.wantKind, e.details.Kind)
			assert.Equal(t, tt.wantField, e.details.Field)
			assert.Equal(t, &jobID, e.details.JobID)
		})
	}
}

func TestClassifyHidesInternalMessage(t *testing.T) {
	e := classify(errors.New("pq: password authentication failed"), nil)
	assert.Equal(t, "internal server error", e.message)
}

func TestResumePoint(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		want    int64
		wantErr bool
	}{
		{name: "none", want: 0},
		{name: "header", header: "4", want: 4},
		{name: "query", query: "7", want: 7},
		{name: "header wins", header: "2", query: "9", want: 2},
		{name: "negative", query: "-1", wantErr: true},
		{name: "not a number", header: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/skill/log/x/stream"
			if tt.query != "" {
				target += "?after=" + tt.query
			}
			req := httptest.NewRequest("GET", target, nil)
			if tt.header != "" {
				req.Header.Set("Last-Event-ID", tt.header)
			}
			got, err := resumePoint(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSSEFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	jobID := uuid.New()
	sse := startSSE(rec, jobID, http.StatusOK)

	require.NoError(t, sse.event(model.SkillEvent{JobID: jobID, Seq: 3, Type: model.EventToken, Payload: map[string]any{"content": "hi"}}))
	require.NoError(t, sse.comment("keepalive"))
	require.NoError(t, sse.errorFrame(apiError{
		status:  http.StatusBadRequest,
		code:    model.ErrCodeInvalidInput,
		message: "bad",
		details: &model.SkillErrorDetails{Kind: model.ErrorKindInvalidInput, Field: "query"},
	}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, jobID.String(), rec.Header().Get("X-Job-ID"))

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 3)
	assert.True(t, strings.HasPrefix(frames[0], "id: 3\nevent: token\ndata: {"))
	assert.Equal(t, ":keepalive", frames[1])
	assert.True(t, strings.HasPrefix(frames[2], "event: error\ndata: {"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[2], "event: error\ndata: ")), &payload))
	assert.Equal(t, "INVALID_INPUT", payload["code"])
	assert.Equal(t, "invalid_input", payload["kind"])
	assert.Equal(t, "query", payload["field"])
}

func TestUIDKeyFunc(t *testing.T) {
	req := httptest.NewRequest("POST", "/skill/invoke", nil)
	assert.Empty(t, uidKeyFunc(req))

	req = req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{UID: "u-9"}))
	assert.Equal(t, "uid:u-9", uidKeyFunc(req))
}
