package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/refly-ai/refly/internal/ctxutil"
	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/service/invocation"
)

// invocationRequest validates an invoke body and builds the service request.
func invocationRequest(r *http.Request, body model.InvokeSkillRequest) (invocation.Request, error) {
	if body.SkillName == "" && body.SkillID == "" {
		return invocation.Request{}, errors.New("skill_name or skill_id is required")
	}
	if body.NodeTimeoutMS < 0 || body.TimeoutMS < 0 {
		return invocation.Request{}, errors.New("timeouts must not be negative")
	}
	req := invocation.Request{
		UID:         ctxutil.UIDFromContext(r.Context()),
		SkillName:   body.SkillName,
		SkillID:     body.SkillID,
		Input:       body.Input,
		Config:      body.Config,
		NodeTimeout: millis(body.NodeTimeoutMS),
		Timeout:     millis(body.TimeoutMS),
	}
	if body.JobID != nil {
		req.JobID = *body.JobID
	}
	return req, nil
}

// HandleInvoke handles POST /skill/invoke.
func (h *Handlers) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	var body model.InvokeSkillRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDecodeError(w, r, err)
		return
	}
	req, err := invocationRequest(r, body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	log, err := h.invocations.Invoke(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, log)
	case r.Context().Err() != nil && errors.Is(err, r.Context().Err()):
		h.logTransport(log.JobID, err)
	case log.JobID != uuid.Nil:
		h.writeSkillError(w, r, err, &log.JobID)
	default:
		h.writeSkillError(w, r, err, nil)
	}
}

// HandleStreamInvoke handles POST /skill/streamInvoke (SSE).
func (h *Handlers) HandleStreamInvoke(w http.ResponseWriter, r *http.Request) {
	var body model.InvokeSkillRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDecodeError(w, r, err)
		return
	}
	req, err := invocationRequest(r, body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	sub, err := h.invocations.Stream(r.Context(), req)
	if err != nil {
		e := classify(err, nil)
		if e.code == model.ErrCodeInternalError {
			h.logger.Error("stream invoke failed", "error", err,
				"request_id", ctxutil.RequestIDFromContext(r.Context()))
		}
		_ = startSSE(w, uuid.Nil, e.status).errorFrame(e)
		return
	}
	h.stream(w, r, sub, req.UID, true)
}

// HandleAttach handles GET /skill/log/{job_id}/stream (SSE). The resume
// point is the Last-Event-ID header, or the after query parameter.
func (h *Handlers) HandleAttach(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	after, err := resumePoint(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	uid := ctxutil.UIDFromContext(r.Context())
	sub, err := h.invocations.Attach(r.Context(), uid, jobID, after)
	if err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	h.stream(w, r, sub, uid, false)
}

func resumePoint(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("invalid resume point: must be a non-negative event seq")
	}
	return n, nil
}

type nextResult struct {
	ev  model.SkillEvent
	err error
}

// stream copies a subscription onto an event stream until the terminal
// frame or until the client goes away. owner marks the request that started
// the run, the only one whose disconnect may cancel it.
func (h *Handlers) stream(w http.ResponseWriter, r *http.Request, sub *invocation.Subscription, uid string, owner bool) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	jobID := sub.JobID()
	sse := startSSE(w, jobID, http.StatusOK)

	// Next blocks, so it runs apart from the writer to keep keepalives going.
	results := make(chan nextResult)
	go func() {
		defer sub.Close()
		for {
			ev, err := sub.Next(ctx)
			select {
			case results <- nextResult{ev, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(h.sseKeepalive)
	defer keepalive.Stop()

	disconnected := func(err error) {
		h.logTransport(jobID, err)
		if owner && h.invocations.Abandon(uid, jobID) {
			h.logger.Info("invocation cancelled on disconnect", "job_id", jobID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			disconnected(ctx.Err())
			return
		case <-keepalive.C:
			if err := sse.comment("keepalive"); err != nil {
				disconnected(err)
				return
			}
		case res := <-results:
			switch {
			case errors.Is(res.err, io.EOF):
				return
			case res.err != nil:
				if ctx.Err() != nil {
					disconnected(res.err)
					return
				}
				h.logger.Error("event stream failed", "job_id", jobID, "error", res.err)
				return
			}
			if err := sse.event(res.ev); err != nil {
				disconnected(err)
				return
			}
		}
	}
}

func (h *Handlers) logTransport(jobID uuid.UUID, err error) {
	h.logger.Warn("client disconnected", "error", &TransportError{JobID: jobID, Err: err})
}

// HandleCancel handles POST /skill/cancel.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var body model.CancelSkillRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDecodeError(w, r, err)
		return
	}
	if body.JobID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "job_id is required")
		return
	}

	log, err := h.invocations.Cancel(r.Context(), ctxutil.UIDFromContext(r.Context()), body.JobID)
	if err != nil {
		h.writeSkillError(w, r, err, &body.JobID)
		return
	}
	writeJSON(w, r, http.StatusOK, log)
}

// HandleListLogs handles GET /skill/log/list.
func (h *Handlers) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageParams(r, invocation.DefaultPageSize, invocation.MaxPageSize)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	logs, total, err := h.invocations.ListLogs(r.Context(), model.LogFilter{
		UID:       ctxutil.UIDFromContext(r.Context()),
		SkillName: r.URL.Query().Get("skill_name"),
		SkillID:   r.URL.Query().Get("skill_id"),
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	if logs == nil {
		logs = []model.SkillLog{}
	}
	writeList(w, r, logs, total, page, pageSize)
}

// HandleGetLog handles GET /skill/log/{job_id}.
func (h *Handlers) HandleGetLog(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	log, err := h.invocations.GetLog(r.Context(), ctxutil.UIDFromContext(r.Context()), jobID)
	if err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, log)
}
