package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/refly-ai/refly/internal/model"
)

// sseWriter frames server-sent events onto a response.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// startSSE writes the event-stream headers with the given status and
// flushes them.
func startSSE(w http.ResponseWriter, jobID uuid.UUID, status int) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if jobID != uuid.Nil {
		w.Header().Set("X-Job-ID", jobID.String())
	}
	w.WriteHeader(status)

	// Streams outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()
	return &sseWriter{w: w, rc: rc}
}

// event writes one frame. Events carry their seq as the frame id so a
// client can resume with Last-Event-ID.
func (s *sseWriter) event(ev model.SkillEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal event %d: %w", ev.Seq, err)
	}
	return s.frame(strconv.FormatInt(ev.Seq, 10), string(ev.Type), data)
}

// errorFrame writes a single error frame without an id, for failures that
// happen before any event exists.
func (s *sseWriter) errorFrame(e apiError) error {
	payload := map[string]any{
		"code":    e.code,
		"message": e.message,
	}
	if e.details != nil {
		payload["kind"] = e.details.Kind
		if e.details.Field != "" {
			payload["field"] = e.details.Field
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal error frame: %w", err)
	}
	return s.frame("", string(model.EventError), data)
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ":%s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) frame(id, eventType string, data []byte) error {
	var err error
	if id != "" {
		_, err = fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", id, eventType, data)
	} else {
		_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data)
	}
	if err != nil {
		return err
	}
	return s.rc.Flush()
}
