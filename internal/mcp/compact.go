package mcp

import (
	"time"

	"github.com/refly-ai/refly/internal/model"
)

// maxCompactText caps the result text carried in a compact log.
const maxCompactText = 2000

// compactLog reduces a skill log to what an agent needs to act on it: the
// outcome, without input echo or the event sequence.
func compactLog(log model.SkillLog) map[string]any {
	m := map[string]any{
		"job_id":      log.JobID,
		"skill_name":  log.SkillName,
		"status":      log.Status,
		"event_count": log.EventCount,
		"created_at":  log.CreatedAt.Format(time.RFC3339),
	}
	if log.Result != nil {
		m["text"] = truncate(log.Result.Text(), maxCompactText)
		if len(log.Result.Structured) > 0 {
			m["structured"] = log.Result.Structured
		}
	}
	if log.ErrorKind != nil {
		m["error_kind"] = *log.ErrorKind
	}
	if log.ErrorMessage != nil {
		m["error_message"] = *log.ErrorMessage
	}
	if log.StartedAt != nil && log.CompletedAt != nil {
		m["duration_ms"] = log.CompletedAt.Sub(*log.StartedAt).Milliseconds()
	}
	return m
}

// truncate cuts s to at most maxLen runes, marking the cut.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
