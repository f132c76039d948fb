package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/refly-ai/refly/internal/model"
)

func TestCompactLogSucceeded(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	completed := started.Add(1500 * time.Millisecond)
	log := model.SkillLog{
		JobID:     uuid.New(),
		SkillName: "planner",
		Status:    model.LogStatusSucceeded,
		Input:     map[string]any{"query": "hello"},
		Result: &model.SkillResult{
			Messages:   []model.Message{{Role: "assistant", Content: "Hello, world!"}},
			Structured: map[string]any{"steps": 1},
		},
		EventCount:  2,
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &completed,
	}

	m := compactLog(log)
	assert.Equal(t, log.JobID, m["job_id"])
	assert.Equal(t, "Hello, world!", m["text"])
	assert.Equal(t, map[string]any{"steps": 1}, m["structured"])
	assert.Equal(t, int64(1500), m["duration_ms"])
	assert.NotContains(t, m, "input")
	assert.NotContains(t, m, "error_kind")
}

func TestCompactLogFailed(t *testing.T) {
	kind := model.ErrorKindTimeout
	msg := "node draft timed out"
	m := compactLog(model.SkillLog{
		JobID:        uuid.New(),
		Status:       model.LogStatusFailed,
		ErrorKind:    &kind,
		ErrorMessage: &msg,
	})
	assert.Equal(t, model.ErrorKindTimeout, m["error_kind"])
	assert.Equal(t, msg, m["error_message"])
	assert.NotContains(t, m, "text")
	assert.NotContains(t, m, "duration_ms")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))

	long := strings.Repeat("é", 3000)
	out := truncate(long, maxCompactText)
	assert.Len(t, []rune(out), maxCompactText)
	assert.True(t, strings.HasSuffix(out, "..."))
}
