package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refly-ai/refly/internal/model"
)

func TestEventTypeTerminal(t *testing.T) {
	assert.True(t, model.EventDone.Terminal())
	assert.True(t, model.EventError.Terminal())
	assert.False(t, model.EventToken.Terminal())
	assert.False(t, model.EventStructured.Terminal())
}

func TestLogStatusTerminal(t *testing.T) {
	assert.False(t, model.LogStatusPending.Terminal())
	assert.False(t, model.LogStatusRunning.Terminal())
	assert.True(t, model.LogStatusSucceeded.Terminal())
	assert.True(t, model.LogStatusFailed.Terminal())
}

func TestErrorEventAccessors(t *testing.T) {
	ev := model.ErrorEvent(model.ErrorKindCancelled, "invocation cancelled")
	assert.True(t, ev.Terminal())
	assert.Equal(t, model.ErrorKindCancelled, ev.Kind())
	assert.Equal(t, "invocation cancelled", ev.Message())
	assert.Empty(t, ev.Content())
}

func TestErrorEventKindSurvivesJSON(t *testing.T) {
	raw, err := json.Marshal(model.ErrorEvent(model.ErrorKindTimeout, "node timed out"))
	require.NoError(t, err)

	var back model.SkillEvent
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, model.EventError, back.Type)
	assert.Equal(t, model.ErrorKindTimeout, back.Kind())
}

func TestSkillResultText(t *testing.T) {
	r := model.SkillResult{Messages: []model.Message{
		{Role: "assistant", Content: "Hello"},
		{Role: "assistant", Content: "world"},
	}}
	assert.Equal(t, "Hello\nworld", r.Text())
	assert.Empty(t, model.SkillResult{}.Text())
}

func TestLogFilterOffset(t *testing.T) {
	assert.Equal(t, 0, model.LogFilter{Page: 0, PageSize: 10}.Offset())
	assert.Equal(t, 0, model.LogFilter{Page: 1, PageSize: 10}.Offset())
	assert.Equal(t, 20, model.LogFilter{Page: 3, PageSize: 10}.Offset())
}
