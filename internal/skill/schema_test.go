package skill_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refly-ai/refly/internal/skill"
)

func TestInputSchemaValidate(t *testing.T) {
	schema := skill.Planner().Input

	got, err := schema.Validate("planner", map[string]any{
		"query":  "hello",
		"images": []any{"https://example.com/a.png"},
		"extra":  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got["query"])
	assert.NotContains(t, got, "extra", "undeclared keys are dropped")

	tests := []struct {
		name  string
		input map[string]any
		field string
	}{
		{"missing required", map[string]any{}, "query"},
		{"nil required", map[string]any{"query": nil}, "query"},
		{"empty required string", map[string]any{"query": ""}, "query"},
		{"wrong type", map[string]any{"query": 42.0}, "query"},
		{"wrong item type", map[string]any{"query": "q", "images": []any{"a", 3.0}}, "images"},
		{"array expected", map[string]any{"query": "q", "images": "a"}, "images"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.Validate("planner", tt.input)
			var invalid *skill.InvalidInputError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
			assert.Equal(t, "planner", invalid.Skill)
		})
	}
}

func TestConfigSchemaResolve(t *testing.T) {
	schema := skill.StreamDemo().Config

	got, err := schema.Resolve("stream-demo", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"repeat": 3, "delay_ms": 0}, got)

	got, err = schema.Resolve("stream-demo", map[string]any{"repeat": 5.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, got["repeat"])
	assert.Equal(t, 0, got["delay_ms"])

	_, err = schema.Resolve("stream-demo", map[string]any{"temperature": 0.2})
	var invalid *skill.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "config.temperature", invalid.Field)

	_, err = schema.Resolve("stream-demo", map[string]any{"repeat": "many"})
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "config.repeat", invalid.Field)
}

func TestConfigSchemaDefaults(t *testing.T) {
	assert.Empty(t, skill.Planner().Config.Defaults())
	assert.Equal(t, 3, skill.StreamDemo().Config.Defaults()["repeat"])
}
