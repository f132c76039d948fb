package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DUR", "5s")
	t.Setenv("TEST_FLOAT", "2.5")

	n, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, n)

	b, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)

	d, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	f, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, f, 1e-9)
}

func TestEnvHelpersInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	t.Setenv("TEST_BOOL_BAD", "maybe")
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	t.Setenv("TEST_FLOAT_BAD", "x")

	_, err := envInt("TEST_INT_BAD", 0)
	assert.EqualError(t, err, `TEST_INT_BAD="abc" is not a valid integer`)
	_, err = envBool("TEST_BOOL_BAD", false)
	assert.EqualError(t, err, `TEST_BOOL_BAD="maybe" is not a valid boolean`)
	_, err = envDuration("TEST_DUR_BAD", 0)
	assert.EqualError(t, err, `TEST_DUR_BAD="five-seconds" is not a valid duration`)
	_, err = envFloat("TEST_FLOAT_BAD", 0)
	assert.EqualError(t, err, `TEST_FLOAT_BAD="x" is not a valid number`)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, cfg.DatabaseURL, cfg.NotifyURL, "notify URL defaults to the database URL")
	assert.Equal(t, 60*time.Second, cfg.SkillNodeTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SkillInvocationTimeout)
	assert.Equal(t, 32, cfg.SkillStreamBuffer)
	assert.False(t, cfg.CancelOnDisconnect)
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	t.Setenv("REFLY_PORT", "abc")
	t.Setenv("REFLY_SKILL_NODE_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `REFLY_PORT="abc"`)
	assert.Contains(t, err.Error(), `REFLY_SKILL_NODE_TIMEOUT="soon"`)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("REFLY_STORE", "mongo")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REFLY_STORE")
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refly.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
store:
  driver: sqlite
  sqlite_path: /tmp/refly-test.db
skill:
  node_timeout: 45s
  cancel_on_disconnect: true
ratelimit:
  rps: 1.5
`), 0o600))
	t.Setenv("REFLY_CONFIG_FILE", path)
	t.Setenv("REFLY_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port, "environment wins over the file")
	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.Equal(t, "/tmp/refly-test.db", cfg.SQLitePath)
	assert.Equal(t, 45*time.Second, cfg.SkillNodeTimeout)
	assert.True(t, cfg.CancelOnDisconnect)
	assert.InDelta(t, 1.5, cfg.RateLimitRPS, 1e-9)
}

func TestLoadFileErrors(t *testing.T) {
	t.Setenv("REFLY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("skill:\n  node_timeout: forever\n"), 0o600))
	t.Setenv("REFLY_CONFIG_FILE", path)
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `skill.node_timeout="forever"`)
}

func TestValidateAggregates(t *testing.T) {
	cfg := Config{StoreDriver: StorePostgres}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"DATABASE_URL", "REFLY_PORT", "REFLY_EMBEDDING_DIMENSIONS", "REFLY_SKILL_MAX_CONCURRENT"} {
		assert.Contains(t, err.Error(), want)
	}
}
