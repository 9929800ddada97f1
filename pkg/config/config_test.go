package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 1, cfg.MaxBuilders)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 240, cfg.UpdateCheckInterval)
	assert.Equal(t, 3200, cfg.Port)
	assert.Equal(t, "aur_worker", cfg.Image)
	assert.Equal(t, "aur", cfg.RepoName)
	assert.Nil(t, cfg.MemoryLimit)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_BUILDERS", "4")
	t.Setenv("PORT", "8080")
	t.Setenv("REPO_NAME", "mycustomrepo")
	t.Setenv("MEMORY_LIMIT", "536870912")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	assert.Equal(t, 4, cfg.MaxBuilders)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "mycustomrepo", cfg.RepoName)
	require := assertNotNilInt64(t, cfg.MemoryLimit)
	assert.EqualValues(t, 536870912, require)
	assert.Equal(t, "debug", string(cfg.LogLevel))
}

func TestEnvOrFallsBackOnUnparsable(t *testing.T) {
	t.Setenv("MAX_RETRIES", "not-a-number")

	cfg := Load()
	assert.Equal(t, 3, cfg.MaxRetries)
}

func assertNotNilInt64(t *testing.T, v *int64) int64 {
	t.Helper()
	if v == nil {
		t.Fatal("expected non-nil value")
	}
	return *v
}
