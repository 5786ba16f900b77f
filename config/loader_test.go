package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ".dataforge", cfg.Run.WorkingDir)
	assert.Equal(t, "retry_failed", cfg.Run.ResumeMode)
	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, 10, cfg.Dispatcher.MaxConcurrency)
	assert.Equal(t, 15*time.Second, cfg.Dispatcher.Cooldown)
	assert.False(t, cfg.Batch.Enabled)
}

func TestLoader_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataforge.yaml")
	raw := `
run:
  working_dir: /tmp/forge
  resume_mode: no_retry
provider:
  model: gpt-4o
  base_url: http://localhost:8000/v1
dispatcher:
  max_concurrency: 50
  max_tokens_per_minute: 2000000
  cooldown: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/forge", cfg.Run.WorkingDir)
	assert.Equal(t, "no_retry", cfg.Run.ResumeMode)
	assert.Equal(t, "gpt-4o", cfg.Provider.Model)
	assert.Equal(t, 50, cfg.Dispatcher.MaxConcurrency)
	assert.Equal(t, 2_000_000, cfg.Dispatcher.MaxTokensPerMinute)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.Cooldown)
	// untouched keys keep their defaults
	assert.Equal(t, 60, cfg.Dispatcher.MaxRequestsPerMinute)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  model: from-file\n"), 0o644))

	t.Setenv("DATAFORGE_PROVIDER_MODEL", "from-env")
	t.Setenv("DATAFORGE_DISPATCHER_MAX_RETRIES", "3")
	t.Setenv("DATAFORGE_DISPATCHER_COOLDOWN", "5s")
	t.Setenv("DATAFORGE_RUN_ASSUME_YES", "true")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Provider.Model)
	assert.Equal(t, 3, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.Cooldown)
	assert.True(t, cfg.Run.AssumeYes)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("FORGE_PROVIDER_NAME", "openai")
	t.Setenv("FORGE_LOG_LEVEL", "debug")

	cfg, err := NewLoader().WithEnvPrefix("FORGE").Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_ValidatorRejects(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			return assert.AnError
		}).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty working dir", func(c *Config) { c.Run.WorkingDir = "" }},
		{"bad resume mode", func(c *Config) { c.Run.ResumeMode = "maybe" }},
		{"zero concurrency", func(c *Config) { c.Dispatcher.MaxConcurrency = 0 }},
		{"zero rpm", func(c *Config) { c.Dispatcher.MaxRequestsPerMinute = 0 }},
		{"zero tpm", func(c *Config) { c.Dispatcher.MaxTokensPerMinute = 0 }},
		{"negative retries", func(c *Config) { c.Dispatcher.MaxRetries = -1 }},
		{"batch enabled zero size", func(c *Config) {
			c.Batch.Enabled = true
			c.Batch.BatchSize = 0
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBuildLogger(t *testing.T) {
	logger, err := DefaultLogConfig().BuildLogger()
	require.NoError(t, err)
	logger.Info("hello")

	_, err = LogConfig{Level: "verbose"}.BuildLogger()
	assert.Error(t, err)

	_, err = LogConfig{Level: "info", Format: "xml"}.BuildLogger()
	assert.Error(t, err)
}
