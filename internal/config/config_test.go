package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("KUANALU_DATABASE__URL", "postgres://localhost:5432/kuanalu")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.MetricsPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Mailer.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Mailer.Retry.InitialBackoff)
	assert.Equal(t, 2.0, cfg.Mailer.Retry.BackoffMultiplier)
	assert.Equal(t, 10, cfg.Mailer.Drain.BatchSize)
	assert.True(t, cfg.Mailer.Drain.IncludeRetrying)
	assert.Equal(t, "https://api.resend.com", cfg.Mailer.Resend.BaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KUANALU_DATABASE__URL", "postgres://localhost:5432/kuanalu")
	t.Setenv("KUANALU_SERVER__PORT", "9999")
	t.Setenv("KUANALU_MAILER__WEBHOOK_SECRET", "whsec_test")
	t.Setenv("KUANALU_MAILER__RETRY__MAX_ATTEMPTS", "5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "whsec_test", cfg.Mailer.WebhookSecret)
	assert.Equal(t, 5, cfg.Mailer.Retry.MaxAttempts)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
database:
  url: postgres://db:5432/kuanalu
mailer:
  from_address: "Acme <noreply@acme.test>"
  retry:
    initial_backoff: 1m
    max_attempts: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db:5432/kuanalu", cfg.Database.URL)
	assert.Equal(t, "Acme <noreply@acme.test>", cfg.Mailer.FromAddress)
	assert.Equal(t, time.Minute, cfg.Mailer.Retry.InitialBackoff)
	assert.Equal(t, 4, cfg.Mailer.Retry.MaxAttempts)
	// Untouched keys keep defaults.
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestLoad_InvalidRetryPolicy(t *testing.T) {
	t.Setenv("KUANALU_DATABASE__URL", "postgres://localhost:5432/kuanalu")
	t.Setenv("KUANALU_MAILER__RETRY__MAX_ATTEMPTS", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
}
