package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./data/deployforge.db", cfg.Database.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "dev", cfg.Auth.Mode)
	assert.Equal(t, 2, cfg.Admission.MaxActivePerUser)
	assert.Equal(t, 1, cfg.Queue.Consumers)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Worker.StageTimeout)
	assert.Equal(t, "resume", cfg.Worker.RecoveryPolicy)
	assert.Equal(t, StagesSimulated, cfg.Stages.Mode)
	assert.Equal(t, ArtifactsLocal, cfg.Artifacts.Backend)

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  shutdown_timeout: 15s

database:
  driver: postgres
  dsn: "postgres://forge@localhost/forge"

admission:
  max_active_per_user: 5

queue:
  consumers: 4

stages:
  mode: docker
  docker_image: "node:22-alpine"

artifacts:
  backend: s3
  bucket: sites
  prefix: prod
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Admission.MaxActivePerUser)
	assert.Equal(t, 4, cfg.Queue.Consumers)
	assert.Equal(t, StagesDocker, cfg.Stages.Mode)
	assert.Equal(t, "node:22-alpine", cfg.Stages.DockerImage)
	assert.Equal(t, "sites", cfg.Artifacts.Bucket)
	assert.Equal(t, "prod", cfg.Artifacts.Prefix)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("DEPLOYFORGE_SERVER_PORT", "3000")
	t.Setenv("DEPLOYFORGE_DATABASE_DSN", "/custom/path.db")
	t.Setenv("DEPLOYFORGE_AUTH_MODE", "jwt")
	t.Setenv("DEPLOYFORGE_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("DEPLOYFORGE_ADMISSION_MAX_ACTIVE_PER_USER", "7")
	t.Setenv("DEPLOYFORGE_WORKER_RECOVERY_POLICY", "fail")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "jwt", cfg.Auth.Mode)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 7, cfg.Admission.MaxActivePerUser)
	assert.Equal(t, "fail", cfg.Worker.RecoveryPolicy)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero cap", func(c *Config) { c.Admission.MaxActivePerUser = 0 }, "admission.max_active_per_user"},
		{"no consumers", func(c *Config) { c.Queue.Consumers = 0 }, "queue.consumers"},
		{"negative capacity", func(c *Config) { c.Queue.Capacity = -1 }, "queue.capacity"},
		{"zero stage timeout", func(c *Config) { c.Worker.StageTimeout = 0 }, "worker.stage_timeout"},
		{"unknown recovery policy", func(c *Config) { c.Worker.RecoveryPolicy = "retry" }, "worker.recovery_policy"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"unknown auth mode", func(c *Config) { c.Auth.Mode = "none" }, "auth.mode"},
		{"jwt without secret", func(c *Config) { c.Auth.Mode = "jwt" }, "auth.jwt_secret"},
		{"unknown stage mode", func(c *Config) { c.Stages.Mode = "k8s" }, "stages.mode"},
		{"s3 without bucket", func(c *Config) { c.Artifacts.Backend = "s3" }, "artifacts.bucket"},
		{"minio without endpoint", func(c *Config) { c.Artifacts.Backend = "minio"; c.Artifacts.Bucket = "b" }, "artifacts.endpoint"},
		{"unknown backend", func(c *Config) { c.Artifacts.Backend = "gcs" }, "artifacts.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := LoadConfig("")
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}

	assert.Equal(t, "localhost:8080", cfg.Server.Address())
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "invalid"} {
		for _, format := range []string{"json", "text"} {
			logger := SetupLogger(&Config{Log: LogConfig{Level: level, Format: format}})
			assert.NotNil(t, logger, "%s/%s", level, format)
		}
	}
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "DEPLOYFORGE_") {
			// Setenv restores the original value when the test ends.
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}
