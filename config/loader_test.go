package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "careflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 1000, cfg.Engine.MaxWhileIterations)
	assert.Equal(t, 5, cfg.Resilience.Breaker.FailureThreshold)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, "main", cfg.Versioning.DefaultBranch)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.HTTPPort, cfg.Server.HTTPPort)
}

func TestLoadFromYAMLOverlaysDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_port: 9999
engine:
  max_while_iterations: 50
  parallel_fan_out: true
resilience:
  breaker:
    failure_threshold: 7
    recovery_timeout: 10s
webhook:
  max_attempts: 2
database:
  driver: sqlite
  name: ":memory:"
log:
  level: debug
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 50, cfg.Engine.MaxWhileIterations)
	assert.True(t, cfg.Engine.ParallelFanOut)
	assert.Equal(t, 7, cfg.Resilience.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Resilience.Breaker.RecoveryTimeout)
	assert.Equal(t, 2, cfg.Webhook.MaxAttempts)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultConfig().Redis.Addr, cfg.Redis.Addr)
	assert.Equal(t, DefaultConfig().Resilience.Retry.Multiplier, cfg.Resilience.Retry.Multiplier)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  http_port: 9999\n")

	t.Setenv("CAREFLOW_SERVER_HTTP_PORT", "7070")
	t.Setenv("CAREFLOW_RESILIENCE_RETRY_INITIAL_DELAY", "500ms")
	t.Setenv("CAREFLOW_LOG_OUTPUT_PATHS", "stdout, stderr")
	t.Setenv("CAREFLOW_ENGINE_PARALLEL_FAN_OUT", "true")
	t.Setenv("CAREFLOW_TELEMETRY_SAMPLE_RATE", "0.5")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 500*time.Millisecond, cfg.Resilience.Retry.InitialDelay)
	assert.Equal(t, []string{"stdout", "stderr"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Engine.ParallelFanOut)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
}

func TestEnvOverrideBadValue(t *testing.T) {
	t.Setenv("CAREFLOW_SERVER_HTTP_PORT", "not-a-port")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(*Config){
		"bad http port":     func(c *Config) { c.Server.HTTPPort = 0 },
		"bad driver":        func(c *Config) { c.Database.Driver = "oracle" },
		"bad log level":     func(c *Config) { c.Log.Level = "verbose" },
		"bad checkpoint":    func(c *Config) { c.Checkpoint.Backend = "s3" },
		"bad sample rate":   func(c *Config) { c.Telemetry.SampleRate = 2 },
		"bad multiplier":    func(c *Config) { c.Resilience.Retry.Multiplier = 0.5 },
		"bad max attempts":  func(c *Config) { c.Webhook.MaxAttempts = 0 },
		"bad while bound":   func(c *Config) { c.Engine.MaxWhileIterations = 0 },
		"bad version store": func(c *Config) { c.Versioning.Backend = "git" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCustomValidatorRuns(t *testing.T) {
	sentinel := errors.New("nope")
	_, err := NewLoader().
		WithValidator(func(*Config) error { return sentinel }).
		Load()
	require.ErrorIs(t, err, sentinel)
}

func TestDatabaseDSN(t *testing.T) {
	pg := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432,
		User: "careflow", Password: "s3cret", Name: "careflow", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db port=5432 user=careflow password=s3cret dbname=careflow sslmode=require",
		pg.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "/var/lib/careflow.db"}
	assert.Equal(t, "/var/lib/careflow.db", lite.DSN())

	unknown := DatabaseConfig{Driver: "oracle"}
	assert.Empty(t, unknown.DSN())
}

func TestMustLoadPanicsOnInvalid(t *testing.T) {
	path := writeConfigFile(t, "server:\n  http_port: -1\n")
	assert.Panics(t, func() { MustLoad(path) })
}
