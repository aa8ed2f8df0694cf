package config

import (
	"time"

	"github.com/careflowhq/careflow/engine"
	"github.com/careflowhq/careflow/resilience"
	"github.com/careflowhq/careflow/validation"
	"github.com/careflowhq/careflow/versioning"
	"github.com/careflowhq/careflow/webhook"
)

// DefaultConfig returns the configuration careflow runs with when no
// file or environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Engine:     engine.DefaultConfig(),
		Validation: validation.DefaultConfig(),
		Resilience: DefaultResilienceConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Webhook:    webhook.DefaultConfig(),
		Versioning: DefaultVersioningConfig(),
		Database:   DefaultDatabaseConfig(),
		Redis:      DefaultRedisConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server tuning.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultResilienceConfig returns the default failure-handling tuning.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Breaker:         resilience.DefaultBreakerConfig(),
		Retry:           resilience.DefaultRetryConfig(),
		Analyzer:        resilience.DefaultAnalyzerConfig(),
		EventBufferSize: 256,
	}
}

// DefaultCheckpointConfig returns the default checkpoint persistence.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend: "memory",
		Prefix:  "careflow",
		TTL:     24 * time.Hour,
	}
}

// DefaultVersioningConfig returns the default version store tuning.
func DefaultVersioningConfig() VersioningConfig {
	return VersioningConfig{
		Backend:       "memory",
		DefaultBranch: versioning.DefaultBranch,
	}
}

// DefaultDatabaseConfig returns the default relational store tuning.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "careflow",
		Password:        "",
		Name:            "careflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig returns the default Redis client tuning.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig returns the default logging tuning.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig returns the default telemetry tuning.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "careflow",
		SampleRate:   0.1,
	}
}
