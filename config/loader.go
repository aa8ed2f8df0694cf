package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/careflowhq/careflow/engine"
	"github.com/careflowhq/careflow/resilience"
	"github.com/careflowhq/careflow/validation"
	"github.com/careflowhq/careflow/webhook"
)

// EnvPrefix is the default environment variable prefix.
const EnvPrefix = "CAREFLOW"

// Config is the complete careflow configuration.
type Config struct {
	// Server tunes the HTTP surface of the careflow daemon.
	Server ServerConfig `yaml:"server"`

	// Engine tunes graph execution.
	Engine engine.Config `yaml:"engine"`

	// Validation tunes the pre-flight validator.
	Validation validation.Config `yaml:"validation"`

	// Resilience tunes breakers, retries and self-healing.
	Resilience ResilienceConfig `yaml:"resilience"`

	// Checkpoint tunes checkpoint persistence.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Webhook tunes outbound delivery.
	Webhook webhook.Config `yaml:"webhook"`

	// Versioning tunes the version store.
	Versioning VersioningConfig `yaml:"versioning"`

	// Database configures the relational store.
	Database DatabaseConfig `yaml:"database"`

	// Redis configures the shared Redis client.
	Redis RedisConfig `yaml:"redis"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Telemetry configures tracing export.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ResilienceConfig groups the failure-handling knobs.
type ResilienceConfig struct {
	Breaker  resilience.BreakerConfig  `yaml:"breaker"`
	Retry    resilience.RetryConfig    `yaml:"retry"`
	Analyzer resilience.AnalyzerConfig `yaml:"analyzer"`
	// EventBufferSize bounds the resilience event bus.
	EventBufferSize int `yaml:"event_buffer_size"`
}

// CheckpointConfig tunes checkpoint persistence.
type CheckpointConfig struct {
	// Backend selects the store: memory or redis.
	Backend string `yaml:"backend"`
	// Prefix namespaces Redis keys.
	Prefix string `yaml:"prefix"`
	// TTL expires Redis-held checkpoints; zero keeps them forever.
	TTL time.Duration `yaml:"ttl"`
}

// VersioningConfig tunes the version store.
type VersioningConfig struct {
	// Backend selects the store: memory or database.
	Backend string `yaml:"backend"`
	// DefaultBranch is the branch new versions land on when none is given.
	DefaultBranch string `yaml:"default_branch"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// Driver is postgres or sqlite.
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format           string   `yaml:"format"`
	OutputPaths      []string `yaml:"output_paths"`
	EnableCaller     bool     `yaml:"enable_caller"`
	EnableStacktrace bool     `yaml:"enable_stacktrace"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Loader builds a Config from defaults, a YAML file and environment
// variables, in that order of precedence.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and env apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends an extra validation hook.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}
	return cfg, nil
}

// MustLoad loads the config at path or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct recursively. Env keys derive from
// the yaml tags: server.http_port becomes PREFIX_SERVER_HTTP_PORT.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := yamlName(t.Field(i))
		if tag == "" {
			continue
		}
		envKey := prefix + "_" + strings.ToUpper(tag)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func yamlName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "" || tag == "-" {
		return ""
	}
	if i := strings.Index(tag, ","); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "server.http_port must be in 1..65535")
	}
	if c.Engine.MaxWhileIterations <= 0 {
		errs = append(errs, "engine.max_while_iterations must be positive")
	}
	if c.Resilience.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "resilience.breaker.failure_threshold must be positive")
	}
	if c.Resilience.Retry.Multiplier < 1 {
		errs = append(errs, "resilience.retry.multiplier must be at least 1")
	}
	if c.Webhook.MaxAttempts <= 0 {
		errs = append(errs, "webhook.max_attempts must be positive")
	}
	switch c.Checkpoint.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, "checkpoint.backend must be memory or redis")
	}
	switch c.Versioning.Backend {
	case "memory", "database":
	default:
		errs = append(errs, "versioning.backend must be memory or database")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "database.driver must be postgres or sqlite")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be debug, info, warn or error")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be in 0..1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
