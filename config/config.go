// Package config loads the engine configuration for the server and worker
// binaries from YAML files with environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration shared by the server and worker binaries.
type Config struct {
	Storage    StorageConfig    `mapstructure:"storage"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// StorageConfig selects the event log and queue backends.
type StorageConfig struct {
	// Type is memory, sqlite, or postgres.
	Type string `mapstructure:"type"`

	// DSN is the connection string for sqlite and postgres backends.
	DSN string `mapstructure:"dsn"`

	// PoolSize bounds the PostgreSQL connection pool. Zero uses the
	// driver default.
	PoolSize int `mapstructure:"pool_size"`
}

// BrokerConfig tunes the decision loop.
type BrokerConfig struct {
	// PollInterval is the backstop poll cadence, e.g. "1s".
	PollInterval string `mapstructure:"poll_interval"`

	// DefaultTimeout is the per-attempt action deadline for steps that
	// declare none, e.g. "1m".
	DefaultTimeout string `mapstructure:"default_timeout"`

	// MaxDeliveries bounds redelivery of a single job after lost leases.
	MaxDeliveries int `mapstructure:"max_deliveries"`

	// Wake selects the wake bus: memory or redis.
	Wake WakeConfig `mapstructure:"wake"`
}

// WakeConfig configures the Redis wake bus.
type WakeConfig struct {
	Type     string `mapstructure:"type"`
	Addr     string `mapstructure:"addr"`
	Channel  string `mapstructure:"channel"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// WorkerConfig tunes the worker runtime.
type WorkerConfig struct {
	// ID overrides the generated worker identity.
	ID string `mapstructure:"id"`

	// Batch is how many jobs one lease call claims.
	Batch int `mapstructure:"batch"`

	// Visibility is the lease window, e.g. "30s".
	Visibility string `mapstructure:"visibility"`

	// Timeout is the default per-attempt deadline, e.g. "1m".
	Timeout string `mapstructure:"timeout"`

	// PollInterval is the idle wait between empty lease calls.
	PollInterval string `mapstructure:"poll_interval"`
}

// SecretsConfig selects the credential resolver.
type SecretsConfig struct {
	// Type is env, vault, or memory.
	Type string `mapstructure:"type"`

	// Prefix is the env resolver's variable prefix.
	Prefix string `mapstructure:"prefix"`

	// Vault settings apply when Type is vault. The token may be given as
	// ${ENV_VAR}.
	VaultAddr   string `mapstructure:"vault_addr"`
	VaultToken  string `mapstructure:"vault_token"`
	VaultPrefix string `mapstructure:"vault_prefix"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	// Level is trace, debug, info, warn, or error.
	Level string `mapstructure:"level"`

	// Format is json or console.
	Format string `mapstructure:"format"`
}

// MonitoringConfig configures metrics and tracing.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig exposes the metrics endpoint.
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enable      bool   `mapstructure:"enable"`
	ServiceName string `mapstructure:"service_name"`
}

// Load reads the configuration file and applies environment overrides.
// Nested keys map to underscored variables (storage.dsn -> STORAGE_DSN).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Storage.DSN = expandEnv(cfg.Storage.DSN)
	cfg.Secrets.VaultToken = expandEnv(cfg.Secrets.VaultToken)
	cfg.Broker.Wake.Password = expandEnv(cfg.Broker.Wake.Password)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.type", "memory")
	v.SetDefault("broker.poll_interval", "1s")
	v.SetDefault("broker.default_timeout", "1m")
	v.SetDefault("broker.max_deliveries", 3)
	v.SetDefault("broker.wake.type", "memory")
	v.SetDefault("broker.wake.channel", "noetl:wake")
	v.SetDefault("worker.batch", 4)
	v.SetDefault("worker.visibility", "30s")
	v.SetDefault("worker.timeout", "1m")
	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("secrets.type", "env")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// expandEnv resolves a ${VAR} reference against the environment; any other
// value passes through unchanged.
func expandEnv(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		if resolved := os.Getenv(value[2 : len(value)-1]); resolved != "" {
			return resolved
		}
	}
	return value
}

// Duration parses a configured duration with a fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
