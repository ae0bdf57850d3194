// Package config loads the gateway process's own configuration: node
// folder paths, listen addresses, the Postgres DSN, and the metrics
// toggle. It follows the same layered-loader shape as the rest of
// this codebase's services: defaults, then an optional YAML file,
// then environment variable overrides, highest priority last.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the gateway process's full runtime configuration.
type Config struct {
	Environment string          `yaml:"environment"`
	NodeDir     string          `yaml:"node_dir"`
	Collector   CollectorConfig `yaml:"collector"`
	Courier     CourierConfig   `yaml:"courier"`
	Postgres    PostgresConfig  `yaml:"postgres"`
	Logging     LoggingConfig   `yaml:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics"`
}

// CollectorConfig configures the parcel collection server (C5).
type CollectorConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// CourierConfig configures the courier sync driver (C8).
type CourierConfig struct {
	Port                   int           `yaml:"port"`
	CheckTimeout           time.Duration `yaml:"check_timeout"`
	CheckRetryInterval     time.Duration `yaml:"check_retry_interval"`
	DelayCollectionDeliver time.Duration `yaml:"delay_collection_deliver"`
}

// PostgresConfig configures the pgx-backed store implementations.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig toggles and addresses the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoaderOptions configures Load.
type LoaderOptions struct {
	// ConfigPath is the YAML config file to read, if present.
	// A missing file is not an error; defaults apply instead.
	ConfigPath string
	// EnvFile is an optional .env file loaded before overrides are
	// read from the process environment (local/dev convenience).
	EnvFile string
	// SkipEnvOverrides disables GATEWAY_* environment overrides,
	// for tests that want a config frozen at file/defaults level.
	SkipEnvOverrides bool
}

// DefaultLoaderOptions returns the defaults used by Load when no
// options are given.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		ConfigPath: "config/gateway.yaml",
		EnvFile:    ".env",
	}
}

func defaults() *Config {
	return &Config{
		Environment: "development",
		NodeDir:     ".gateway",
		Collector: CollectorConfig{
			ListenAddr: ":9000",
		},
		Courier: CourierConfig{
			Port:                   21473,
			CheckTimeout:           3 * time.Second,
			CheckRetryInterval:     500 * time.Millisecond,
			DelayCollectionDeliver: 5 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "gateway",
			Database: "gateway",
			SSLMode:  "disable",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment variable overrides, in that order of increasing
// priority.
func Load(opts ...LoaderOptions) (*Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	cfg := defaults()

	if options.EnvFile != "" {
		// A missing .env file is expected outside local/dev runs.
		_ = godotenv.Load(options.EnvFile)
	}

	if options.ConfigPath != "" {
		if data, err := os.ReadFile(options.ConfigPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", options.ConfigPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", options.ConfigPath, err)
		}
	}

	if !options.SkipEnvOverrides {
		applyEnvOverrides(cfg)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_NODE_DIR"); v != "" {
		cfg.NodeDir = v
	}
	if v := os.Getenv("GATEWAY_COLLECTOR_LISTEN_ADDR"); v != "" {
		cfg.Collector.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("GATEWAY_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("GATEWAY_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("GATEWAY_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_METRICS_ENABLED"); v == "true" {
		cfg.Metrics.Enabled = true
	} else if v == "false" {
		cfg.Metrics.Enabled = false
	}
}

// ConnString builds the pgx connection string for this config's
// Postgres section.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}
