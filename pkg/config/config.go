package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the persistence engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:""`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration
	Database DatabaseConfig `yaml:"database"`

	// Connection pool configuration
	Pool PoolConfig `yaml:"pool"`
}

// DatabaseConfig holds database connection configuration. Dialect selects
// the driver adapter ("postgres" or "sqlserver").
type DatabaseConfig struct {
	Dialect  string `yaml:"dialect" env:"DB_DIALECT" env-default:"postgres"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"DB_USER" env-default:"meridian"`
	Password string `yaml:"-" env:"DB_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"DB_DATABASE" env-default:"meridian"`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSLMODE" env-default:"disable"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	// MaxConns is the maximum number of open connections, leased plus idle.
	MaxConns int `yaml:"max_conns" env:"POOL_MAX_CONNS" env-default:"10"`
	// AcquireTimeout bounds how long Acquire blocks before failing with
	// a pool-exhausted error.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"POOL_ACQUIRE_TIMEOUT" env-default:"30s"`
	// MaxConnAge is the recycle age: idle connections older than this are
	// closed and replaced on the next acquisition. Zero disables recycling.
	MaxConnAge time.Duration `yaml:"max_conn_age" env:"POOL_MAX_CONN_AGE" env-default:"30m"`
	// LivenessCheck enables a ping before handing out a connection.
	LivenessCheck bool `yaml:"liveness_check" env:"POOL_LIVENESS_CHECK" env-default:"true"`
	// LivenessRetries bounds how many replacement dials a failed liveness
	// check may trigger before Acquire gives up.
	LivenessRetries int `yaml:"liveness_retries" env:"POOL_LIVENESS_RETRIES" env-default:"2"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The YAML file is optional; when absent, configuration comes
// from environment variables and defaults alone. The version parameter is
// injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validate enforces cross-field constraints cleanenv cannot express.
func (c *Config) validate() error {
	if c.Database.Dialect != "postgres" && c.Database.Dialect != "sqlserver" {
		return fmt.Errorf("unsupported dialect %q (expected postgres or sqlserver)", c.Database.Dialect)
	}
	if c.Pool.MaxConns < 1 {
		return fmt.Errorf("pool max_conns must be at least 1, got %d", c.Pool.MaxConns)
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool acquire_timeout must be positive, got %s", c.Pool.AcquireTimeout)
	}
	if c.Pool.LivenessRetries < 0 {
		return fmt.Errorf("pool liveness_retries must not be negative, got %d", c.Pool.LivenessRetries)
	}
	return nil
}

// ConnectionString returns a driver DSN for the configured dialect.
func (c *DatabaseConfig) ConnectionString() string {
	switch c.Dialect {
	case "sqlserver":
		u := &url.URL{
			Scheme: "sqlserver",
			User:   url.UserPassword(c.User, c.Password),
			Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		}
		q := u.Query()
		q.Set("database", c.Database)
		u.RawQuery = q.Encode()
		return u.String()
	default:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
		)
	}
}
