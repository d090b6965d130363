// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds runtime configuration for the server, worker and CLI.
type Config struct {
	AppEnv          string        `envconfig:"APP_ENV" default:"development"`
	AppAddr         string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout  time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	DBDriver   string `envconfig:"DB_DRIVER" default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"allocation.db"`
	PGDSN      string `envconfig:"PG_DSN"`

	// RedisAddr enables the shared schedule lock and asynq verification
	// jobs. Empty means single process.
	RedisAddr string        `envconfig:"REDIS_ADDR"`
	LockTTL   time.Duration `envconfig:"LOCK_TTL" default:"30s"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"5"`

	AuditInterval      time.Duration `envconfig:"AUDIT_INTERVAL" default:"1h"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600"`
	CORSOrigins        []string      `envconfig:"CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	c.DBDriver = strings.ToLower(c.DBDriver)
	if c.DBDriver == "" {
		c.DBDriver = DriverSQLite
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must be set for DB_DRIVER=%s", c.DBDriver)
		}
	case DriverPostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("PG_DSN must be set for DB_DRIVER=%s", c.DBDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want sqlite, postgres or memory)", c.DBDriver)
	}
	if c.AuditInterval < 0 {
		return errors.New("AUDIT_INTERVAL must not be negative")
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 5
	}
	if c.RateLimitPerMinute < 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// UsesRedis reports whether a Redis address is configured.
func (c *Config) UsesRedis() bool {
	return c != nil && c.RedisAddr != ""
}
