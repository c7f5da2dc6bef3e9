// Package config loads scheduler settings from SCHEDULER_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/example/session-scheduler/internal/recurrence"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "SCHEDULER_"

// Supported storage backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Config captures environment driven configuration values for the scheduler service.
type Config struct {
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	Store       string `env:"STORE" envDefault:"sqlite"`
	SQLiteDSN   string `env:"SQLITE_DSN" envDefault:"file:scheduler.db"`
	DatabaseURL string `env:"DATABASE_URL"`
	// RedisURL enables the shared schedule lock and cache invalidation.
	RedisURL string `env:"REDIS_URL"`

	HorizonMonths  int    `env:"HORIZON_MONTHS" envDefault:"3"`
	TimezoneOffset string `env:"TIMEZONE_OFFSET" envDefault:"-03:00"`

	AuditWorkers    int           `env:"AUDIT_WORKERS" envDefault:"1"`
	AuditInterval   time.Duration `env:"AUDIT_INTERVAL" envDefault:"0s"`
	AuditRunTimeout time.Duration `env:"AUDIT_RUN_TIMEOUT" envDefault:"10m"`
	LockTTL         time.Duration `env:"LOCK_TTL" envDefault:"2m"`
	LockWait        time.Duration `env:"LOCK_WAIT" envDefault:"0s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// Load parses configuration values from the current process environment
// and validates them.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid or missing value at once.
func (c Config) Validate() error {
	missing := make([]string, 0, 1)
	invalid := make([]string, 0, 2)

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		invalid = append(invalid, EnvPrefix+"HTTP_PORT")
	}
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLiteDSN) == "" {
			missing = append(missing, EnvPrefix+"SQLITE_DSN")
		}
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			missing = append(missing, EnvPrefix+"DATABASE_URL")
		}
	default:
		invalid = append(invalid, EnvPrefix+"STORE")
	}
	if c.HorizonMonths < 1 {
		invalid = append(invalid, EnvPrefix+"HORIZON_MONTHS")
	}
	if _, err := recurrence.ParseZone(c.TimezoneOffset); err != nil {
		invalid = append(invalid, EnvPrefix+"TIMEZONE_OFFSET")
	}
	if c.AuditWorkers < 1 {
		invalid = append(invalid, EnvPrefix+"AUDIT_WORKERS")
	}
	if c.AuditInterval < 0 {
		invalid = append(invalid, EnvPrefix+"AUDIT_INTERVAL")
	}
	if c.AuditRunTimeout <= 0 {
		invalid = append(invalid, EnvPrefix+"AUDIT_RUN_TIMEOUT")
	}
	if c.LockTTL <= 0 {
		invalid = append(invalid, EnvPrefix+"LOCK_TTL")
	}
	if c.LockWait < 0 {
		invalid = append(invalid, EnvPrefix+"LOCK_WAIT")
	}

	problems := make([]string, 0, 2)
	if len(missing) > 0 {
		problems = append(problems, "missing required environment variables: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		problems = append(problems, "invalid environment variable values: "+strings.Join(invalid, ", "))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// Location returns the clinic zone used to interpret wall-clock times.
func (c Config) Location() *time.Location {
	loc, err := recurrence.ParseZone(c.TimezoneOffset)
	if err != nil {
		return recurrence.DefaultLocation
	}
	return loc
}

// AuditEnabled reports whether the periodic audit job should run.
func (c Config) AuditEnabled() bool {
	return c.AuditInterval > 0
}
