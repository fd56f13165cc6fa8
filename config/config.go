// Package config loads service configuration from TOOLLEDGER_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App    AppConfig
	Store  StoreConfig
	Lock   LockConfig
	Ledger LedgerConfig
	HTTP   HTTPConfig
}

type AppConfig struct {
	Env       string `envconfig:"TOOLLEDGER_APP_ENV" default:"dev"`
	Port      string `envconfig:"TOOLLEDGER_APP_PORT" default:"8080"`
	LogLevel  string `envconfig:"TOOLLEDGER_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"TOOLLEDGER_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev) || strings.EqualFold(a.Env, "development")
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type StoreConfig struct {
	Driver           string        `envconfig:"TOOLLEDGER_STORE_DRIVER" default:"sqlite"`
	SQLitePath       string        `envconfig:"TOOLLEDGER_SQLITE_PATH" default:"./data/ledger.db"`
	PostgresDSN      string        `envconfig:"TOOLLEDGER_POSTGRES_DSN"`
	PostgresMaxConns int32         `envconfig:"TOOLLEDGER_POSTGRES_MAX_CONNS" default:"10"`
	PostgresLifetime time.Duration `envconfig:"TOOLLEDGER_POSTGRES_CONN_MAX_LIFETIME" default:"1h"`
}

type LockConfig struct {
	// RedisURL enables the distributed guard. Empty means in-process only.
	RedisURL string        `envconfig:"TOOLLEDGER_REDIS_URL"`
	TTL      time.Duration `envconfig:"TOOLLEDGER_LOCK_TTL" default:"30s"`
	Wait     time.Duration `envconfig:"TOOLLEDGER_LOCK_WAIT" default:"5s"`
}

type LedgerConfig struct {
	ProvisionalPrefix string `envconfig:"TOOLLEDGER_PROVISIONAL_PREFIX" default:"pv"`
}

type HTTPConfig struct {
	CORSOrigins     []string      `envconfig:"TOOLLEDGER_CORS_ORIGINS" default:"*"`
	ShutdownTimeout time.Duration `envconfig:"TOOLLEDGER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// Load reads a .env file if one exists, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver-specific requirements.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Store.Driver) {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("%s is required for the sqlite driver", EnvSQLitePath))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("%s is required for the postgres driver", EnvPostgresDSN))
		}
	default:
		errs = append(errs, fmt.Errorf("%s must be one of memory, sqlite, postgres; got %q", EnvStoreDriver, c.Store.Driver))
	}

	if strings.TrimSpace(c.Ledger.ProvisionalPrefix) == "" {
		errs = append(errs, fmt.Errorf("%s must not be blank", EnvProvisionalPrefix))
	}
	if c.Lock.Wait <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvLockWait))
	}
	if c.Lock.RedisURL != "" && c.Lock.TTL <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvLockTTL))
	}
	if f := strings.ToLower(c.App.LogFormat); f != "json" && f != "console" {
		errs = append(errs, fmt.Errorf("%s must be json or console; got %q", EnvLogFmt, c.App.LogFormat))
	}

	return errors.Join(errs...)
}
