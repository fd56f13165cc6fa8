package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, AppEnvDev, cfg.App.Env)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "pv", cfg.Ledger.ProvisionalPrefix)
	assert.Equal(t, 5*time.Second, cfg.Lock.Wait)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSOrigins)
	assert.True(t, cfg.App.IsDev())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv(EnvAppEnv, "production")
	t.Setenv(EnvStoreDriver, DriverPostgres)
	t.Setenv(EnvPostgresDSN, "postgres://ledger@localhost/ledger")
	t.Setenv(EnvPostgresMax, "4")
	t.Setenv(EnvRedisURL, "redis://localhost:6379/0")
	t.Setenv(EnvLockWait, "250ms")
	t.Setenv(EnvProvisionalPrefix, "PROV")
	t.Setenv(EnvCORSOrigins, "http://a.test,http://b.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.App.IsProd())
	assert.Equal(t, int32(4), cfg.Store.PostgresMaxConns)
	assert.Equal(t, 250*time.Millisecond, cfg.Lock.Wait)
	assert.Equal(t, "PROV", cfg.Ledger.ProvisionalPrefix)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.HTTP.CORSOrigins)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			App:    AppConfig{Env: AppEnvDev, LogFormat: "json"},
			Store:  StoreConfig{Driver: DriverMemory},
			Lock:   LockConfig{Wait: time.Second, TTL: time.Second},
			Ledger: LedgerConfig{ProvisionalPrefix: "pv"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, EnvStoreDriver},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, EnvPostgresDSN},
		{"sqlite without path", func(c *Config) { c.Store.Driver = DriverSQLite }, EnvSQLitePath},
		{"blank prefix", func(c *Config) { c.Ledger.ProvisionalPrefix = " " }, EnvProvisionalPrefix},
		{"zero wait", func(c *Config) { c.Lock.Wait = 0 }, EnvLockWait},
		{"redis without ttl", func(c *Config) { c.Lock.RedisURL = "redis://x"; c.Lock.TTL = 0 }, EnvLockTTL},
		{"bad log format", func(c *Config) { c.App.LogFormat = "xml" }, EnvLogFmt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
