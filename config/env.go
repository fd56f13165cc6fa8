package config

const EnvPrefix = "TOOLLEDGER"

const (
	EnvAppEnv   = "TOOLLEDGER_APP_ENV"
	EnvPort     = "TOOLLEDGER_APP_PORT"
	EnvLogLevel = "TOOLLEDGER_LOG_LEVEL"
	EnvLogFmt   = "TOOLLEDGER_LOG_FORMAT"

	EnvStoreDriver = "TOOLLEDGER_STORE_DRIVER"
	EnvSQLitePath  = "TOOLLEDGER_SQLITE_PATH"
	EnvPostgresDSN = "TOOLLEDGER_POSTGRES_DSN"
	EnvPostgresMax = "TOOLLEDGER_POSTGRES_MAX_CONNS"

	EnvRedisURL = "TOOLLEDGER_REDIS_URL"
	EnvLockTTL  = "TOOLLEDGER_LOCK_TTL"
	EnvLockWait = "TOOLLEDGER_LOCK_WAIT"

	EnvProvisionalPrefix = "TOOLLEDGER_PROVISIONAL_PREFIX"
	EnvCORSOrigins       = "TOOLLEDGER_CORS_ORIGINS"
)

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
