package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" (default) or "pretty" for dev terminals

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// TokenSecret signs/verifies the bearer tokens the auth collaborator
	// issues. Required (>= 32 bytes); the process refuses to start without it.
	TokenSecret string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COURTSIDE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURTSIDE_LOG_LEVEL", "info"),
		LogFormat: EnvString("COURTSIDE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("COURTSIDE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("COURTSIDE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("COURTSIDE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("COURTSIDE_DATABASE_URL", ""),
		DBSchema:    EnvString("COURTSIDE_DB_SCHEMA", "courtside"),
		DBMaxConns:  EnvInt32("COURTSIDE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COURTSIDE_DB_MIN_CONNS", 0),

		TokenSecret: EnvString("COURTSIDE_TOKEN_SECRET", ""),

		ReadinessRequireDB: EnvBool("COURTSIDE_READINESS_REQUIRE_DB", false),

		MetricsEnabled: EnvBool("COURTSIDE_METRICS_ENABLED", true),
	}
}
