package app

import "time"

// Config is the process-level configuration loaded from BEACON_* environment
// variables. Push protocol tuning lives in realtime.Config.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// Empty selects the in-memory offline store.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// PushConfigPath is an optional YAML file with realtime settings.
	PushConfigPath string

	// NotifyAPIKey guards /v1/*. Empty disables the collaborator API.
	NotifyAPIKey string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("BEACON_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("BEACON_LOG_LEVEL", "info"),
		LogFormat: EnvString("BEACON_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("BEACON_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BEACON_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("BEACON_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BEACON_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("BEACON_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("BEACON_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: EnvString("BEACON_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("BEACON_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("BEACON_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("BEACON_DB_SCHEMA", "beacon"),

		ReadinessRequireDB: EnvBool("BEACON_READINESS_REQUIRE_DB", false),

		PushConfigPath: EnvString("BEACON_PUSH_CONFIG", ""),
		NotifyAPIKey:   EnvString("BEACON_NOTIFY_API_KEY", ""),
	}
}
