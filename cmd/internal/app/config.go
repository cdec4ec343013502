package app

import (
	"time"

	"pairhub/cmd/identity"
	"pairhub/cmd/internal/auth/session"
	"pairhub/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	RunMigrations bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	SystemInfoInterval   time.Duration
	BroadcastConcurrency int

	// DevSeedUIDs are created in the in-memory store at startup. Ignored with a DB.
	DevSeedUIDs []string
	// DevSeedCount adds that many generated UIDs to DevSeedUIDs.
	DevSeedCount int

	Gateway realtime.GatewayConfig
	Auth    session.Config
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	auth, err := session.LoadConfigFromEnv()
	if err != nil {
		return Config{}, err
	}

	gw := realtime.DefaultGatewayConfig()
	gw.DevInsecure = EnvBool("PAIRHUB_WS_DEV_INSECURE", gw.DevInsecure)
	gw.OriginRequired = EnvBool("PAIRHUB_WS_ORIGIN_REQUIRED", gw.OriginRequired)
	gw.AllowedOrigins = EnvCSV("PAIRHUB_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1")
	gw.RequireAuth = EnvBool("PAIRHUB_WS_REQUIRE_AUTH", gw.RequireAuth)
	gw.WriteTimeout = EnvDuration("PAIRHUB_WS_WRITE_TIMEOUT", gw.WriteTimeout)
	gw.ReadIdleTimeout = EnvDuration("PAIRHUB_WS_READ_IDLE_TIMEOUT", gw.ReadIdleTimeout)
	gw.SendQueueSize = EnvInt("PAIRHUB_WS_SEND_QUEUE", gw.SendQueueSize)
	gw.HeartbeatEvery = EnvDuration("PAIRHUB_WS_PING_INTERVAL", gw.HeartbeatEvery)
	gw.HeartbeatTimeout = EnvDuration("PAIRHUB_WS_PING_TIMEOUT", gw.HeartbeatTimeout)
	gw.RateEvents = EnvInt("PAIRHUB_WS_RATE_EVENTS", gw.RateEvents)
	gw.RateWindow = EnvDuration("PAIRHUB_WS_RATE_WINDOW", gw.RateWindow)

	return Config{
		HTTPAddr:  EnvString("PAIRHUB_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PAIRHUB_LOG_LEVEL", "info"),
		LogFormat: EnvString("PAIRHUB_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PAIRHUB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PAIRHUB_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PAIRHUB_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PAIRHUB_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PAIRHUB_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("PAIRHUB_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("PAIRHUB_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("PAIRHUB_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("PAIRHUB_DB_SCHEMA", identity.DefaultSchema),
		RunMigrations: EnvBool("PAIRHUB_DB_MIGRATE", true),

		ReadinessRequireDB: EnvBool("PAIRHUB_READINESS_REQUIRE_DB", false),

		SystemInfoInterval:   EnvDuration("PAIRHUB_SYSINFO_INTERVAL", 60*time.Second),
		BroadcastConcurrency: EnvInt("PAIRHUB_BROADCAST_CONCURRENCY", 32),

		DevSeedUIDs:  EnvCSV("PAIRHUB_DEV_SEED_UIDS", ""),
		DevSeedCount: EnvInt("PAIRHUB_DEV_SEED_COUNT", 0),

		Gateway: gw,
		Auth:    auth,
	}, nil
}
