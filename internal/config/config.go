package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven knob the core and its boot
// glue read at process start.
type Config struct {
	Environment string `env:"ENVIRONMENT"`
	Port        string `env:"PORT"`
	LogLevel    string `env:"LOG_LEVEL"`

	// PublicAddress is emitted in RoomCache entries for client
	// reconnects to route back to the correct process.
	PublicAddress string `env:"PUBLIC_ADDRESS"`
	DevMode       bool   `env:"DEV_MODE"`
	// GracefullyShutdown, when false, skips the matchmaker's room drain
	// on signal; the HTTP server and Presence are still shut down.
	GracefullyShutdown bool `env:"GRACEFULLY_SHUTDOWN"`

	// PresenceBackend and DriverBackend select "local" or "redis".
	PresenceBackend string `env:"PRESENCE_BACKEND"`
	DriverBackend   string `env:"DRIVER_BACKEND"`
	RedisURL        string `env:"REDIS_URL"`
	RedisPassword   string `env:"REDIS_PASSWORD,secret"`

	AuditDatabaseURL string `env:"AUDIT_DATABASE_URL,secret"`

	IpcShortTimeout time.Duration `env:"IPC_SHORT_TIMEOUT"`
	IpcLongTimeout  time.Duration `env:"IPC_LONG_TIMEOUT"`

	PatchRateMS               int           `env:"PATCH_RATE_MS"`
	SeatReservationTimeSecs   int           `env:"SEAT_RESERVATION_TIME_SECS"`
	ReconnectionGraceDefault  time.Duration `env:"RECONNECTION_GRACE_DEFAULT"`
	ConcurrencyCreateWaitTime time.Duration `env:"CONCURRENCY_CREATE_WAIT_TIME"`

	AuthTokenSecret string `env:"AUTH_TOKEN_SECRET,secret"`
}

// Load loads configuration from environment variables, falling back to
// defaults suited to a single-process local run.
func Load() *Config {
	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		PublicAddress:      getEnv("PUBLIC_ADDRESS", ""),
		DevMode:            getEnvAsBool("DEV_MODE", true),
		GracefullyShutdown: getEnvAsBool("GRACEFULLY_SHUTDOWN", true),

		PresenceBackend: getEnv("PRESENCE_BACKEND", "local"),
		DriverBackend:   getEnv("DRIVER_BACKEND", "local"),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),

		AuditDatabaseURL: getEnv("AUDIT_DATABASE_URL", ""),

		IpcShortTimeout: getEnvAsDuration("IPC_SHORT_TIMEOUT", time.Second),
		IpcLongTimeout:  getEnvAsDuration("IPC_LONG_TIMEOUT", 5*time.Second),

		PatchRateMS:               getEnvAsInt("PATCH_RATE_MS", 50),
		SeatReservationTimeSecs:   getEnvAsInt("SEAT_RESERVATION_TIME_SECS", 15),
		ReconnectionGraceDefault:  getEnvAsDuration("RECONNECTION_GRACE_DEFAULT", 10*time.Second),
		ConcurrencyCreateWaitTime: getEnvAsDuration("CONCURRENCY_CREATE_WAIT_TIME", 5*time.Second),

		AuthTokenSecret: getEnv("AUTH_TOKEN_SECRET", "dev-secret-change-me"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
