package devserver

import (
	"os"
	"strconv"
	"time"
)

// Config holds the dev server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	// APIToken, when set, is required as a Bearer token on record routes.
	APIToken string

	// Fault injection for exercising clients against a flaky network.
	FailRate float64       // fraction of record requests answered 503, 0..1
	Latency  time.Duration // added before every record request

	RateLimit    int // record requests per client per minute; 0 disables
	MaxBodyBytes int64
}

// LoadConfig reads configuration from FIELDSYNC_DEV_* environment variables
// with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		DBPath:          "./data/devserver.db",
		ShutdownTimeout: 10 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		MaxBodyBytes:    1 << 20,
	}

	if v := os.Getenv("FIELDSYNC_DEV_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FIELDSYNC_DEV_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FIELDSYNC_DEV_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("FIELDSYNC_DEV_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FIELDSYNC_DEV_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.APIToken = os.Getenv("FIELDSYNC_DEV_API_TOKEN")

	if v := os.Getenv("FIELDSYNC_DEV_FAIL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.FailRate = f
		}
	}
	if v := os.Getenv("FIELDSYNC_DEV_LATENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Latency = d
		}
	}
	if v := os.Getenv("FIELDSYNC_DEV_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RateLimit = n
		}
	}
	if v := os.Getenv("FIELDSYNC_DEV_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}

	return cfg
}
