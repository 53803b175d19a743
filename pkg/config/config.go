package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/oversight/pkg/archive"
)

// Config holds process configuration.
type Config struct {
	LogLevel    string
	StoreDriver string
	DatabaseURL string
	PolicyFile  string

	AuthzTimeout         time.Duration
	PendingCommitTimeout time.Duration
	SweepInterval        time.Duration

	SubmitRPS   float64
	SubmitBurst int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool

	Archive archive.Config
}

// Load loads configuration from environment variables. Malformed values
// fall back to their defaults with a warning.
func Load() *Config {
	return &Config{
		LogLevel:    strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		StoreDriver: envOr("STORE_DRIVER", "sqlite"),
		DatabaseURL: envOr("DATABASE_URL", "file:oversight.db"),
		PolicyFile:  os.Getenv("POLICY_FILE"),

		AuthzTimeout:         envDuration("AUTHZ_TIMEOUT", 0),
		PendingCommitTimeout: envDuration("PENDING_COMMIT_TIMEOUT", 10*time.Minute),
		SweepInterval:        envDuration("SWEEP_INTERVAL", 30*time.Second),

		SubmitRPS:   envFloat("SUBMIT_RPS", 0),
		SubmitBurst: envInt("SUBMIT_BURST", 10),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: envOr("OTEL_ENDPOINT", "localhost:4317"),
		OTelInsecure: os.Getenv("OTEL_INSECURE") == "true",

		Archive: archive.Config{
			Type:       archive.StoreType(envOr("ARCHIVE_STORAGE_TYPE", string(archive.StoreTypeFS))),
			DataDir:    envOr("DATA_DIR", "data"),
			S3Bucket:   os.Getenv("ARCHIVE_S3_BUCKET"),
			S3Region:   envOr("ARCHIVE_S3_REGION", os.Getenv("AWS_REGION")),
			S3Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
			S3Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
			GCSBucket:  os.Getenv("ARCHIVE_GCS_BUCKET"),
			GCSPrefix:  os.Getenv("ARCHIVE_GCS_PREFIX"),
		},
	}
}

// SlogLevel maps LogLevel to a slog level; unknown names mean INFO.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		slog.Warn("invalid number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}
