package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// DevelopmentSecret signs admin tokens when ENVIRONMENT is development and
// ADMIN_TOKEN_SECRET is unset. It is never used in any other environment.
const DevelopmentSecret = "dev-only-insecure-secret"

// ErrMissingSecret is returned by Validate when no token secret is set
// outside development.
var ErrMissingSecret = errors.New("ADMIN_TOKEN_SECRET is required outside development")

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	// DatabaseDriver is "postgres" or "sqlite". LITE_MODE forces sqlite.
	DatabaseDriver string
	RedisAddr      string

	// AdminTokenSecret signs admin capability tokens.
	AdminTokenSecret string
	AdminTokenTTL    time.Duration

	// RulesFile optionally points at a YAML document with CEL policy rules.
	RulesFile string

	OTLPEndpoint   string
	ServiceVersion string
	Environment    string

	// Per-caller request rate limit.
	RateLimit float64
	RateBurst int
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := strings.ToLower(os.Getenv("DATABASE_DRIVER"))
	if driver == "" {
		driver = "postgres"
	}
	if os.Getenv("LITE_MODE") == "true" {
		driver = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		if driver == "sqlite" {
			dbURL = "file:treasury.db?_pragma=busy_timeout(5000)"
		} else {
			// Default to local generic postgres
			dbURL = "postgres://treasury@localhost:5432/treasury?sslmode=disable"
		}
	}

	version := os.Getenv("SERVICE_VERSION")
	if version == "" {
		version = "0.1.0"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	secret := os.Getenv("ADMIN_TOKEN_SECRET")
	if secret == "" && env == "development" {
		secret = DevelopmentSecret
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseURL:      dbURL,
		DatabaseDriver:   driver,
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		AdminTokenSecret: secret,
		AdminTokenTTL:    durationEnv("ADMIN_TOKEN_TTL", 24*time.Hour),
		RulesFile:        os.Getenv("RULES_FILE"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceVersion:   version,
		Environment:      env,
		RateLimit:        floatEnv("RATE_LIMIT_RPS", 20),
		RateBurst:        intEnv("RATE_LIMIT_BURST", 40),
	}
}

// Validate reports configuration the server must not start with.
func (c *Config) Validate() error {
	if c.AdminTokenSecret == "" {
		return ErrMissingSecret
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func floatEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
