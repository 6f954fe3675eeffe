package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser     string
	DBPass     string
	DBHost     string
	DBPort     string
	DBName     string
	SSLMode    string
	RedisHost  string
	RedisPort  string
	NatsHost   string
	NatsPort   string
	ApiPort    string
	ApiEnabled string

	// Pipeline tuning. The defaults match what the legacy backend shipped
	// with, but none of them is a correctness requirement.
	LockLeaseSeconds   int
	LockNameMaxLen     int
	DupWindowSeconds   int
	IdemPollAttempts   int
	IdemPollIntervalMS int
}

// New loads and validates configuration from environment variables.
// HTTP server is optional: if CLINIKA_API_ENABLED != "true", ApiAddr() returns
// an error and the HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:             os.Getenv("CLINIKA_POSTGRES_USER"),
		DBPass:             os.Getenv("CLINIKA_POSTGRES_PASSWORD"),
		DBHost:             os.Getenv("CLINIKA_POSTGRES_HOST"),
		DBPort:             os.Getenv("CLINIKA_POSTGRES_PORT"),
		DBName:             os.Getenv("CLINIKA_POSTGRES_DB"),
		SSLMode:            os.Getenv("CLINIKA_POSTGRES_SSLMODE"),
		RedisHost:          os.Getenv("CLINIKA_REDIS_HOST"),
		RedisPort:          os.Getenv("CLINIKA_REDIS_PORT"),
		NatsHost:           os.Getenv("CLINIKA_NATS_HOST"),
		NatsPort:           os.Getenv("CLINIKA_NATS_PORT"),
		ApiPort:            os.Getenv("CLINIKA_API_PORT"),
		ApiEnabled:         os.Getenv("CLINIKA_API_ENABLED"),
		LockLeaseSeconds:   getEnvInt("CLINIKA_LOCK_LEASE_SECONDS", 5),
		LockNameMaxLen:     getEnvInt("CLINIKA_LOCK_NAME_MAX_LEN", 64),
		DupWindowSeconds:   getEnvInt("CLINIKA_DUP_WINDOW_SECONDS", 10),
		IdemPollAttempts:   getEnvInt("CLINIKA_IDEM_POLL_ATTEMPTS", 8),
		IdemPollIntervalMS: getEnvInt("CLINIKA_IDEM_POLL_INTERVAL_MS", 200),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: CLINIKA_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis (advisory locks)
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: CLINIKA_REDIS_HOST/PORT")
	}

	// Required: nats (mirror channel + confirm commands)
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: CLINIKA_NATS_HOST/PORT")
	}

	if cfg.LockLeaseSeconds < 1 || cfg.DupWindowSeconds < 1 || cfg.IdemPollAttempts < 1 || cfg.IdemPollIntervalMS < 1 {
		return nil, fmt.Errorf("pipeline tunables must be positive")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if CLINIKA_API_ENABLED != "true" — callers should skip
// starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("CLINIKA_API_PORT is required when CLINIKA_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (CLINIKA_API_ENABLED != true)")
}

func (c *Config) LockLease() time.Duration {
	return time.Duration(c.LockLeaseSeconds) * time.Second
}

func (c *Config) DupWindow() time.Duration {
	return time.Duration(c.DupWindowSeconds) * time.Second
}

func (c *Config) IdemPollInterval() time.Duration {
	return time.Duration(c.IdemPollIntervalMS) * time.Millisecond
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}
