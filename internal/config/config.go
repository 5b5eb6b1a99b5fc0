// Package config loads the gateway's runtime configuration from environment
// variables. There is no file format or templating layer -- every setting is
// a single env var, read once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the gateway's runtime configuration.
type Config struct {
	DatabaseURL      string // required
	RedisURL         string
	AdminKey         string // required
	ListenAddr       string
	CORSOrigin       string
	LogRetentionDays int
	LogRequestBody   bool
	LogResponseBody  bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Load reads and validates configuration from the process environment.
// Required variables that are missing produce an error naming the variable;
// optional variables fall back to the defaults below.
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:         "redis://127.0.0.1:6379",
		ListenAddr:       "0.0.0.0:3000",
		CORSOrigin:       "*",
		LogRetentionDays: 7,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     120 * time.Second,
		ShutdownTimeout:  30 * time.Second,
	}

	dbURL, ok := os.LookupEnv("DATABASE_URL")
	if !ok || dbURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	cfg.DatabaseURL = dbURL

	adminKey, ok := os.LookupEnv("ADMIN_KEY")
	if !ok || adminKey == "" {
		return nil, fmt.Errorf("config: ADMIN_KEY is required")
	}
	cfg.AdminKey = adminKey

	if v, ok := os.LookupEnv("REDIS_URL"); ok && v != "" {
		cfg.RedisURL = v
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok && v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("CORS_ORIGIN"); ok && v != "" {
		cfg.CORSOrigin = v
	}
	if v, ok := os.LookupEnv("LOG_RETENTION_DAYS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: LOG_RETENTION_DAYS: %w", err)
		}
		cfg.LogRetentionDays = n
	}
	cfg.LogRequestBody = parseBoolEnv("LOG_REQUEST_BODY", false)
	cfg.LogResponseBody = parseBoolEnv("LOG_RESPONSE_BODY", false)

	return cfg, nil
}

// parseBoolEnv reads a boolean env var, accepting "true"/"1"/"yes"
// case-insensitively as true and any other non-empty value as false; an
// unset or empty variable yields def.
func parseBoolEnv(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// CORSAllowAll reports whether CORS_ORIGIN is configured as the wildcard.
func (c *Config) CORSAllowAll() bool { return c.CORSOrigin == "*" }

// CORSOrigins splits a comma-separated CORS_ORIGIN value into a trimmed list.
// Only meaningful when CORSAllowAll is false.
func (c *Config) CORSOrigins() []string {
	parts := strings.Split(c.CORSOrigin, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
