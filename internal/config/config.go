// Package config validates process environment configuration for the
// signaling relay. Validation runs once at startup; a missing required
// variable is a StartupMisconfiguration and the process refuses to start.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	// TURNSecret signs TURN long-term credentials (required).
	TURNSecret string

	// AllowedOrigin, when non-empty, is the only Origin header value the
	// admission controller will accept on a WebSocket upgrade. Empty means
	// no origin allow-list is configured (see DESIGN.md for the decided
	// open question on absent Origin headers).
	AllowedOrigin string

	// BindAddr is the dual-stack wildcard address the public surface
	// listens on.
	BindAddr string

	// ClientDir is an optional sibling directory of a static client
	// bundle served at "/". Empty disables static file serving.
	ClientDir string
}

// Load reads and validates the process environment. It does not read a
// .env file itself — that is a development-only collaborator loaded by
// cmd/signal before Load is called.
func Load() (*Config, error) {
	var problems []string

	cfg := &Config{
		TURNSecret:    os.Getenv("TURN_SECRET"),
		AllowedOrigin: os.Getenv("ALLOWED_ORIGIN"),
		BindAddr:      getEnvOrDefault("BIND_ADDR", ":9090"),
		ClientDir:     os.Getenv("CLIENT_DIR"),
	}

	if cfg.TURNSecret == "" {
		problems = append(problems, "TURN_SECRET is required")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}

	return cfg, nil
}

// RedactedSecret returns the TURN secret with everything but a short
// prefix hidden, safe to put in a log line.
func (c *Config) RedactedSecret() string {
	return redact(c.TURNSecret)
}

func redact(secret string) string {
	if len(secret) <= 4 {
		return "***"
	}
	return secret[:4] + "***"
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
