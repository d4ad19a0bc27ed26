// Package config loads Queue-Keeper's environment-variable driven settings
// and its startup subscription document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/queue-keeper/queue-keeper/pkg/subscriptions"
)

// Config holds process-wide settings for the HTTP/queue wiring.
type Config struct {
	Port     string
	LogLevel string

	MaxBots               int
	DefaultMessageTTLSecs int
	ValidateOnStartup     bool
	LogConfiguration      bool

	SubscriptionsPath string
	SubscriptionsJSON string

	AdminJWTSecretName string
	DegradedPersistence bool
}

// Load loads configuration from environment variables, falling back to
// safe defaults so the service runs out of the box in development.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		Port:     port,
		LogLevel: logLevel,

		MaxBots:               envInt("QUEUEKEEPER_MAX_BOTS", 100),
		DefaultMessageTTLSecs: envInt("QUEUEKEEPER_DEFAULT_MESSAGE_TTL_S", 3600),
		ValidateOnStartup:     envBool("QUEUEKEEPER_VALIDATE_ON_STARTUP", true),
		LogConfiguration:      envBool("QUEUEKEEPER_LOG_CONFIGURATION", false),

		SubscriptionsPath: os.Getenv("QUEUEKEEPER_SUBSCRIPTIONS_PATH"),
		SubscriptionsJSON: os.Getenv("QUEUEKEEPER_SUBSCRIPTIONS_JSON"),

		AdminJWTSecretName:  envDefault("QUEUEKEEPER_ADMIN_JWT_SECRET_NAME", "queue-keeper-prod-admin-jwt"),
		DegradedPersistence: envBool("QUEUEKEEPER_DEGRADED_PERSISTENCE", false),
	}
}

// LoadSubscriptions reads the bot subscription document from
// SubscriptionsJSON (if set) or SubscriptionsPath: loaded
// at startup from a file or a single environment variable carrying a JSON
// document."
func (c *Config) LoadSubscriptions() ([]subscriptions.BotSubscription, error) {
	var raw []byte
	switch {
	case c.SubscriptionsJSON != "":
		raw = []byte(c.SubscriptionsJSON)
	case c.SubscriptionsPath != "":
		data, err := os.ReadFile(c.SubscriptionsPath)
		if err != nil {
			return nil, fmt.Errorf("read subscriptions file %q: %w", c.SubscriptionsPath, err)
		}
		raw = data
	default:
		return nil, fmt.Errorf("no subscription source configured: set QUEUEKEEPER_SUBSCRIPTIONS_JSON or QUEUEKEEPER_SUBSCRIPTIONS_PATH")
	}

	var subs []subscriptions.BotSubscription
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, fmt.Errorf("parse subscription document: %w", err)
	}
	return subs, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
