package config

import (
	"fmt"
	"os"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	GatewayURL  string
	AMQPURL     string
	DevMode     bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port: "8080", // default port
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		return nil, fmt.Errorf("GATEWAY_URL environment variable is required")
	}
	cfg.GatewayURL = gatewayURL

	// AMQP_URL is optional; without it delivery notifications are logged only.
	cfg.AMQPURL = os.Getenv("AMQP_URL")

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	return cfg, nil
}
