package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.JWT.Secret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 characters")
	}

	switch c.Credits.Store {
	case StorePostgres:
		if c.DB.Password == "" {
			errs = append(errs, "DB_PASSWORD is required")
		}
	case StoreMemory:
		slog.Warn("CREDITS_STORE=memory: credit balances are not persisted across restarts")
	default:
		errs = append(errs, fmt.Sprintf("CREDITS_STORE must be postgres or memory, got %q", c.Credits.Store))
	}

	if c.Credits.DefaultLimit < 1 {
		errs = append(errs, fmt.Sprintf("CREDITS_DEFAULT_LIMIT must be positive, got %d", c.Credits.DefaultLimit))
	}
	if c.Credits.BurstPerMinute < 1 {
		errs = append(errs, fmt.Sprintf("CREDITS_BURST_PER_MINUTE must be positive, got %d", c.Credits.BurstPerMinute))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Webhook secret: warn only, the endpoint refuses every event without it
	if c.Stripe.WebhookSecret == "" {
		slog.Warn("STRIPE_WEBHOOK_SECRET is empty, subscription sync webhook is disabled")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
