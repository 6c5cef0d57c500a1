// Package tests holds end-to-end tests that drive the HTTP surface.
package tests

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/signalix/identity/internal/config"
)

// TestConfig returns a valid configuration on in-memory backends. A non-empty
// databaseURL switches the store to postgres.
func TestConfig(databaseURL string) *config.Config {
	cfg := &config.Config{
		Env:      "test",
		LogLevel: "debug",
		HTTP:     config.HTTP{Port: "0", IPRequestLimit: 100, IPWindow: 10 * time.Minute},
		Database: config.Database{Driver: config.DriverMemory},
		Redis:    config.Redis{Driver: config.DriverMemory},
		Kafka:    config.Kafka{Driver: config.DriverLog},
		OTP: config.OTP{
			Pepper:          "test-pepper",
			CodeLength:      6,
			TTL:             5 * time.Minute,
			MaxAttempts:     5,
			RequestLimit:    3,
			RequestWindow:   10 * time.Minute,
			ResendCooldown:  time.Minute,
			DispatchTimeout: time.Second,
		},
		Token:  config.Token{AccessTTL: 15 * time.Minute, RefreshTTL: 7 * 24 * time.Hour},
		Signup: config.Signup{StateTTL: 30 * time.Minute, BcryptCost: 4},
		Jobs: config.Jobs{
			ChallengeCleanup: "@every 5m",
			SessionCleanup:   "@every 15m",
			SignupCleanup:    "@every 5m",
		},
	}
	if databaseURL != "" {
		cfg.Database = config.Database{Driver: config.DriverPostgres, URL: databaseURL}
	}
	return cfg
}

// TruncateIdentityTables truncates every identity table for a clean test state.
func TruncateIdentityTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		"TRUNCATE TABLE signup_states, sessions, verification_challenges, signing_secrets, users CASCADE")
	if err != nil {
		return fmt.Errorf("truncate identity tables: %w", err)
	}
	return nil
}
