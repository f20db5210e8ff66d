// Package config loads server settings from SEJEM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the server settings. Command-line flags in cmd/sejem
// override the address, paths and admin name.
type Config struct {
	DBPath    string `env:"SEJEM_DB" envDefault:"sejem.sqlite3"`
	Addr      string `env:"SEJEM_ADDR" envDefault:":8080"`
	AdminUser string `env:"SEJEM_ADMIN_USER" envDefault:"Admin"`
	LogPath   string `env:"SEJEM_LOG"`

	// ConfirmTimeout bounds payment plus confirmation of one checkout.
	ConfirmTimeout time.Duration `env:"SEJEM_CONFIRM_TIMEOUT" envDefault:"10s"`
	// ReservationTTL is how long an order may stay pending before the
	// sweeper cancels it and releases its items.
	ReservationTTL time.Duration `env:"SEJEM_RESERVATION_TTL" envDefault:"15m"`
	SweepInterval  time.Duration `env:"SEJEM_SWEEP_INTERVAL" envDefault:"1m"`
	CardLatency    time.Duration `env:"SEJEM_CARD_LATENCY" envDefault:"250ms"`

	SellerPoints int64 `env:"SEJEM_SELLER_POINTS" envDefault:"10"`
	BuyerPoints  int64 `env:"SEJEM_BUYER_POINTS" envDefault:"5"`

	OtelEndpoint string `env:"SEJEM_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("SEJEM_CONFIRM_TIMEOUT must be positive"))
	}
	if c.ReservationTTL <= c.ConfirmTimeout {
		errs = append(errs, errors.New("SEJEM_RESERVATION_TTL must exceed SEJEM_CONFIRM_TIMEOUT"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SEJEM_SWEEP_INTERVAL must be positive"))
	}
	if c.CardLatency < 0 {
		errs = append(errs, errors.New("SEJEM_CARD_LATENCY must not be negative"))
	}
	if c.SellerPoints < 0 || c.BuyerPoints < 0 {
		errs = append(errs, errors.New("loyalty rewards must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
