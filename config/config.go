// Package config loads workshopd's process configuration from the
// environment: env/v11 struct tags plus validator/v10 struct tags,
// nothing hand-parsed.
package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the daemon's full process configuration. One value is
// loaded at startup and passed by reference to every subsystem that
// needs it; nothing reads the environment directly outside Load.
type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	NodeName string `env:"WORKSHOP_NODE_NAME" validate:"required"`

	DatabaseURL string `env:"WORKSHOP_DATABASE_URL,required" validate:"required"`

	// AutoMigrate applies the embedded development/test schema bootstrap
	// (internal/migrations) before connecting any partition. Disable in
	// production, where the schema-migration tool owns the schema.
	AutoMigrate bool `env:"WORKSHOP_AUTO_MIGRATE" envDefault:"false"`

	// LibraryPaths is the ordered list of plan directories searched by
	// the MultiLibrary, most specific first.
	LibraryPaths []string `env:"WORKSHOP_LIBRARY_PATHS,required" envSeparator:":" validate:"required,min=1"`

	// Partitions is how many independent database-connection partitions
	// this instance runs, each owning its own WorkshopQueue.
	Partitions int `env:"WORKSHOP_PARTITIONS" envDefault:"1" validate:"min=1,max=64"`

	MaxOperators int `env:"WORKSHOP_MAX_OPERATORS" envDefault:"8" validate:"min=1,max=4096"`

	// ControlSocketPath is the unixgram path the control server binds;
	// empty disables the control surface.
	ControlSocketPath string `env:"WORKSHOP_CONTROL_SOCKET"`

	// AdminListenAddr is the gin admin API bind address.
	AdminListenAddr string `env:"WORKSHOP_ADMIN_LISTEN_ADDR" envDefault:":8080"`
	AdminJWTSecret  string `env:"WORKSHOP_ADMIN_JWT_SECRET" validate:"required_if=Env production,required_if=Env staging"`

	MetricsListenAddr string `env:"WORKSHOP_METRICS_LISTEN_ADDR" envDefault:":9090"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// ResendAPIKey/ResendFrom back the transactional-email path used for
	// cron notification mail when no QMQP relay client is wired in.
	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM" validate:"required_if=Env production,required_if=Env staging"`

	// TranslationServerAddr is the translate-protocol socket used to
	// resolve urn: cron commands; empty means urn: commands are rejected.
	TranslationServerAddr string `env:"WORKSHOP_TRANSLATION_SERVER_ADDR"`
}

// Load parses and validates the configuration from the process
// environment.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
