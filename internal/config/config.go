// Package config loads service settings from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Dispatch modes select the notifier implementation at deployment time.
const (
	DispatchPush = "push"
	DispatchPoll = "poll"
)

// Catalog sources select where seat counts and gate status come from.
const (
	CatalogPostgres = "postgres"
	CatalogHTTP     = "http"
)

// Config holds every tunable of a queue instance.
type Config struct {
	Port         string `env:"PORT"          envDefault:"8080"`
	InstanceID   string `env:"INSTANCE_ID"`
	DispatchMode string `env:"DISPATCH_MODE" envDefault:"push"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`

	Redis    Redis
	Database Database

	CatalogSource string `env:"CATALOG_SOURCE" envDefault:"postgres"`
	CatalogURL    string `env:"CATALOG_URL"`

	EntryTokenSecret string        `env:"ENTRY_TOKEN_SECRET,required"`
	EntryTokenTTL    time.Duration `env:"ENTRY_TOKEN_TTL" envDefault:"5m"`

	PromoteInterval   time.Duration `env:"PROMOTE_INTERVAL"    envDefault:"1s"`
	PromoteWorkers    int           `env:"PROMOTE_WORKERS"     envDefault:"10"`
	PromoteQueueSize  int           `env:"PROMOTE_QUEUE_SIZE"  envDefault:"100"`
	WorklistTTL       time.Duration `env:"WORKLIST_TTL"        envDefault:"5m"`
	ReapInterval      time.Duration `env:"REAP_INTERVAL"       envDefault:"1s"`
	StaleWindow       time.Duration `env:"STALE_WINDOW"        envDefault:"30s"`
	ReapBatch         int64         `env:"REAP_BATCH"          envDefault:"1000"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"  envDefault:"5s"`
	BroadcastInterval time.Duration `env:"BROADCAST_INTERVAL"  envDefault:"1s"`

	StreamBlock   time.Duration `env:"STREAM_BLOCK"    envDefault:"1s"`
	StreamBatch   int64         `env:"STREAM_BATCH"    envDefault:"100"`
	MaxDeliveries int64         `env:"MAX_DELIVERIES"  envDefault:"3"`
	ClaimMinIdle  time.Duration `env:"CLAIM_MIN_IDLE"  envDefault:"30s"`
}

// Redis holds connection settings for the shared queue store.
type Redis struct {
	Addr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
}

// Database holds PostgreSQL connection settings for the catalog.
type Database struct {
	Host     string `env:"DB_HOST"     envDefault:"localhost"`
	Port     string `env:"DB_PORT"     envDefault:"5432"`
	User     string `env:"DB_USER"     envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName   string `env:"DB_NAME"     envDefault:"eventbooking"`
	SSLMode  string `env:"DB_SSLMODE"  envDefault:"disable"`
}

// DSN builds a libpq-compatible connection string.
func (d Database) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.InstanceID = strings.TrimSpace(c.InstanceID)
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	c.DispatchMode = strings.ToLower(strings.TrimSpace(c.DispatchMode))
	if c.DispatchMode != DispatchPush && c.DispatchMode != DispatchPoll {
		return fmt.Errorf("DISPATCH_MODE must be %q or %q, got %q", DispatchPush, DispatchPoll, c.DispatchMode)
	}
	c.CatalogSource = strings.ToLower(strings.TrimSpace(c.CatalogSource))
	switch c.CatalogSource {
	case CatalogPostgres:
	case CatalogHTTP:
		if strings.TrimSpace(c.CatalogURL) == "" {
			return fmt.Errorf("CATALOG_URL is required when CATALOG_SOURCE=%s", CatalogHTTP)
		}
	default:
		return fmt.Errorf("CATALOG_SOURCE must be %q or %q, got %q", CatalogPostgres, CatalogHTTP, c.CatalogSource)
	}
	if strings.TrimSpace(c.EntryTokenSecret) == "" {
		return fmt.Errorf("ENTRY_TOKEN_SECRET is required")
	}
	if c.EntryTokenTTL <= 0 {
		return fmt.Errorf("entry token ttl must be positive")
	}
	if c.PromoteWorkers <= 0 || c.PromoteQueueSize < 0 {
		return fmt.Errorf("promotion pool needs at least one worker and a non-negative queue")
	}
	for name, d := range map[string]time.Duration{
		"PROMOTE_INTERVAL":   c.PromoteInterval,
		"REAP_INTERVAL":      c.ReapInterval,
		"STALE_WINDOW":       c.StaleWindow,
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"BROADCAST_INTERVAL": c.BroadcastInterval,
		"STREAM_BLOCK":       c.StreamBlock,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ReapBatch <= 0 || c.StreamBatch <= 0 || c.MaxDeliveries <= 0 {
		return fmt.Errorf("REAP_BATCH, STREAM_BATCH and MAX_DELIVERIES must be positive")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
