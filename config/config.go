// Package config loads carto settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportWebSocket Transport = "ws"
)

// Config holds both sides' settings. Durations use time.ParseDuration syntax.
type Config struct {
	RequestTimeout time.Duration `env:"CARTO_REQUEST_TIMEOUT" envDefault:"45s"`
	EphemeralTTL   time.Duration `env:"CARTO_EPHEMERAL_TTL" envDefault:"30s"`
	FreshWindow    time.Duration `env:"CARTO_FRESH_WINDOW" envDefault:"5m"`
	MaxAge         time.Duration `env:"CARTO_MAX_AGE" envDefault:"24h"`

	CachePath     string `env:"CARTO_CACHE_PATH" envDefault:"carto-cache.db"`
	CacheMaxPages int    `env:"CARTO_CACHE_MAX_PAGES" envDefault:"0"`

	HostURL    string    `env:"CARTO_HOST_URL" envDefault:"http://127.0.0.1:8080"`
	Transport  Transport `env:"CARTO_TRANSPORT" envDefault:"http"`
	ListenAddr string    `env:"CARTO_LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	SeedFile   string    `env:"CARTO_SEED_FILE"`

	AuthSecret     string   `env:"CARTO_AUTH_SECRET"`
	AuthToken      string   `env:"CARTO_AUTH_TOKEN"`
	AllowedOrigins []string `env:"CARTO_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.FreshWindow <= 0 || c.MaxAge <= 0 {
		return fmt.Errorf("cache windows must be positive")
	}
	if c.FreshWindow > c.MaxAge {
		return fmt.Errorf("fresh window %s exceeds max age %s", c.FreshWindow, c.MaxAge)
	}
	switch c.Transport {
	case TransportHTTP, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}
