package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var ErrInvalid = errors.New("invalid config")

// Config is read from the environment, after an optional .env file.
type Config struct {
	Port           int    `env:"PORT" envDefault:"8080"`
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"data/tabletop.db"`

	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	MaxPlayersPerRoom int           `env:"MAX_PLAYERS_PER_ROOM" envDefault:"12"`

	EventsPerSecond float64 `env:"RATE_LIMIT_EVENTS_PER_SECOND" envDefault:"20"`
	EventBurst      int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	ChatPerSecond   float64 `env:"CHAT_RATE_PER_SECOND" envDefault:"1"`
	ChatBurst       int     `env:"CHAT_BURST" envDefault:"5"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`

	// ContentAPIKey belongs to the content generator. It is only reported as
	// present or absent.
	ContentAPIKey string `env:"CONTENT_API_KEY"`
}

// Load reads files (default ".env") if they exist, then the environment.
// Variables already set win over the files.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !isNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

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
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: PORT %d out of range", ErrInvalid, c.Port)
	case c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres":
		return fmt.Errorf("%w: DATABASE_DRIVER must be sqlite or postgres", ErrInvalid)
	case c.DatabaseURL == "":
		return fmt.Errorf("%w: DATABASE_URL is empty", ErrInvalid)
	case c.SessionTTL <= 0:
		return fmt.Errorf("%w: SESSION_TTL must be positive", ErrInvalid)
	case c.MaxPlayersPerRoom < 0:
		return fmt.Errorf("%w: MAX_PLAYERS_PER_ROOM must not be negative", ErrInvalid)
	}
	return nil
}

func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

func (c Config) ContentConfigured() bool { return c.ContentAPIKey != "" }

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
