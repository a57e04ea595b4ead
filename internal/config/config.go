package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config defines all environment-driven runtime options.
type Config struct {
	BotToken string `env:"BOT_TOKEN"`

	MarzbanURL      string `env:"MARZBAN_API_URL"`
	MarzbanAPIKey   string `env:"MARZBAN_API_KEY"`
	MarzbanUsername string `env:"MARZBAN_USERNAME"`
	MarzbanPassword string `env:"MARZBAN_PASSWORD"`

	DatabaseDSN string `env:"POSTGRES_DSN" envDefault:"postgres://vpn_user:vpn_pass@db:5432/vpn_db?sslmode=disable"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	AdminHost  string `env:"ADMIN_HOST" envDefault:"127.0.0.1"`
	AdminPort  int    `env:"ADMIN_PORT" envDefault:"28080"`
	AdminToken string `env:"ADMIN_TOKEN"`

	SweepInitialDelay time.Duration `env:"SWEEP_INITIAL_DELAY" envDefault:"60s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	SweepBatchSize    int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`

	TrialDays    int   `env:"TRIAL_DAYS" envDefault:"1"`
	TrialLimitMB int64 `env:"TRIAL_LIMIT_MB" envDefault:"500"`
}

// Load reads .env (if present) and parses environment variables into Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	return cfg, nil
}

// AdminEnabled reports whether the admin HTTP API should be started.
func (c *Config) AdminEnabled() bool {
	return c.AdminToken != ""
}
